package audio

import "math"

type Levels struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// Measure computes RMS and peak levels of canonical samples.
func Measure(samples []int16) Levels {
	if len(samples) == 0 {
		return Levels{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}

	var peak, sumSquares float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
		sumSquares += v * v
	}

	return Levels{
		RMSdBFS:  amplitudeToDBFS(math.Sqrt(sumSquares / float64(len(samples)))),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  int64(len(samples)),
	}
}

// IsSilent reports whether the samples stay under thresholdDBFS. The peak
// may exceed the threshold by 6 dB to tolerate isolated clicks.
func IsSilent(samples []int16, thresholdDBFS float64) (bool, Levels) {
	levels := Measure(samples)
	if levels.Samples == 0 {
		return true, levels
	}

	if math.IsInf(levels.RMSdBFS, -1) && math.IsInf(levels.PeakdBFS, -1) {
		return true, levels
	}

	peakGate := thresholdDBFS + 6
	return levels.RMSdBFS <= thresholdDBFS && levels.PeakdBFS <= peakGate, levels
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
