package audio

import (
	"math"
	"time"
)

const (
	DefaultFrameDuration = 30 * time.Millisecond
	DefaultVADThreshold  = -45.0
)

type VADConfig struct {
	// ThresholdDBFS is the frame RMS level above which a frame counts as voiced.
	ThresholdDBFS float64
	Frame         time.Duration
	// Onset is how much consecutive voiced audio is needed to enter speech.
	Onset time.Duration
	// Release is how much consecutive silence is needed to leave speech.
	Release time.Duration
}

func (c VADConfig) withDefaults() VADConfig {
	if c.ThresholdDBFS == 0 {
		c.ThresholdDBFS = DefaultVADThreshold
	}
	if c.Frame <= 0 {
		c.Frame = DefaultFrameDuration
	}
	if c.Onset <= 0 {
		c.Onset = 2 * c.Frame
	}
	if c.Release <= 0 {
		c.Release = 10 * c.Frame
	}
	return c
}

// VAD is an energy detector with onset/release hysteresis. It is not safe for
// concurrent use; each streaming session owns one.
type VAD struct {
	cfg           VADConfig
	frameSamples  int
	onsetFrames   int
	releaseFrames int

	inSpeech   bool
	voiced     bool
	voicedRun  int
	silenceRun int
}

func NewVAD(cfg VADConfig) *VAD {
	cfg = cfg.withDefaults()
	frameSamples := DurationSamples(cfg.Frame)
	if frameSamples <= 0 {
		frameSamples = 1
	}
	return &VAD{
		cfg:           cfg,
		frameSamples:  frameSamples,
		onsetFrames:   framesFor(cfg.Onset, cfg.Frame),
		releaseFrames: framesFor(cfg.Release, cfg.Frame),
	}
}

func (v *VAD) FrameSamples() int {
	return v.frameSamples
}

// Observe classifies one frame and updates the hysteresis state. It returns
// whether the detector is in speech after the frame.
func (v *VAD) Observe(frame []int16) bool {
	levels := Measure(frame)
	loud := !math.IsInf(levels.RMSdBFS, -1) && levels.RMSdBFS > v.cfg.ThresholdDBFS

	if loud {
		v.voicedRun++
		v.silenceRun = 0
		if !v.inSpeech && v.voicedRun >= v.onsetFrames {
			v.inSpeech = true
			v.voiced = true
		}
		return v.inSpeech
	}

	v.silenceRun++
	v.voicedRun = 0
	if v.inSpeech && v.silenceRun >= v.releaseFrames {
		v.inSpeech = false
	}
	return v.inSpeech
}

func (v *VAD) InSpeech() bool {
	return v.inSpeech
}

// Voiced reports whether speech was detected since the last Reset.
func (v *VAD) Voiced() bool {
	return v.voiced
}

// Silence returns the length of the trailing run of silent frames.
func (v *VAD) Silence() time.Duration {
	return time.Duration(v.silenceRun) * v.cfg.Frame
}

// StartSegment begins a new segment after a boundary. Speech in progress
// carries over; the silence run does not.
func (v *VAD) StartSegment() {
	v.voiced = v.inSpeech
	v.silenceRun = 0
}

func (v *VAD) Reset() {
	v.inSpeech = false
	v.voiced = false
	v.voicedRun = 0
	v.silenceRun = 0
}

func framesFor(d, frame time.Duration) int {
	n := int((d + frame - 1) / frame)
	if n < 1 {
		return 1
	}
	return n
}
