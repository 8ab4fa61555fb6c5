package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Canonical PCM layout handed to the inference engine.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

var (
	// ErrDecode marks audio that could not be turned into canonical PCM.
	ErrDecode = errors.New("audio decode failed")
	// ErrUnsupportedFormat marks a container or format tag that is not accepted.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// DecodePCM16 converts little-endian signed 16-bit bytes into samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm payload has odd length %d", ErrDecode, len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples, nil
}

func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

func DurationSamples(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d * SampleRate / time.Second)
}

// Seconds returns the playback length of n canonical samples in seconds.
func Seconds(n int) float64 {
	return float64(n) / SampleRate
}
