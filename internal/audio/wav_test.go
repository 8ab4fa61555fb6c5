package audio

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeWAVCanonical(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 100, -100, math.MaxInt16, math.MinInt16}
	decoded, err := DecodeWAV(EncodeWAV(samples))
	require.NoError(t, err)
	require.Equal(t, samples, decoded)
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	t.Parallel()

	data := makePCM16WAV([]int16{1000, 3000, -2000, -4000}, 16000, 2)
	decoded, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, []int16{2000, -3000}, decoded)
}

func TestDecodeWAVRejectsOtherSampleRates(t *testing.T) {
	t.Parallel()

	_, err := DecodeWAV(makePCM16WAV(make([]int16, 441), 44100, 1))
	require.ErrorIs(t, err, ErrUnsupportedWAV)
}

func TestDecodeWAVInvalidFile(t *testing.T) {
	t.Parallel()

	_, err := DecodeWAV([]byte("hello"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestDecodeWAVToleratesOversizedDataChunk(t *testing.T) {
	t.Parallel()

	data := EncodeWAV([]int16{1, 2, 3})
	binary.LittleEndian.PutUint32(data[40:], 0xFFFFFFFF)

	decoded, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, []int16{1, 2, 3}, decoded)
}

func TestReadWAVFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, EncodeWAV(sine(1600, 0.25)), 0o644))

	samples, err := ReadWAVFile(path)
	require.NoError(t, err)
	require.Len(t, samples, 1600)
}

func TestIsSilentDetectsSilence(t *testing.T) {
	t.Parallel()

	silent, levels := IsSilent(make([]int16, 16000), -65)
	require.True(t, silent)
	require.True(t, math.IsInf(levels.RMSdBFS, -1))
	require.True(t, math.IsInf(levels.PeakdBFS, -1))
	require.EqualValues(t, 16000, levels.Samples)
}

func TestIsSilentDetectsSpeechLikeSignal(t *testing.T) {
	t.Parallel()

	silent, levels := IsSilent(sine(16000, 0.25), -65)
	require.False(t, silent)
	require.Greater(t, levels.PeakdBFS, -20.0)
	require.Greater(t, levels.RMSdBFS, -20.0)
}

func sine(n int, amplitude float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	return samples
}

func makePCM16WAV(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	out := EncodeWAV(samples)

	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*channels*bytesPerSample))
	binary.LittleEndian.PutUint16(out[32:], uint16(channels*bytesPerSample))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	return out
}
