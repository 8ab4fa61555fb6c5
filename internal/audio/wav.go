package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

type WAVFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// Canonical reports whether the data chunk can be used as engine input as is.
func (f WAVFormat) Canonical() bool {
	return f.AudioFormat == 1 && f.Channels == Channels && f.SampleRate == SampleRate && f.BitsPerSample == BitsPerSample
}

// ParseWAV walks the RIFF chunks and returns the fmt description together
// with the raw data chunk.
func ParseWAV(r io.ReadSeeker) (WAVFormat, []byte, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return WAVFormat{}, nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return WAVFormat{}, nil, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAVFormat{}, nil, ErrInvalidWAV
	}

	var (
		format  WAVFormat
		data    []byte
		hasFmt  bool
		hasData bool
	)

	for !hasData {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return WAVFormat{}, nil, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return WAVFormat{}, nil, ErrInvalidWAV
			}

			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("%w: read fmt chunk: %v", ErrInvalidWAV, err)
			}

			format = WAVFormat{
				AudioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
				Channels:      binary.LittleEndian.Uint16(buf[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
				BitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
			}
			hasFmt = true

			if chunkSize%2 != 0 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return WAVFormat{}, nil, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			remaining, err := remainingBytes(r)
			if err != nil {
				return WAVFormat{}, nil, err
			}
			// Streaming writers often leave the data size unset; keep what arrived.
			size := int64(chunkSize)
			if size > remaining {
				size = remaining
			}
			data = make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("%w: read data chunk: %v", ErrInvalidWAV, err)
			}
			hasData = true
		default:
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return WAVFormat{}, nil, ErrInvalidWAV
	}

	if err := validateFormat(format.AudioFormat, format.BitsPerSample); err != nil {
		return WAVFormat{}, nil, err
	}
	if format.Channels == 0 {
		return WAVFormat{}, nil, ErrInvalidWAV
	}

	return format, data, nil
}

// DecodeWAV returns canonical samples for WAV input recorded at 16 kHz.
// Multi-channel audio is downmixed; other sample rates yield
// ErrUnsupportedWAV so that callers can hand the file to ffmpeg.
func DecodeWAV(data []byte) ([]int16, error) {
	format, payload, err := ParseWAV(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if format.Canonical() {
		return DecodePCM16(payload[:len(payload)-len(payload)%2])
	}

	if format.SampleRate != SampleRate {
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedWAV, format.SampleRate)
	}

	bytesPerSample := int(format.BitsPerSample / 8)
	frameSize := bytesPerSample * int(format.Channels)
	frames := len(payload) / frameSize
	out := make([]int16, frames)

	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < int(format.Channels); ch++ {
			off := i*frameSize + ch*bytesPerSample
			value, err := decodeSample(payload[off:off+bytesPerSample], format.AudioFormat, format.BitsPerSample)
			if err != nil {
				return nil, err
			}
			sum += value
		}
		out[i] = floatToPCM16(sum / float64(format.Channels))
	}

	return out, nil
}

func ReadWAVFile(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	return DecodeWAV(data)
}

// EncodeWAV wraps canonical samples into a PCM16 mono 16 kHz RIFF container.
func EncodeWAV(samples []int16) []byte {
	const fmtChunkSize = 16
	bytesPerSample := BitsPerSample / 8
	dataSize := len(samples) * bytesPerSample
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], "RIFF")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], "WAVE")
	off += 4

	copy(out[off:], "fmt ")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], fmtChunkSize)
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], Channels)
	off += 2
	binary.LittleEndian.PutUint32(out[off:], SampleRate)
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(SampleRate*Channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(Channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], BitsPerSample)
	off += 2

	copy(out[off:], "data")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	copy(out[off:], EncodePCM16(samples))
	return out
}

func remainingBytes(r io.Seeker) (int64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("seek wav data chunk: %w", err)
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek wav end: %w", err)
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek wav data chunk: %w", err)
	}
	return end - cur, nil
}

func validateFormat(audioFormat, bitsPerSample uint16) error {
	switch audioFormat {
	case 1:
		switch bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case 3:
		switch bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == 3 {
		switch bitsPerSample {
		case 32:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(sample))), nil
		case 64:
			return math.Float64frombits(binary.LittleEndian.Uint64(sample)), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		return (float64(sample[0]) - 128.0) / 128.0, nil
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(sample))) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		return float64(int32(binary.LittleEndian.Uint32(sample))) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}

func floatToPCM16(v float64) int16 {
	scaled := math.Round(v * 32768.0)
	switch {
	case scaled > math.MaxInt16:
		return math.MaxInt16
	case scaled < math.MinInt16:
		return math.MinInt16
	default:
		return int16(scaled)
	}
}
