package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SupportedFormats lists the container tags accepted for uploads and stream
// chunks besides raw pcm.
var SupportedFormats = []string{"flac", "m4a", "mp3", "mp4", "mpeg", "mpga", "ogg", "wav", "webm"}

type runFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// Normalizer turns uploaded files and streamed chunks into canonical PCM.
// WAV input at 16 kHz is decoded in-process; everything else goes through
// ffmpeg.
type Normalizer struct {
	FFmpegPath string
	Logger     *zap.Logger

	run runFunc
}

func NewNormalizer(ffmpegPath string, logger *zap.Logger) *Normalizer {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{FFmpegPath: ffmpegPath, Logger: logger, run: runCommand}
}

// SupportedFormat reports whether a format tag or file extension is accepted.
func SupportedFormat(format string) bool {
	format = normalizeFormat(format)
	if format == "pcm" {
		return true
	}
	for _, candidate := range SupportedFormats {
		if candidate == format {
			return true
		}
	}
	return false
}

// FormatFromFilename derives a format tag from a file extension.
func FormatFromFilename(name string) string {
	return normalizeFormat(strings.TrimPrefix(filepath.Ext(name), "."))
}

func (n *Normalizer) NormalizeFile(ctx context.Context, path string) ([]int16, error) {
	format := FormatFromFilename(path)
	if format == "wav" {
		samples, err := ReadWAVFile(path)
		if err == nil {
			return samples, nil
		}
		if !errors.Is(err, ErrUnsupportedWAV) {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		n.log().Debug("wav needs resampling; using ffmpeg", zap.String("path", path), zap.Error(err))
	}

	return n.ffmpeg(ctx, path, nil)
}

// NormalizeBytes decodes an in-memory payload tagged with format.
func (n *Normalizer) NormalizeBytes(ctx context.Context, data []byte, format string) ([]int16, error) {
	format = normalizeFormat(format)
	switch format {
	case "", "pcm":
		return DecodePCM16(data)
	case "wav":
		samples, err := DecodeWAV(data)
		if err == nil {
			return samples, nil
		}
		if !errors.Is(err, ErrUnsupportedWAV) {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}

	if !SupportedFormat(format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if len(data) == 0 {
		return nil, nil
	}

	return n.ffmpeg(ctx, "pipe:0", data)
}

// DecodeChunk unwraps the base64 framing used by the realtime JSON envelope.
func (n *Normalizer) DecodeChunk(ctx context.Context, encoded string, format string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrDecode, err)
	}
	return n.NormalizeBytes(ctx, raw, format)
}

func (n *Normalizer) ffmpeg(ctx context.Context, input string, stdin []byte) ([]int16, error) {
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", input,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"pipe:1",
	}
	if stdin != nil {
		// -nostdin would stop ffmpeg from reading pipe:0.
		args = args[1:]
	}

	run := n.run
	if run == nil {
		run = runCommand
	}

	n.log().Debug("running ffmpeg", zap.String("ffmpeg", n.FFmpegPath), zap.Strings("args", args))
	out, err := run(ctx, stdin, n.FFmpegPath, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: ffmpeg not available at %q", ErrDecode, n.FFmpegPath)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return DecodePCM16(out[:len(out)-len(out)%2])
}

func (n *Normalizer) log() *zap.Logger {
	if n.Logger == nil {
		return zap.NewNop()
	}
	return n.Logger
}

func runCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if errText != "" {
			return nil, fmt.Errorf("%s failed: %w (%s)", filepath.Base(name), err, errText)
		}
		return nil, fmt.Errorf("%s failed: %w", filepath.Base(name), err)
	}
	return stdout.Bytes(), nil
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "s16le", "raw", "pcm16":
		return "pcm"
	case "wave":
		return "wav"
	}
	return format
}
