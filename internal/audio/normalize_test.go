package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeChunkRawPCM(t *testing.T) {
	t.Parallel()

	n := NewNormalizer("", nil)
	encoded := base64.StdEncoding.EncodeToString(EncodePCM16([]int16{7, -7, 300}))

	samples, err := n.DecodeChunk(context.Background(), encoded, "pcm")
	require.NoError(t, err)
	require.Equal(t, []int16{7, -7, 300}, samples)
}

func TestDecodeChunkWAV(t *testing.T) {
	t.Parallel()

	n := NewNormalizer("", nil)
	encoded := base64.StdEncoding.EncodeToString(EncodeWAV([]int16{1, 2, 3}))

	samples, err := n.DecodeChunk(context.Background(), encoded, "wav")
	require.NoError(t, err)
	require.Equal(t, []int16{1, 2, 3}, samples)
}

func TestDecodeChunkRejectsBadBase64(t *testing.T) {
	t.Parallel()

	_, err := NewNormalizer("", nil).DecodeChunk(context.Background(), "%%%not-base64", "pcm")
	require.ErrorIs(t, err, ErrDecode)
}

func TestNormalizeBytesRejectsOddPCM(t *testing.T) {
	t.Parallel()

	_, err := NewNormalizer("", nil).NormalizeBytes(context.Background(), []byte{1, 2, 3}, "pcm")
	require.ErrorIs(t, err, ErrDecode)
}

func TestNormalizeBytesRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := NewNormalizer("", nil).NormalizeBytes(context.Background(), []byte{1, 2}, "midi")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNormalizeFileFallsBackToFFmpeg(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o644))

	var gotArgs []string
	n := NewNormalizer("/opt/ffmpeg", nil)
	n.run = func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		require.Nil(t, stdin)
		require.Equal(t, "/opt/ffmpeg", name)
		gotArgs = args
		return EncodePCM16([]int16{5, 6}), nil
	}

	samples, err := n.NormalizeFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, []int16{5, 6}, samples)
	require.Contains(t, gotArgs, path)
	require.Contains(t, gotArgs, "16000")
	require.Equal(t, "pipe:1", gotArgs[len(gotArgs)-1])
}

func TestNormalizeFileWrapsFFmpegFailure(t *testing.T) {
	t.Parallel()

	n := NewNormalizer("ffmpeg", nil)
	n.run = func(context.Context, []byte, string, ...string) ([]byte, error) {
		return nil, errors.New("ffmpeg failed: exit status 1 (Invalid data found when processing input)")
	}

	_, err := n.NormalizeFile(context.Background(), "/tmp/corrupt.webm")
	require.ErrorIs(t, err, ErrDecode)
	require.Contains(t, err.Error(), "Invalid data")
}

func TestNormalizeFileReportsMissingFFmpeg(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(filepath.Join(t.TempDir(), "no-ffmpeg"), nil)
	_, err := n.NormalizeFile(context.Background(), "/tmp/clip.ogg")
	require.ErrorIs(t, err, ErrDecode)
}

func TestNormalizeFileWithRealFFmpeg(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, os.WriteFile(path, makePCM16WAV(make([]int16, 44100), 44100, 1), 0o644))

	samples, err := NewNormalizer("ffmpeg", nil).NormalizeFile(context.Background(), path)
	require.NoError(t, err)
	require.InDelta(t, 16000, len(samples), 200)
}

func TestSupportedFormat(t *testing.T) {
	t.Parallel()

	require.True(t, SupportedFormat("WAV"))
	require.True(t, SupportedFormat("pcm"))
	require.True(t, SupportedFormat("s16le"))
	require.False(t, SupportedFormat("exe"))
	require.Equal(t, "mp3", FormatFromFilename("talk.MP3"))
}
