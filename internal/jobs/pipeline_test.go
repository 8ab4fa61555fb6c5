package jobs

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/inference"
	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/results"
	"github.com/fmueller/voxd/internal/whisper"
)

func newTestPipeline() *Pipeline {
	return &Pipeline{
		Normalizer: audio.NewNormalizer("", nil),
		Engine:     inference.NewGate(&whisper.StubEngine{}, 1, nil),
		Quality:    quality.NewGate(quality.DefaultThresholds()),
	}
}

func writeWAV(t *testing.T, dir, name string, samples []int16) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, audio.EncodeWAV(samples), 0o644))
	return path
}

func tone(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(6000 * math.Sin(2*math.Pi*300*float64(i)/audio.SampleRate))
	}
	return out
}

func TestPipelineSilentWAVCompletesWithEmptyText(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, t.TempDir(), "silence.wav", make([]int16, 10*audio.SampleRate))

	result, err := newTestPipeline().Process(context.Background(), Job{InputPath: path, Params: whisper.DefaultDecodeParams()})
	require.NoError(t, err)
	require.Empty(t, result.Text)
	require.LessOrEqual(t, len(result.Segments), 1)
	require.Equal(t, 10.0, result.Duration)
}

func TestPipelineCorruptInputIsDecodeError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVEjunk"), 0o644))

	_, err := newTestPipeline().Process(context.Background(), Job{InputPath: path, Params: whisper.DefaultDecodeParams()})
	require.ErrorIs(t, err, audio.ErrDecode)
}

func TestCompletedJobResultFileRoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := results.NewFileSink(filepath.Join(dir, "results"), nil)
	require.NoError(t, err)

	samples := append(append(tone(audio.SampleRate), make([]int16, audio.SampleRate)...), tone(audio.SampleRate)...)
	firstPath := writeWAV(t, dir, "first.wav", samples)
	secondPath := writeWAV(t, dir, "second.wav", samples)

	s, store := startScheduler(t, Config{Workers: 1, QueueDepth: 4}, newTestPipeline(), sink)

	first, err := s.Submit(Spec{InputPath: firstPath, Filename: "speech.wav", Params: whisper.DefaultDecodeParams()})
	require.NoError(t, err)
	second, err := s.Submit(Spec{InputPath: secondPath, Filename: "speech.wav", Params: whisper.DefaultDecodeParams()})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	for _, id := range []string{first.ID, second.ID} {
		job := waitTerminal(t, store, id)
		require.Equal(t, StatusCompleted, job.Status, job.Error)

		rec, err := sink.Read(id)
		require.NoError(t, err)
		require.NotNil(t, rec.Result)
		require.NoError(t, rec.Validate())
		require.Equal(t, 3.0, rec.Duration)
		require.Len(t, rec.Segments, 2)
		for _, seg := range rec.Segments {
			require.GreaterOrEqual(t, seg.Start, 0.0)
			require.LessOrEqual(t, seg.End, rec.Duration)
		}
	}
}
