package cli

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxd/internal/audio"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runCommandContext(t, context.Background(), args)
}

func runCommandContext(t *testing.T, ctx context.Context, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

// writeSpeechWAV writes one second of tone followed by one second of silence.
func writeSpeechWAV(t *testing.T, dir string) string {
	t.Helper()

	samples := make([]int16, audio.DurationSamples(2*time.Second))
	voiced := audio.DurationSamples(time.Second)
	for i := 0; i < voiced; i++ {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*220*float64(i)/audio.SampleRate))
	}

	path := filepath.Join(dir, "speech.wav")
	require.NoError(t, os.WriteFile(path, audio.EncodeWAV(samples), 0o644))
	return path
}

// writeConfig points every data directory into dir so that commands never
// touch the user's home.
func writeConfig(t *testing.T, dir string, extra string) string {
	t.Helper()

	content := "engine: stub\n" +
		"model_dir: " + filepath.Join(dir, "models") + "\n" +
		"storage:\n" +
		"  upload_dir: " + filepath.Join(dir, "uploads") + "\n" +
		"  results_dir: " + filepath.Join(dir, "results") + "\n" +
		extra

	path := filepath.Join(dir, "voxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
