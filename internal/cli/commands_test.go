package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/inference"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/results"
	"github.com/fmueller/voxd/internal/server"
	"github.com/fmueller/voxd/internal/stream"
	"github.com/fmueller/voxd/internal/whisper"
)

func TestTranscribeWithStubEngine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	wav := writeSpeechWAV(t, dir)

	stdout, _, err := runCommand(t, []string{"--config", cfg, "transcribe", wav})
	require.NoError(t, err)
	require.Equal(t, "speech\n", stdout)

	stdout, _, err = runCommand(t, []string{"--config", cfg, "transcribe", "--format", "srt", wav})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stdout, "1\n00:00:00,000 --> 00:00:01,"), stdout)
	require.True(t, strings.HasSuffix(stdout, "\nspeech\n\n"), stdout)
}

func TestTranscribeWritesOutputFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	wav := writeSpeechWAV(t, dir)
	out := filepath.Join(dir, "speech.json")

	stdout, _, err := runCommand(t, []string{"--config", cfg, "transcribe", "--format", "json", "-o", out, wav})
	require.NoError(t, err)
	require.Empty(t, stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), `"text":"speech"`)
	require.Contains(t, string(data), `"language":"en"`)
}

func TestTranscribeSilenceWarns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	wav := filepath.Join(dir, "silence.wav")
	require.NoError(t, os.WriteFile(wav, audio.EncodeWAV(make([]int16, audio.SampleRate)), 0o644))

	stdout, stderr, err := runCommand(t, []string{"--config", cfg, "transcribe", wav})
	require.NoError(t, err)
	require.Equal(t, "\n", stdout)
	require.Contains(t, stderr, "no speech detected")
}

func TestTranscribeRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	wav := writeSpeechWAV(t, dir)

	_, _, err := runCommand(t, []string{"--config", writeConfig(t, dir, ""), "transcribe", "--format", "docx", wav})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown response format")
}

func TestSetupListShowsInstalledModels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	models := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(models, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "ggml-base.bin"), []byte("x"), 0o644))

	stdout, _, err := runCommand(t, []string{"--config", cfg, "setup", "--list"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, len(whisper.ModelNames()))
	for i, name := range whisper.ModelNames() {
		require.True(t, strings.HasPrefix(lines[i], name+" "), lines[i])
		if name == "base" {
			require.True(t, strings.HasSuffix(lines[i], "installed"), lines[i])
		} else {
			require.True(t, strings.HasSuffix(lines[i], "-"), lines[i])
		}
	}
}

func newRealtimeServer(t *testing.T) *httptest.Server {
	t.Helper()

	normalizer := audio.NewNormalizer("", nil)
	gate := inference.NewGate(&whisper.StubEngine{}, 1, nil)
	qualityGate := quality.NewGate(quality.DefaultThresholds())

	sink, err := results.NewFileSink(filepath.Join(t.TempDir(), "results"), nil)
	require.NoError(t, err)
	store := jobs.NewStore()
	scheduler := jobs.NewScheduler(jobs.Config{Workers: 1}, store, &jobs.Pipeline{Normalizer: normalizer, Engine: gate}, sink, nil)
	sessions := stream.NewRegistry(stream.Config{}, 2, gate, normalizer, qualityGate, nil)

	srv, err := server.New(server.Options{
		Jobs:      store,
		Scheduler: scheduler,
		Results:   sink,
		Inference: gate,
		Sessions:  sessions,
		UploadDir: filepath.Join(t.TempDir(), "uploads"),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.RealtimeHandler())
	t.Cleanup(func() {
		sessions.CloseAll()
		ts.Close()
	})
	return ts
}

func TestStreamPrintsTranscripts(t *testing.T) {
	t.Parallel()

	ts := newRealtimeServer(t)
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/audio/transcriptions"

	for _, binary := range []bool{false, true} {
		binary := binary
		t.Run(fmt.Sprintf("binary=%v", binary), func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			args := []string{"--config", writeConfig(t, dir, ""), "stream", "--url", endpoint}
			if binary {
				args = append(args, "--binary")
			}
			args = append(args, writeSpeechWAV(t, dir))

			stdout, _, err := runCommand(t, args)
			require.NoError(t, err)
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			require.Len(t, lines, 1)
			require.True(t, strings.HasPrefix(lines[0], "[00:00:00."), lines[0])
			require.True(t, strings.HasSuffix(lines[0], "] speech"), lines[0])
		})
	}
}

func TestStreamReportsRejectedHandshake(t *testing.T) {
	t.Parallel()

	ts := newRealtimeServer(t)
	dir := t.TempDir()
	endpoint := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/audio/transcriptions"

	_, _, err := runCommand(t, []string{"--config", writeConfig(t, dir, ""), "stream", "--url", endpoint + "/missing", writeSpeechWAV(t, dir)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	got, err := streamURL("http://localhost:8000/v1/audio/transcriptions", "de")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/v1/audio/transcriptions?language=de", got)

	got, err = streamURL(defaultStreamURL, "auto")
	require.NoError(t, err)
	require.Equal(t, defaultStreamURL, got)

	_, err = streamURL("ftp://example.com", "")
	require.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServeAnswersHealthAndShutsDown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	batchPort, realtimePort := freePort(t), freePort(t)
	cfg := writeConfig(t, dir, fmt.Sprintf("host: 127.0.0.1\nbatch:\n  port: %d\nrealtime:\n  port: %d\n", batchPort, realtimePort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := runCommandContext(t, ctx, []string{"--config", cfg, "serve"})
		done <- err
	}()

	for _, port := range []int{batchPort, realtimePort} {
		url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
		require.Eventually(t, func() bool {
			resp, err := http.Get(url)
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)
	}

	require.DirExists(t, filepath.Join(dir, "uploads"))
	require.DirExists(t, filepath.Join(dir, "results"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
