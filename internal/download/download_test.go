package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("voxd")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	require.NoError(t, VerifyFileChecksum(path, checksum(payload)))
	require.NoError(t, VerifyFileChecksum(path, ""))
	require.ErrorIs(t, VerifyFileChecksum(path, "deadbeef"), ErrChecksumMismatch)
}

func TestFileDownloadsAndVerifies(t *testing.T) {
	t.Parallel()

	payload := []byte("model-weights")
	var agent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "models", "ggml-tiny.bin")
	var progress bytes.Buffer
	err := File(context.Background(), Options{
		URL:            server.URL + "/ggml-tiny.bin",
		Destination:    dest,
		ExpectedSHA256: checksum(payload),
		Progress:       &progress,
	})
	require.NoError(t, err)

	onDisk, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
	require.Equal(t, "voxd/1", agent.Load())

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileChecksumMismatchLeavesNothing(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("tampered"))
	}))
	defer server.Close()

	dir := t.TempDir()
	err := File(context.Background(), Options{
		URL:            server.URL,
		Destination:    filepath.Join(dir, "model.bin"),
		ExpectedSHA256: checksum([]byte("original")),
		Retries:        2,
		Backoff:        time.Millisecond,
		NoProgress:     true,
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.EqualValues(t, 2, hits.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFileRetriesServerErrors(t *testing.T) {
	t.Parallel()

	payload := []byte("eventually")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	err := File(context.Background(), Options{
		URL:         server.URL,
		Destination: dest,
		Retries:     3,
		Backoff:     time.Millisecond,
		NoProgress:  true,
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, hits.Load())
}

func TestFileDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := File(context.Background(), Options{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		Retries:     5,
		Backoff:     time.Millisecond,
		NoProgress:  true,
	})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.EqualValues(t, 1, hits.Load())
}

func TestFileStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := File(ctx, Options{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "model.bin"),
		Retries:     3,
		Backoff:     time.Hour,
		NoProgress:  true,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnsureSkipsVerifiedFile(t *testing.T) {
	t.Parallel()

	payload := []byte("cached")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(dest, payload, 0o644))

	downloaded, err := Ensure(context.Background(), Options{
		URL:            server.URL,
		Destination:    dest,
		ExpectedSHA256: checksum(payload),
		NoProgress:     true,
	})
	require.NoError(t, err)
	require.False(t, downloaded)
	require.Zero(t, hits.Load())
}

func TestEnsureReplacesCorruptFile(t *testing.T) {
	t.Parallel()

	payload := []byte("fresh")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(dest, []byte("truncated"), 0o644))

	downloaded, err := Ensure(context.Background(), Options{
		URL:            server.URL,
		Destination:    dest,
		ExpectedSHA256: checksum(payload),
		NoProgress:     true,
	})
	require.NoError(t, err)
	require.True(t, downloaded)

	onDisk, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestOptionsRequireURLAndDestination(t *testing.T) {
	t.Parallel()

	require.Error(t, File(context.Background(), Options{Destination: "x"}))
	_, err := Ensure(context.Background(), Options{URL: "http://localhost"})
	require.Error(t, err)
}
