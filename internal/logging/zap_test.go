package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSONWritesStructuredFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(Options{JSON: true, Output: &buf})
	require.NoError(t, err)

	logger.Named("jobs").Info("job completed", zap.String("job_id", "abc"))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "jobs", entry["logger"])
	require.Equal(t, "job completed", entry["msg"])
	require.Equal(t, "abc", entry["job_id"])
	require.Contains(t, entry, "ts")
	require.NotContains(t, buf.String(), "hidden")
}

func TestNewVerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(Options{Verbose: true, Output: &buf})
	require.NoError(t, err)

	logger.Debug("decoding segment", zap.Int("sequence", 3))
	require.NoError(t, logger.Sync())
	require.Contains(t, buf.String(), "decoding segment")
	require.Contains(t, buf.String(), `"sequence": 3`)
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	require.NotNil(t, OrNop(nil))
	logger := zap.NewExample()
	require.Same(t, logger, OrNop(logger))
}
