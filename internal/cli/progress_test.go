package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartSpinner(t *testing.T) {
	t.Parallel()

	for _, enabled := range []bool{true, false} {
		stop := startSpinner(enabled, "testing")
		require.NotNil(t, stop)
		stop()
		stop()
	}
}

func TestAudioProgressRendersToWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := newAudioProgress(&buf, "streaming", 2*time.Second)
	p.Advance(500 * time.Millisecond)
	p.Advance(1500 * time.Millisecond)
	p.Finish()
	require.Contains(t, buf.String(), "streaming")
}

func TestAudioProgressDisabled(t *testing.T) {
	t.Parallel()

	p := newAudioProgress(nil, "streaming", time.Second)
	p.Advance(time.Second)
	p.Finish()

	p = newAudioProgress(&bytes.Buffer{}, "streaming", 0)
	p.Advance(time.Second)
	p.Finish()
}
