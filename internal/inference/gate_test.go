package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

type countingEngine struct {
	active  atomic.Int64
	maxSeen atomic.Int64
	delay   time.Duration
	err     error
}

func (e *countingEngine) Transcribe(ctx context.Context, _ whisper.Request) (transcript.Result, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		seen := e.maxSeen.Load()
		if n <= seen || e.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
		return transcript.Result{}, ctx.Err()
	}
	return transcript.Result{Text: "ok"}, e.err
}

func TestGateBoundsConcurrentCalls(t *testing.T) {
	t.Parallel()

	engine := &countingEngine{delay: 20 * time.Millisecond}
	gate := NewGate(engine, 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Transcribe(context.Background(), whisper.Request{})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, engine.maxSeen.Load(), int64(2))
	stats := gate.Stats()
	require.Equal(t, int64(2), stats.Capacity)
	require.Equal(t, int64(8), stats.Completed)
	require.Zero(t, stats.InUse)
	require.Zero(t, stats.Waiting)
}

func TestGateWaitHonoursContext(t *testing.T) {
	t.Parallel()

	engine := &countingEngine{delay: time.Second}
	gate := NewGate(engine, 1, nil)

	holding := make(chan struct{})
	go func() {
		close(holding)
		_, _ = gate.Transcribe(context.Background(), whisper.Request{})
	}()
	<-holding
	require.Eventually(t, func() bool { return gate.Stats().InUse == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := gate.Transcribe(ctx, whisper.Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateCountsFailures(t *testing.T) {
	t.Parallel()

	engine := &countingEngine{err: whisper.ErrInference}
	gate := NewGate(engine, 0, nil)

	_, err := gate.Transcribe(context.Background(), whisper.Request{})
	require.True(t, errors.Is(err, whisper.ErrInference))
	require.Equal(t, int64(1), gate.Stats().Failed)
	require.Equal(t, int64(1), gate.Stats().Capacity)
}
