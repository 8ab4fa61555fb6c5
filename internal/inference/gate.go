// Package inference bounds concurrent access to the single inference engine
// shared by batch workers and streaming sessions.
package inference

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

type Stats struct {
	Capacity  int64 `json:"capacity"`
	InUse     int64 `json:"in_use"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Gate is a whisper.Engine that admits at most Capacity calls to the wrapped
// engine at a time. Callers beyond that wait until a slot frees up or their
// context ends.
type Gate struct {
	engine   whisper.Engine
	sem      *semaphore.Weighted
	capacity int64
	logger   *zap.Logger

	inUse     atomic.Int64
	waiting   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewGate(engine whisper.Engine, slots int, logger *zap.Logger) *Gate {
	if slots < 1 {
		slots = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		engine:   engine,
		sem:      semaphore.NewWeighted(int64(slots)),
		capacity: int64(slots),
		logger:   logger,
	}
}

func (g *Gate) Transcribe(ctx context.Context, req whisper.Request) (transcript.Result, error) {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return transcript.Result{}, fmt.Errorf("wait for inference slot: %w", err)
	}
	defer g.sem.Release(1)

	g.inUse.Add(1)
	defer g.inUse.Add(-1)

	started := time.Now()
	result, err := g.engine.Transcribe(ctx, req)
	if err != nil {
		g.failed.Add(1)
		return transcript.Result{}, err
	}
	g.completed.Add(1)

	g.logger.Debug("inference finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Float64("audio_seconds", result.Duration),
		zap.Int("segments", len(result.Segments)),
	)
	return result, nil
}

func (g *Gate) Stats() Stats {
	return Stats{
		Capacity:  g.capacity,
		InUse:     g.inUse.Load(),
		Waiting:   g.waiting.Load(),
		Completed: g.completed.Load(),
		Failed:    g.failed.Load(),
	}
}
