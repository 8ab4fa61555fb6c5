package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/results"
	"github.com/fmueller/voxd/internal/transcript"
)

// Processor turns a running job into a transcript.
type Processor interface {
	Process(ctx context.Context, job Job) (transcript.Result, error)
}

type ProcessorFunc func(ctx context.Context, job Job) (transcript.Result, error)

func (f ProcessorFunc) Process(ctx context.Context, job Job) (transcript.Result, error) {
	return f(ctx, job)
}

// Sink persists terminal job records.
type Sink interface {
	Write(rec results.Record) error
}

type Config struct {
	Workers    int
	QueueDepth int
	// Timeout bounds a single job. Zero disables the limit.
	Timeout       time.Duration
	RetainUploads bool
}

type Stats struct {
	Workers       int `json:"workers"`
	Busy          int `json:"busy"`
	Queued        int `json:"queued"`
	QueueCapacity int `json:"queue_capacity"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
}

// Scheduler runs jobs FIFO on a fixed pool of workers fed by a bounded queue.
type Scheduler struct {
	cfg       Config
	store     *Store
	processor Processor
	sink      Sink
	logger    *zap.Logger
	now       func() time.Time

	queue chan string
	stop  chan struct{}
	busy  atomic.Int64
	wg    sync.WaitGroup

	mu       sync.RWMutex
	started  bool
	closed   bool
	baseCtx  context.Context
	abortRun context.CancelFunc
}

func NewScheduler(cfg Config, store *Store, processor Processor, sink Sink, logger *zap.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		processor: processor,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		queue:     make(chan string, cfg.QueueDepth),
		stop:      make(chan struct{}),
	}
}

// Start launches the worker pool. Jobs inherit ctx; cancelling it aborts
// running jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.baseCtx, s.abortRun = context.WithCancel(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("job scheduler started", zap.Int("workers", s.cfg.Workers), zap.Int("queue_depth", s.cfg.QueueDepth))
}

// Submit records a queued job and enqueues it. When the queue is full the job
// is not recorded and ErrOverloaded is returned.
func (s *Scheduler) Submit(spec Spec) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Job{}, ErrClosed
	}

	job := newJob(spec, s.now())
	if err := s.store.Add(job); err != nil {
		return Job{}, err
	}

	select {
	case s.queue <- job.ID:
		s.logger.Debug("job queued", zap.String("job_id", job.ID), zap.String("filename", job.Filename))
		return job.clone(), nil
	default:
		s.store.remove(job.ID)
		return Job{}, ErrOverloaded
	}
}

// Shutdown stops accepting jobs, fails everything still queued and waits for
// running jobs. When ctx ends first, running jobs are cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	abort := s.abortRun
	s.mu.Unlock()

	s.drainQueue()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		<-done
	}
	if abort != nil {
		abort()
	}
	return ctx.Err()
}

func (s *Scheduler) Stats() Stats {
	counts := s.store.Counts()
	return Stats{
		Workers:       s.cfg.Workers,
		Busy:          int(s.busy.Load()),
		Queued:        len(s.queue),
		QueueCapacity: cap(s.queue),
		Completed:     counts[StatusCompleted],
		Failed:        counts[StatusFailed],
	}
}

func (s *Scheduler) drainQueue() {
	for {
		select {
		case id := <-s.queue:
			job, err := s.store.Get(id)
			if err != nil {
				continue
			}
			s.finish(job, transcript.Result{}, ErrClosed)
		default:
			return
		}
	}
}

func (s *Scheduler) worker(n int) {
	defer s.wg.Done()
	logger := s.logger.With(zap.Int("worker", n))

	for {
		select {
		case <-s.stop:
			return
		case id := <-s.queue:
			s.run(id, logger)
		}
	}
}

type outcome struct {
	result transcript.Result
	err    error
}

func (s *Scheduler) run(id string, logger *zap.Logger) {
	job, err := s.store.MarkRunning(id, s.now())
	if err != nil {
		logger.Warn("skipping job", zap.String("job_id", id), zap.Error(err))
		return
	}

	s.busy.Add(1)
	defer s.busy.Add(-1)

	logger = logger.With(zap.String("job_id", id))
	logger.Info("job started", zap.String("filename", job.Filename))

	ctx, cancel := s.jobContext()
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- outcome{err: fmt.Errorf("internal error: %v", r)}
			}
		}()
		result, err := s.processor.Process(ctx, job)
		done <- outcome{result: result, err: err}
	}()

	// A timed out job is failed right away; the abandoned call observes the
	// cancelled context and its result is dropped.
	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
		out.err = fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)
	}

	s.finish(job, out.result, out.err)
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	s.mu.RLock()
	base := s.baseCtx
	s.mu.RUnlock()
	if base == nil {
		base = context.Background()
	}
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(base, s.cfg.Timeout)
	}
	return context.WithCancel(base)
}

// finish persists the terminal record before the status change becomes
// visible in the store.
func (s *Scheduler) finish(job Job, result transcript.Result, jobErr error) {
	logger := s.logger.With(zap.String("job_id", job.ID))
	finished := s.now()

	rec := results.Record{
		JobID:          job.ID,
		Filename:       job.Filename,
		ResponseFormat: string(job.Format),
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     &finished,
	}

	if jobErr == nil {
		rec.Status = string(StatusCompleted)
		rec.Result = &result
		if err := s.persist(rec); err != nil {
			jobErr = fmt.Errorf("persist result: %w", err)
		}
	}

	if jobErr != nil {
		rec.Status = string(StatusFailed)
		rec.Result = nil
		rec.Error = jobErr.Error()
		if err := s.persist(rec); err != nil {
			logger.Error("persist failed job record", zap.Error(err))
		}
		if _, err := s.store.Fail(job.ID, rec.Error, finished); err != nil {
			logger.Error("mark job failed", zap.Error(err))
		}
		logger.Warn("job failed", zap.Error(jobErr))
	} else {
		if _, err := s.store.Complete(job.ID, result, finished); err != nil {
			logger.Error("mark job completed", zap.Error(err))
		}
		logger.Info("job completed",
			zap.Float64("audio_seconds", result.Duration),
			zap.Int("segments", len(result.Segments)),
			zap.Duration("elapsed", finished.Sub(startedAt(job, finished))),
		)
	}

	s.cleanup(job, logger)
}

func (s *Scheduler) persist(rec results.Record) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Write(rec)
}

func (s *Scheduler) cleanup(job Job, logger *zap.Logger) {
	if s.cfg.RetainUploads || job.InputPath == "" {
		return
	}
	if err := os.Remove(job.InputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove upload", zap.String("path", job.InputPath), zap.Error(err))
	}
}

func startedAt(job Job, fallback time.Time) time.Time {
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	return fallback
}
