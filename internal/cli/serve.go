package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fmueller/voxd/internal/config"
	"github.com/fmueller/voxd/internal/inference"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/results"
	"github.com/fmueller/voxd/internal/server"
	"github.com/fmueller/voxd/internal/stream"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch and realtime transcription servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "Interface to listen on")
	flags.Int("batch-port", 8123, "Port of the batch REST API")
	flags.Int("realtime-port", 8000, "Port of the realtime WebSocket API")
	_ = app.v.BindPFlag("host", flags.Lookup("host"))
	_ = app.v.BindPFlag("batch.port", flags.Lookup("batch-port"))
	_ = app.v.BindPFlag("realtime.port", flags.Lookup("realtime-port"))

	return cmd
}

// serve runs both listeners until ctx is cancelled, then drains: streaming
// sessions are closed, listeners stop accepting, and the job scheduler gets
// up to shutdownTimeout to finish running work.
func (a *appState) serve(ctx context.Context, cfg config.Config) error {
	logger := a.log()

	engine, err := a.engineFn(ctx, cfg)
	if err != nil {
		return err
	}
	gate := inference.NewGate(engine, cfg.Inference.Slots, logger.Named("inference"))
	normalizer := a.newNormalizer(cfg)
	qualityGate := quality.NewGate(cfg.Quality)

	sink, err := results.NewFileSink(cfg.Storage.ResultsDir, logger.Named("results"))
	if err != nil {
		return err
	}

	store := jobs.NewStore()
	pipeline := &jobs.Pipeline{Normalizer: normalizer, Engine: gate, Quality: qualityGate, Logger: logger.Named("quality")}
	scheduler := jobs.NewScheduler(cfg.SchedulerConfig(), store, pipeline, sink, logger.Named("jobs"))

	// Jobs outlive the signal context so that shutdown can drain them.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	scheduler.Start(jobCtx)

	sessions := stream.NewRegistry(cfg.StreamConfig(), cfg.Stream.MaxSessions, gate, normalizer, qualityGate, logger.Named("stream"))

	srv, err := server.New(server.Options{
		Jobs:           store,
		Scheduler:      scheduler,
		Results:        sink,
		Inference:      gate,
		Sessions:       sessions,
		UploadDir:      cfg.Storage.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Defaults:       cfg.Decode,
		IdleTimeout:    cfg.Stream.IdleTimeout,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return err
	}

	batchLn, err := net.Listen("tcp", cfg.BatchAddr())
	if err != nil {
		return fmt.Errorf("listen batch api: %w", err)
	}
	realtimeLn, err := net.Listen("tcp", cfg.RealtimeAddr())
	if err != nil {
		_ = batchLn.Close()
		return fmt.Errorf("listen realtime api: %w", err)
	}

	batch := &http.Server{Handler: srv.BatchHandler(), ReadHeaderTimeout: readHeaderTimeout}
	realtime := &http.Server{Handler: srv.RealtimeHandler(), ReadHeaderTimeout: readHeaderTimeout}

	logger.Info("voxd listening",
		zap.String("batch", batchLn.Addr().String()),
		zap.String("realtime", realtimeLn.Addr().String()),
		zap.String("engine", cfg.Engine),
		zap.String("model", cfg.Model),
		zap.Int("workers", cfg.Jobs.MaxConcurrent),
		zap.Int("inference_slots", cfg.Inference.Slots))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(batch, batchLn) })
	g.Go(func() error { return listen(realtime, realtimeLn) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		sessions.CloseAll()
		err := errors.Join(
			batch.Shutdown(shutdownCtx),
			realtime.Shutdown(shutdownCtx),
			scheduler.Shutdown(shutdownCtx),
		)
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

func listen(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
