package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/config"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

type transcribeOptions struct {
	format    string
	output    string
	translate bool
}

func newTranscribeCmd(app *appState) *cobra.Command {
	var opts transcribeOptions

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file locally without a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.transcribeFile(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", string(transcript.FormatText), "Output format: json|text|srt|vtt")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the transcript to a file instead of stdout")
	cmd.Flags().BoolVar(&opts.translate, "translate", false, "Translate speech into English")
	return cmd
}

func (a *appState) transcribeFile(ctx context.Context, audioPath string, opts transcribeOptions) error {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("audio file not found: %w", err)
	}

	format, err := transcript.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	params := cfg.Decode
	if opts.translate {
		params.Task = whisper.TaskTranslate
	}
	if err := params.Validate(); err != nil {
		return err
	}

	result, err := a.runLocal(ctx, cfg, audioPath, params)
	if err != nil {
		return err
	}

	rendered, err := transcript.Render(result, format)
	if err != nil {
		return err
	}
	if result.Text == "" {
		a.log().Warn("no speech detected; check the input level or lower stream.vad_threshold_dbfs")
	}

	if opts.output == "" {
		_, err = a.outWriter().Write(rendered)
		return err
	}
	if err := os.WriteFile(opts.output, rendered, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	a.log().Info("transcript written", zap.String("path", opts.output))
	return nil
}

// runLocal pushes one file through the same pipeline the batch workers use.
func (a *appState) runLocal(ctx context.Context, cfg config.Config, audioPath string, params whisper.DecodeParams) (transcript.Result, error) {
	engine, err := a.engineFn(ctx, cfg)
	if err != nil {
		return transcript.Result{}, err
	}

	pipeline := &jobs.Pipeline{
		Normalizer: a.newNormalizer(cfg),
		Engine:     engine,
		Quality:    quality.NewGate(cfg.Quality),
		Logger:     a.log().Named("quality"),
	}

	a.log().Info("transcribing",
		zap.String("audio", audioPath),
		zap.String("engine", cfg.Engine),
		zap.String("model", cfg.Model),
		zap.String("language", params.Language))
	stopSpinner := startSpinner(a.progressEnabled(), "Transcribing")
	started := time.Now()

	result, err := pipeline.Process(ctx, jobs.Job{
		ID:        "local",
		Filename:  filepath.Base(audioPath),
		InputPath: audioPath,
		Params:    params,
	})
	stopSpinner()
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return transcript.Result{}, err
	}
	a.log().Info("transcription finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Float64("audio_seconds", result.Duration),
		zap.Int("segments", len(result.Segments)))
	return result, nil
}
