package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/config"
	"github.com/fmueller/voxd/internal/download"
	"github.com/fmueller/voxd/internal/logging"
	"github.com/fmueller/voxd/internal/version"
	"github.com/fmueller/voxd/internal/whisper"
)

type appState struct {
	configFile string
	verbose    bool
	jsonLogs   bool
	noProgress bool

	v      *viper.Viper
	logger *zap.Logger
	out    io.Writer

	// engineFn builds the inference engine; tests swap it out.
	engineFn func(ctx context.Context, cfg config.Config) (whisper.Engine, error)
}

func NewRootCmd() *cobra.Command {
	app := &appState{v: config.New()}
	app.engineFn = app.buildEngine

	cmd := &cobra.Command{
		Use:           "voxd",
		Short:         "Speech-to-text server with batch and realtime APIs backed by whisper.cpp",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs, Output: cmd.ErrOrStderr()})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			app.out = cmd.OutOrStdout()
			return config.ReadFile(app.v, app.configFile)
		},
	}
	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "Config file (yaml, toml or json)")
	flags.BoolVar(&app.verbose, "verbose", false, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", false, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", false, "Disable progress indicators")
	flags.String("model", whisper.DefaultModel, "Model name ("+joinNames(whisper.ModelNames())+") or model file path")
	flags.String("model-dir", "", "Directory where models are stored")
	flags.String("engine", config.EngineWhisperCLI, "Inference engine: whisper-cli|stub")
	flags.String("language", whisper.LanguageAuto, "Language code (auto|en|de|...)")
	_ = app.v.BindPFlag("model", flags.Lookup("model"))
	_ = app.v.BindPFlag("model_dir", flags.Lookup("model-dir"))
	_ = app.v.BindPFlag("engine", flags.Lookup("engine"))
	_ = app.v.BindPFlag("decode.language", flags.Lookup("language"))

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newStreamCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig resolves configuration for commands that need it. Flags set on
// the command line win over the config file and environment.
func (a *appState) loadConfig() (config.Config, error) {
	return config.Load(a.v)
}

// buildEngine returns the configured engine, fetching the model first when
// it is missing and auto_download allows it.
func (a *appState) buildEngine(ctx context.Context, cfg config.Config) (whisper.Engine, error) {
	if cfg.Engine == config.EngineStub {
		a.log().Warn("using the stub engine; transcripts are placeholders")
		return &whisper.StubEngine{ThresholdDBFS: cfg.Stream.VADThresholdDBFS}, nil
	}

	model, err := a.ensureModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return whisper.NewBundledEngine(whisper.EngineOptions{
		WhisperPath: cfg.WhisperPath,
		ModelPath:   model.Path,
		SilenceDBFS: cfg.Stream.VADThresholdDBFS,
		Logger:      a.log().Named("whisper"),
	})
}

func (a *appState) ensureModel(ctx context.Context, cfg config.Config) (whisper.ResolvedModel, error) {
	resolved, err := whisper.ResolveModel(cfg.Model, cfg.ModelDir)
	if err != nil {
		return whisper.ResolvedModel{}, err
	}
	if !resolved.NeedsDownload {
		return resolved, nil
	}
	if err := resolved.EnsureLocal(cfg.AutoDownload); err != nil {
		return whisper.ResolvedModel{}, err
	}

	a.log().Info("model not found, downloading",
		zap.String("model", resolved.Name),
		zap.String("destination", resolved.Path),
		zap.String("size", humanBytes(resolved.Size)))
	if _, err := download.Ensure(ctx, a.downloadOptions(resolved)); err != nil {
		return whisper.ResolvedModel{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}
	resolved.NeedsDownload = false
	return resolved, nil
}

func (a *appState) downloadOptions(model whisper.ResolvedModel) download.Options {
	return download.Options{
		URL:            model.URL,
		Destination:    model.Path,
		ExpectedSHA256: model.SHA256,
		Description:    "model " + model.Name,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}
}

func (a *appState) newNormalizer(cfg config.Config) *audio.Normalizer {
	return audio.NewNormalizer(cfg.FFmpegPath, a.log().Named("audio"))
}

func (a *appState) log() *zap.Logger {
	return logging.OrNop(a.logger)
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func joinNames(names []string) string {
	return strings.Join(names, "|")
}

func humanBytes(n int64) string {
	switch {
	case n <= 0:
		return "unknown"
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	default:
		return fmt.Sprintf("%.0f MiB", float64(n)/(1<<20))
	}
}
