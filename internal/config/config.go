// Package config loads server settings from defaults, an optional config
// file, VOXD_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/platform"
	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/stream"
	"github.com/fmueller/voxd/internal/whisper"
)

const EnvPrefix = "VOXD"

const (
	EngineWhisperCLI = "whisper-cli"
	EngineStub       = "stub"
)

type Config struct {
	Host         string
	BatchPort    int
	RealtimePort int

	Model        string
	ModelDir     string
	Engine       string
	WhisperPath  string
	FFmpegPath   string
	AutoDownload bool

	Storage   Storage
	Jobs      Jobs
	Inference Inference
	Stream    Stream
	Quality   quality.Thresholds
	Decode    whisper.DecodeParams
}

type Storage struct {
	UploadDir     string
	ResultsDir    string
	MaxUploadMB   int
	RetainUploads bool
}

type Jobs struct {
	MaxConcurrent int
	MaxQueueDepth int
	Timeout       time.Duration
}

type Inference struct {
	Slots int
}

type Stream struct {
	MaxBuffer        time.Duration
	SilenceDuration  time.Duration
	IdleTimeout      time.Duration
	MaxSessions      int
	MaxInflight      int
	VADThresholdDBFS float64
}

// New returns a viper instance with every default registered and the
// environment bound.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	decode := whisper.DefaultDecodeParams()
	thresholds := quality.DefaultThresholds()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("batch.port", 8123)
	v.SetDefault("realtime.port", 8000)

	v.SetDefault("model", whisper.DefaultModel)
	v.SetDefault("model_dir", "")
	v.SetDefault("engine", EngineWhisperCLI)
	v.SetDefault("whisper_path", "")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("auto_download", true)

	v.SetDefault("storage.upload_dir", "")
	v.SetDefault("storage.results_dir", "")
	v.SetDefault("storage.max_upload_mb", 100)
	v.SetDefault("storage.retain_uploads", false)

	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.max_queue_depth", 32)
	v.SetDefault("jobs.timeout", 30*time.Minute)

	v.SetDefault("inference.slots", 1)

	v.SetDefault("stream.max_buffer", 15*time.Second)
	v.SetDefault("stream.silence_duration", 700*time.Millisecond)
	v.SetDefault("stream.idle_timeout", 60*time.Second)
	v.SetDefault("stream.max_sessions", 16)
	v.SetDefault("stream.max_inflight", 4)
	v.SetDefault("stream.vad_threshold_dbfs", audio.DefaultVADThreshold)

	v.SetDefault("quality.compression_ratio_threshold", thresholds.CompressionRatio)
	v.SetDefault("quality.logprob_threshold", thresholds.LogProb)
	v.SetDefault("quality.no_speech_threshold", thresholds.NoSpeech)
	v.SetDefault("quality.exclude_flagged_text", false)

	v.SetDefault("decode.language", decode.Language)
	v.SetDefault("decode.task", decode.Task)
	v.SetDefault("decode.temperature", decode.Temperatures)
	v.SetDefault("decode.beam_size", decode.BeamSize)
	v.SetDefault("decode.best_of", decode.BestOf)
	v.SetDefault("decode.condition_on_previous_text", decode.ConditionOnPreviousText)
	v.SetDefault("decode.word_timestamps", decode.WordTimestamps)
	v.SetDefault("decode.prompt", "")
}

// ReadFile merges an explicit config file into v. The format follows the
// file extension.
func ReadFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load builds a validated Config from v. Unset directories fall back to the
// per-user data directory.
func Load(v *viper.Viper) (Config, error) {
	temps, err := temperatures(v.Get("decode.temperature"))
	if err != nil {
		return Config{}, fmt.Errorf("config: decode.temperature: %w", err)
	}

	cfg := Config{
		Host:         v.GetString("host"),
		BatchPort:    v.GetInt("batch.port"),
		RealtimePort: v.GetInt("realtime.port"),
		Model:        v.GetString("model"),
		ModelDir:     v.GetString("model_dir"),
		Engine:       strings.ToLower(strings.TrimSpace(v.GetString("engine"))),
		WhisperPath:  v.GetString("whisper_path"),
		FFmpegPath:   v.GetString("ffmpeg_path"),
		AutoDownload: v.GetBool("auto_download"),
		Storage: Storage{
			UploadDir:     v.GetString("storage.upload_dir"),
			ResultsDir:    v.GetString("storage.results_dir"),
			MaxUploadMB:   v.GetInt("storage.max_upload_mb"),
			RetainUploads: v.GetBool("storage.retain_uploads"),
		},
		Jobs: Jobs{
			MaxConcurrent: v.GetInt("jobs.max_concurrent"),
			MaxQueueDepth: v.GetInt("jobs.max_queue_depth"),
			Timeout:       v.GetDuration("jobs.timeout"),
		},
		Inference: Inference{Slots: v.GetInt("inference.slots")},
		Stream: Stream{
			MaxBuffer:        v.GetDuration("stream.max_buffer"),
			SilenceDuration:  v.GetDuration("stream.silence_duration"),
			IdleTimeout:      v.GetDuration("stream.idle_timeout"),
			MaxSessions:      v.GetInt("stream.max_sessions"),
			MaxInflight:      v.GetInt("stream.max_inflight"),
			VADThresholdDBFS: v.GetFloat64("stream.vad_threshold_dbfs"),
		},
		Quality: quality.Thresholds{
			CompressionRatio:   v.GetFloat64("quality.compression_ratio_threshold"),
			LogProb:            v.GetFloat64("quality.logprob_threshold"),
			NoSpeech:           v.GetFloat64("quality.no_speech_threshold"),
			ExcludeFlaggedText: v.GetBool("quality.exclude_flagged_text"),
		},
		Decode: whisper.DecodeParams{
			Language:                strings.ToLower(strings.TrimSpace(v.GetString("decode.language"))),
			Task:                    strings.ToLower(strings.TrimSpace(v.GetString("decode.task"))),
			Temperatures:            temps,
			BeamSize:                v.GetInt("decode.beam_size"),
			BestOf:                  v.GetInt("decode.best_of"),
			ConditionOnPreviousText: v.GetBool("decode.condition_on_previous_text"),
			WordTimestamps:          v.GetBool("decode.word_timestamps"),
			Prompt:                  v.GetString("decode.prompt"),
		},
	}

	if err := cfg.fillDirs(platform.DefaultDirs); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillDirs(defaults func() (platform.Dirs, error)) error {
	if c.ModelDir != "" && c.Storage.UploadDir != "" && c.Storage.ResultsDir != "" {
		return nil
	}
	dirs, err := defaults()
	if err != nil {
		return fmt.Errorf("config: resolve data directories: %w", err)
	}
	if c.ModelDir == "" {
		c.ModelDir = dirs.Models
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = dirs.Uploads
	}
	if c.Storage.ResultsDir == "" {
		c.Storage.ResultsDir = dirs.Results
	}
	return nil
}

// Validate rejects out-of-range values. All failures are reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(validPort(c.BatchPort), "batch.port must be within 1..65535, got %d", c.BatchPort)
	check(validPort(c.RealtimePort), "realtime.port must be within 1..65535, got %d", c.RealtimePort)
	check(c.BatchPort != c.RealtimePort, "batch.port and realtime.port must differ, both are %d", c.BatchPort)
	check(c.Engine == EngineWhisperCLI || c.Engine == EngineStub, "engine must be %q or %q, got %q", EngineWhisperCLI, EngineStub, c.Engine)
	check(strings.TrimSpace(c.Model) != "", "model is required")
	check(c.Storage.MaxUploadMB > 0, "storage.max_upload_mb must be > 0, got %d", c.Storage.MaxUploadMB)
	check(c.Jobs.MaxConcurrent > 0, "jobs.max_concurrent must be > 0, got %d", c.Jobs.MaxConcurrent)
	check(c.Jobs.MaxQueueDepth >= 0, "jobs.max_queue_depth must be >= 0, got %d", c.Jobs.MaxQueueDepth)
	check(c.Jobs.Timeout >= 0, "jobs.timeout must be >= 0, got %s", c.Jobs.Timeout)
	check(c.Inference.Slots > 0, "inference.slots must be > 0, got %d", c.Inference.Slots)
	check(c.Stream.MaxBuffer >= time.Second, "stream.max_buffer must be at least 1s, got %s", c.Stream.MaxBuffer)
	check(c.Stream.SilenceDuration > 0 && c.Stream.SilenceDuration < c.Stream.MaxBuffer,
		"stream.silence_duration must be > 0 and below stream.max_buffer, got %s", c.Stream.SilenceDuration)
	check(c.Stream.IdleTimeout > 0, "stream.idle_timeout must be > 0, got %s", c.Stream.IdleTimeout)
	check(c.Stream.MaxSessions > 0, "stream.max_sessions must be > 0, got %d", c.Stream.MaxSessions)
	check(c.Stream.MaxInflight > 0, "stream.max_inflight must be > 0, got %d", c.Stream.MaxInflight)
	check(c.Stream.VADThresholdDBFS < 0, "stream.vad_threshold_dbfs must be < 0, got %v", c.Stream.VADThresholdDBFS)

	if err := c.Quality.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: quality: %w", err))
	}
	if err := c.Decode.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: decode: %w", err))
	}

	return errors.Join(errs...)
}

func (c Config) BatchAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.BatchPort)
}

func (c Config) RealtimeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.RealtimePort)
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.Storage.MaxUploadMB) << 20
}

func (c Config) SchedulerConfig() jobs.Config {
	return jobs.Config{
		Workers:       c.Jobs.MaxConcurrent,
		QueueDepth:    c.Jobs.MaxQueueDepth,
		Timeout:       c.Jobs.Timeout,
		RetainUploads: c.Storage.RetainUploads,
	}
}

func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		MaxBuffer:       c.Stream.MaxBuffer,
		SilenceDuration: c.Stream.SilenceDuration,
		MaxInflight:     c.Stream.MaxInflight,
		VAD:             audio.VADConfig{ThresholdDBFS: c.Stream.VADThresholdDBFS},
		Params:          c.Decode,
	}
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// temperatures accepts a list from a config file or a comma separated string
// from the environment.
func temperatures(raw any) ([]float64, error) {
	switch value := raw.(type) {
	case nil:
		return whisper.DefaultDecodeParams().Temperatures, nil
	case []float64:
		return append([]float64(nil), value...), nil
	case float64:
		return []float64{value}, nil
	case int:
		return []float64{float64(value)}, nil
	case string:
		return whisper.ParseTemperatures(value)
	case []any:
		out := make([]float64, 0, len(value))
		for _, item := range value {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			case string:
				parsed, err := whisper.ParseTemperatures(n)
				if err != nil {
					return nil, err
				}
				out = append(out, parsed...)
			default:
				return nil, fmt.Errorf("unsupported value %v", item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %v", raw)
	}
}
