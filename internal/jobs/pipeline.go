package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

type Normalizer interface {
	NormalizeFile(ctx context.Context, path string) ([]int16, error)
}

// Pipeline is the Processor used in production: normalize, transcribe
// through the shared engine, then run the quality gate.
type Pipeline struct {
	Normalizer Normalizer
	Engine     whisper.Engine
	Quality    *quality.Gate
	Logger     *zap.Logger
}

func (p *Pipeline) Process(ctx context.Context, job Job) (transcript.Result, error) {
	samples, err := p.Normalizer.NormalizeFile(ctx, job.InputPath)
	if err != nil {
		return transcript.Result{}, err
	}

	result, err := p.Engine.Transcribe(ctx, whisper.Request{Samples: samples, Params: job.Params})
	if err != nil {
		return transcript.Result{}, fmt.Errorf("transcribe: %w", err)
	}
	result.Clamp()

	if p.Quality == nil {
		return result, nil
	}
	gated, report := p.Quality.Evaluate(result)
	if report.Flagged > 0 && p.Logger != nil {
		p.Logger.Info("low confidence segments",
			zap.String("job_id", job.ID),
			zap.Int("flagged", report.Flagged),
			zap.Int("segments", report.Segments),
			zap.Any("by_flag", report.ByFlag),
		)
	}
	return gated, nil
}
