package whisper

import (
	"context"
	"strings"
	"time"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/transcript"
)

// StubEngine is a deterministic engine for development and tests. It emits
// one segment per voiced region found by an energy detector, labelled by
// Label. With conditioning enabled, long silent regions repeat the previous
// text several times, mimicking the looping failure of a real decoder.
type StubEngine struct {
	ThresholdDBFS float64
	// Label names a voiced region. Nil labels every region "speech".
	Label func(index int, region []int16) string
	// Delay is slept before answering so that callers can exercise
	// concurrency limits.
	Delay time.Duration
}

const (
	stubMergeGap     = 300 * time.Millisecond
	stubLoopSilence  = time.Second
	stubLoopRepeats  = 6
	stubAvgLogprob   = -0.25
	stubLoopLogprob  = -0.8
	stubNoSpeechProb = 0.05
)

func (s *StubEngine) Transcribe(ctx context.Context, req Request) (transcript.Result, error) {
	if err := req.Params.Validate(); err != nil {
		return transcript.Result{}, err
	}
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return transcript.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	language := req.Params.Language
	if req.Params.AutoLanguage() {
		language = "en"
	}

	result := transcript.Result{
		Task:     req.Params.ResultTask(),
		Language: language,
		Duration: audio.Seconds(len(req.Samples)),
		Segments: []transcript.Segment{},
	}

	previous := ""
	for _, region := range s.regions(req.Samples) {
		seg := transcript.Segment{
			ID:    len(result.Segments),
			Start: audio.Seconds(region.from),
			End:   audio.Seconds(region.to),
		}

		switch {
		case region.voiced:
			seg.Text = s.label(len(result.Segments), req.Samples[region.from:region.to])
			seg.AvgLogprob = stubAvgLogprob
			seg.NoSpeechProb = stubNoSpeechProb
			previous = seg.Text
		case req.Params.ConditionOnPreviousText && previous != "" &&
			audio.SamplesDuration(region.to-region.from) >= stubLoopSilence:
			seg.Text = strings.TrimSpace(strings.Repeat(previous+" ", stubLoopRepeats))
			seg.AvgLogprob = stubLoopLogprob
			seg.NoSpeechProb = stubNoSpeechProb
		default:
			continue
		}
		result.Segments = append(result.Segments, seg)
	}

	result.Text = transcript.JoinText(result.Segments, false)
	return result, nil
}

func (s *StubEngine) label(index int, region []int16) string {
	if s.Label == nil {
		return "speech"
	}
	return s.Label(index, region)
}

type stubRegion struct {
	from, to int
	voiced   bool
}

// regions splits samples into alternating voiced and silent runs of 30 ms
// frames. Silent gaps shorter than stubMergeGap are folded into the
// surrounding speech.
func (s *StubEngine) regions(samples []int16) []stubRegion {
	threshold := s.ThresholdDBFS
	if threshold == 0 {
		threshold = audio.DefaultVADThreshold
	}
	frame := audio.DurationSamples(audio.DefaultFrameDuration)

	var runs []stubRegion
	for from := 0; from < len(samples); from += frame {
		to := min(from+frame, len(samples))
		silent, _ := audio.IsSilent(samples[from:to], threshold)
		voiced := !silent
		if n := len(runs); n > 0 && runs[n-1].voiced == voiced {
			runs[n-1].to = to
			continue
		}
		runs = append(runs, stubRegion{from: from, to: to, voiced: voiced})
	}

	gap := audio.DurationSamples(stubMergeGap)
	merged := make([]stubRegion, 0, len(runs))
	for i, run := range runs {
		short := !run.voiced && run.to-run.from < gap && i > 0 && i < len(runs)-1
		if short {
			run.voiced = true
		}
		if n := len(merged); n > 0 && merged[n-1].voiced == run.voiced {
			merged[n-1].to = run.to
			continue
		}
		merged = append(merged, run)
	}
	return merged
}
