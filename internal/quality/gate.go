// Package quality flags transcript segments that look like decoder
// hallucinations: looping text, low confidence or speech invented on silence.
package quality

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"math"

	"github.com/fmueller/voxd/internal/transcript"
)

const (
	FlagRepetition = "repetition"
	FlagLowLogprob = "low_logprob"
	FlagNoSpeech   = "no_speech"
)

type Thresholds struct {
	CompressionRatio float64
	LogProb          float64
	NoSpeech         float64
	// ExcludeFlaggedText drops flagged segments from the top-level text. The
	// segments themselves are always kept.
	ExcludeFlaggedText bool
}

func DefaultThresholds() Thresholds {
	return Thresholds{CompressionRatio: 2.4, LogProb: -1.0, NoSpeech: 0.6}
}

func (t Thresholds) Validate() error {
	if t.CompressionRatio <= 0 {
		return fmt.Errorf("compression ratio threshold must be > 0, got %v", t.CompressionRatio)
	}
	if t.LogProb > 0 {
		return fmt.Errorf("logprob threshold must be <= 0, got %v", t.LogProb)
	}
	if t.NoSpeech < 0 || t.NoSpeech > 1 {
		return fmt.Errorf("no-speech threshold must be within [0, 1], got %v", t.NoSpeech)
	}
	return nil
}

type Report struct {
	Segments int
	Flagged  int
	ByFlag   map[string]int
}

type Gate struct {
	thresholds Thresholds
}

func NewGate(t Thresholds) *Gate {
	return &Gate{thresholds: t}
}

// Evaluate marks every segment that trips at least one gate as low
// confidence and records the reasons. The input is not modified.
func (g *Gate) Evaluate(r transcript.Result) (transcript.Result, Report) {
	out := r
	out.Segments = make([]transcript.Segment, len(r.Segments))
	report := Report{Segments: len(r.Segments), ByFlag: map[string]int{}}

	for i, seg := range r.Segments {
		if seg.CompressionRatio == 0 && seg.Text != "" {
			seg.CompressionRatio = CompressionRatio(seg.Text)
		}

		flags := g.flags(seg)
		seg.Flags = flags
		seg.LowConfidence = len(flags) > 0
		if seg.LowConfidence {
			report.Flagged++
			for _, f := range flags {
				report.ByFlag[f]++
			}
		}
		out.Segments[i] = seg
	}

	if g.thresholds.ExcludeFlaggedText || r.Text == "" {
		out.Text = transcript.JoinText(out.Segments, g.thresholds.ExcludeFlaggedText)
	}
	return out, report
}

func (g *Gate) flags(seg transcript.Segment) []string {
	var flags []string
	if seg.CompressionRatio > g.thresholds.CompressionRatio {
		flags = append(flags, FlagRepetition)
	}
	if seg.AvgLogprob < g.thresholds.LogProb {
		flags = append(flags, FlagLowLogprob)
	}
	if seg.NoSpeechProb > g.thresholds.NoSpeech {
		flags = append(flags, FlagNoSpeech)
	}
	return flags
}

// CompressionRatio is len(text) divided by the length of its zlib
// compression, the measure whisper uses to detect looping output.
func CompressionRatio(text string) float64 {
	if text == "" {
		return 0
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write([]byte(text))
	_ = w.Close()

	if buf.Len() == 0 {
		return math.Inf(1)
	}
	return float64(len(text)) / float64(buf.Len())
}
