// Package transcript holds the transcription result model shared by the batch
// and realtime surfaces.
package transcript

import (
	"errors"
	"fmt"
	"strings"
)

const (
	TaskTranscription = "transcription"
	TaskTranslation   = "translation"
)

var ErrInvalidResult = errors.New("invalid transcript result")

type Segment struct {
	ID               int      `json:"id"`
	Start            float64  `json:"start"`
	End              float64  `json:"end"`
	Text             string   `json:"text"`
	AvgLogprob       float64  `json:"avg_logprob"`
	CompressionRatio float64  `json:"compression_ratio"`
	NoSpeechProb     float64  `json:"no_speech_prob"`
	LowConfidence    bool     `json:"low_confidence,omitempty"`
	Flags            []string `json:"flags,omitempty"`
}

type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

type Result struct {
	Task     string    `json:"task"`
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
	Words    []Word    `json:"words,omitempty"`
}

// timeEpsilon absorbs float rounding from millisecond engine offsets.
const timeEpsilon = 1e-3

// Validate checks that segments are sorted, non-overlapping and inside
// [0, Duration].
func (r Result) Validate() error {
	if r.Duration < 0 {
		return fmt.Errorf("%w: negative duration %.3f", ErrInvalidResult, r.Duration)
	}

	prevEnd := 0.0
	for i, seg := range r.Segments {
		if seg.Start < 0 || seg.End < seg.Start {
			return fmt.Errorf("%w: segment %d has bounds [%.3f, %.3f]", ErrInvalidResult, i, seg.Start, seg.End)
		}
		if seg.Start+timeEpsilon < prevEnd {
			return fmt.Errorf("%w: segment %d starts at %.3f before previous end %.3f", ErrInvalidResult, i, seg.Start, prevEnd)
		}
		if seg.End > r.Duration+timeEpsilon {
			return fmt.Errorf("%w: segment %d ends at %.3f after duration %.3f", ErrInvalidResult, i, seg.End, r.Duration)
		}
		prevEnd = seg.End
	}

	prevStart := 0.0
	for i, w := range r.Words {
		if w.End < w.Start || w.Start+timeEpsilon < prevStart {
			return fmt.Errorf("%w: word %d out of order", ErrInvalidResult, i)
		}
		prevStart = w.Start
	}
	return nil
}

// Clamp repairs engine output so that Validate holds: timings are clipped to
// [0, Duration] and a segment never starts before its predecessor ends.
func (r *Result) Clamp() {
	prevEnd := 0.0
	for i := range r.Segments {
		seg := &r.Segments[i]
		seg.Start = clamp(seg.Start, prevEnd, r.Duration)
		seg.End = clamp(seg.End, seg.Start, r.Duration)
		seg.ID = i
		prevEnd = seg.End
	}

	prevStart := 0.0
	for i := range r.Words {
		w := &r.Words[i]
		w.Start = clamp(w.Start, prevStart, r.Duration)
		w.End = clamp(w.End, w.Start, r.Duration)
		prevStart = w.Start
	}
}

// Shift moves every timestamp by offset seconds. Streaming sessions use it to
// express segment times relative to the start of the stream.
func (r Result) Shift(offset float64) Result {
	out := r
	out.Segments = make([]Segment, len(r.Segments))
	for i, seg := range r.Segments {
		seg.Start += offset
		seg.End += offset
		seg.Flags = append([]string(nil), seg.Flags...)
		out.Segments[i] = seg
	}
	if r.Words != nil {
		out.Words = make([]Word, len(r.Words))
		for i, w := range r.Words {
			w.Start += offset
			w.End += offset
			out.Words[i] = w
		}
	}
	return out
}

// JoinText concatenates segment texts, optionally skipping flagged segments.
func JoinText(segments []Segment, skipFlagged bool) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if skipFlagged && seg.LowConfidence {
			continue
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
