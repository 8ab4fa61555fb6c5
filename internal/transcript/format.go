package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
)

var ErrUnknownFormat = errors.New("unknown response format")

func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText, FormatSRT, FormatVTT:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q (expected json, text, srt or vtt)", ErrUnknownFormat, value)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatText, FormatSRT:
		return "text/plain; charset=utf-8"
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	default:
		return "application/json"
	}
}

// Render formats r. Subtitle cue timings are taken verbatim from segment
// start and end, rounded to whole milliseconds.
func Render(r Result, f Format) ([]byte, error) {
	switch f {
	case FormatJSON, "":
		out, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode transcript: %w", err)
		}
		return out, nil
	case FormatText:
		return []byte(r.Text + "\n"), nil
	case FormatSRT:
		return []byte(renderCues(r.Segments, false)), nil
	case FormatVTT:
		return []byte(renderCues(r.Segments, true)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

func renderCues(segments []Segment, vtt bool) string {
	var b strings.Builder
	if vtt {
		b.WriteString("WEBVTT\n\n")
	}

	n := 0
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		n++
		if !vtt {
			fmt.Fprintf(&b, "%d\n", n)
		}
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", Timestamp(seg.Start, vtt), Timestamp(seg.End, vtt), text)
	}
	return b.String()
}

// Timestamp formats seconds as HH:MM:SS,mmm (SRT) or HH:MM:SS.mmm (WebVTT).
func Timestamp(seconds float64, vtt bool) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000

	sep := ","
	if vtt {
		sep = "."
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, sep, ms)
}
