// Package stream implements realtime transcription sessions: chunk
// ingestion, voice-activity segmentation, concurrent decoding and ordered
// emission of transcript frames.
package stream

import (
	"errors"
	"time"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

// Inbound message types.
const (
	TypeAudio = "audio"
	TypeStop  = "stop"
)

// Outbound message types.
const (
	TypeReady      = "ready"
	TypeTranscript = "transcript"
	TypeError      = "error"
	TypeClosed     = "closed"
)

// Error codes carried by error frames.
const (
	CodeDecodeError     = "decode_error"
	CodeInferenceError  = "inference_error"
	CodeOverloaded      = "overloaded"
	CodeTimeout         = "timeout"
	CodeValidationError = "validation_error"
)

var ErrTooManySessions = errors.New("too many streaming sessions")

// ClientMessage is the JSON envelope sent by clients in text frames.
type ClientMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Format   string `json:"format,omitempty"`
	Language string `json:"language,omitempty"`
}

// Message is every frame the server sends. Transcript frames carry one
// decoded segment batch with stream-relative times in Segments, the segment
// text in SegmentText and the cumulative session transcript in Text.
type Message struct {
	Type        string               `json:"type"`
	SessionID   string               `json:"session_id,omitempty"`
	Sequence    uint64               `json:"sequence,omitempty"`
	Task        string               `json:"task,omitempty"`
	Text        string               `json:"text"`
	SegmentText string               `json:"segment_text,omitempty"`
	Language    string               `json:"language,omitempty"`
	Offset      float64              `json:"offset,omitempty"`
	Duration    float64              `json:"duration,omitempty"`
	Segments    []transcript.Segment `json:"segments,omitempty"`
	Words       []transcript.Word    `json:"words,omitempty"`
	Forced      bool                 `json:"forced,omitempty"`
	Code        string               `json:"code,omitempty"`
	Error       string               `json:"error,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

func errorMessage(seq uint64, code string, err error) Message {
	return Message{Type: TypeError, Sequence: seq, Code: code, Error: err.Error()}
}

// Chunk is one unit of inbound audio as received from the network.
type Chunk struct {
	Data      []byte
	Format    string
	ArrivedAt time.Time
}

type Config struct {
	MaxBuffer       time.Duration
	SilenceDuration time.Duration
	MaxInflight     int
	VAD             audio.VADConfig
	Params          whisper.DecodeParams
}

func (c Config) withDefaults() Config {
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 15 * time.Second
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = 700 * time.Millisecond
	}
	if c.MaxInflight < 1 {
		c.MaxInflight = 4
	}
	if len(c.Params.Temperatures) == 0 {
		c.Params = whisper.DefaultDecodeParams()
	}
	return c
}

type State int32

const (
	StateOpen State = iota
	StateBuffering
	StateSegmentReady
	StateDecoding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBuffering:
		return "buffering"
	case StateSegmentReady:
		return "segment_ready"
	case StateDecoding:
		return "decoding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
