// Package whisper defines the inference engine contract and its
// implementations: the whisper.cpp command line engine and a deterministic
// stub.
package whisper

import (
	"context"
	"errors"
	"strings"

	"github.com/fmueller/voxd/internal/transcript"
)

// ErrInference marks a failure raised by the engine itself.
var ErrInference = errors.New("inference failed")

// Request carries canonical PCM (16 kHz, mono, s16le) and decode parameters.
// Engines must not retain Samples after Transcribe returns.
type Request struct {
	Samples []int16
	Params  DecodeParams
}

type Engine interface {
	Transcribe(ctx context.Context, req Request) (transcript.Result, error)
}

const blankAudioToken = "[BLANK_AUDIO]"

// IsBlankText reports whether engine output carries no speech.
func IsBlankText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	return strings.EqualFold(trimmed, blankAudioToken)
}
