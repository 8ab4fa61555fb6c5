package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/stream"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

// Error types carried in the "type" field of error bodies.
const (
	typeInvalidRequest = "invalid_request_error"
	typeTooLarge       = "request_too_large"
	typeNotFound       = "not_found"
	typeOverloaded     = "overloaded"
	typeServer         = "server_error"
)

const retryAfterSeconds = 5

// errValidation marks request problems detected by the handlers themselves.
var errValidation = errors.New("invalid request")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// classify maps domain errors onto HTTP status codes.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, typeTooLarge
	case errors.Is(err, errValidation),
		errors.Is(err, whisper.ErrUnknownOption),
		errors.Is(err, whisper.ErrInvalidOption),
		errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, transcript.ErrUnknownFormat):
		return http.StatusBadRequest, typeInvalidRequest
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, typeNotFound
	case errors.Is(err, jobs.ErrOverloaded),
		errors.Is(err, jobs.ErrClosed),
		errors.Is(err, stream.ErrTooManySessions):
		return http.StatusServiceUnavailable, typeOverloaded
	default:
		return http.StatusInternalServerError, typeServer
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, errType := classify(err)
	writeError(w, status, errType, err.Error())
}
