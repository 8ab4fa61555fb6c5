// Package jobs tracks batch transcription jobs and runs them on a bounded
// worker pool.
package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

var (
	// ErrOverloaded is returned by Submit when the queue is full. The caller
	// may retry later.
	ErrOverloaded = errors.New("job queue is full")
	ErrNotFound   = errors.New("job not found")
	ErrTimeout    = errors.New("job timed out")
	ErrClosed     = errors.New("scheduler is shut down")

	ErrInvalidTransition = errors.New("invalid job transition")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Spec describes a job at submission time.
type Spec struct {
	InputPath string
	Filename  string
	Params    whisper.DecodeParams
	Format    transcript.Format
}

// Job is a snapshot of a job record. Snapshots returned by the store are
// copies and may be read freely.
type Job struct {
	ID         string            `json:"id"`
	Status     Status            `json:"status"`
	Filename   string            `json:"filename,omitempty"`
	Format     transcript.Format `json:"response_format"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`

	InputPath string               `json:"-"`
	Params    whisper.DecodeParams `json:"-"`
	Result    *transcript.Result   `json:"-"`
}

func newJob(spec Spec, now time.Time) Job {
	format := spec.Format
	if format == "" {
		format = transcript.FormatJSON
	}
	return Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Filename:  spec.Filename,
		Format:    format,
		CreatedAt: now,
		InputPath: spec.InputPath,
		Params:    spec.Params,
	}
}

func (j Job) clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// isValidTransition enforces queued -> running -> {completed, failed}.
// queued -> failed covers jobs drained at shutdown.
func isValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
