// Package results persists terminal job records as one JSON file per job.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/transcript"
)

var ErrNotFound = errors.New("result not found")

// Record is the on-disk layout: the transcript fields flattened next to the
// job bookkeeping.
type Record struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	Filename       string     `json:"filename,omitempty"`
	ResponseFormat string     `json:"response_format,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`

	*transcript.Result
}

type Summary struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	Filename   string     `json:"filename,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Language   string     `json:"language,omitempty"`
	Duration   float64    `json:"duration"`
	Preview    string     `json:"preview,omitempty"`
	Error      string     `json:"error,omitempty"`
}

const previewLength = 100

// FileSink stores records under Dir as <job_id>.json. Writes go through a
// temporary file and a rename so readers never see a partial record.
type FileSink struct {
	Dir    string
	Logger *zap.Logger
}

func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("results directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{Dir: dir, Logger: logger}, nil
}

func (s *FileSink) Write(rec Record) error {
	if _, err := uuid.Parse(rec.JobID); err != nil {
		return fmt.Errorf("invalid job id %q: %w", rec.JobID, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result record: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".tmp-"+rec.JobID+"-*")
	if err != nil {
		return fmt.Errorf("create temp result file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close result file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(rec.JobID)); err != nil {
		return fmt.Errorf("move result file into place: %w", err)
	}
	committed = true

	s.Logger.Debug("result persisted", zap.String("job_id", rec.JobID), zap.String("status", rec.Status))
	return nil
}

func (s *FileSink) Read(jobID string) (Record, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return Record{}, fmt.Errorf("read result file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode result file %s: %w", jobID, err)
	}
	return rec, nil
}

// List returns summaries of all persisted records, newest first. Files that
// cannot be decoded are skipped with a warning.
func (s *FileSink) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read results directory: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		rec, err := s.Read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.Logger.Warn("skipping unreadable result file", zap.String("file", name), zap.Error(err))
			continue
		}
		summaries = append(summaries, summarize(rec))
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (s *FileSink) path(jobID string) string {
	return filepath.Join(s.Dir, jobID+".json")
}

func summarize(rec Record) Summary {
	sum := Summary{
		JobID:      rec.JobID,
		Status:     rec.Status,
		Filename:   rec.Filename,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
		Error:      rec.Error,
	}
	if rec.Result != nil {
		sum.Language = rec.Language
		sum.Duration = rec.Duration
		sum.Preview = preview(rec.Text)
	}
	return sum
}

func preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= previewLength {
		return string(runes)
	}
	return string(runes[:previewLength]) + "..."
}
