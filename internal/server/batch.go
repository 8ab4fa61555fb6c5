package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/results"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

const (
	// Room for multipart boundaries and the small form fields.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
)

type submitResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

type upload struct {
	file    *multipart.FileHeader
	format  string
	params  whisper.DecodeParams
	respond transcript.Format
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.maxUploadBytes + multipartOverhead
	if r.ContentLength > limit {
		s.tooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.tooLarge(w)
			return
		}
		writeErr(w, fmt.Errorf("%w: parse multipart form: %v", errValidation, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	up, err := s.parseUpload(r.MultipartForm)
	if err != nil {
		writeErr(w, err)
		return
	}
	if up.file.Size > s.maxUploadBytes {
		s.tooLarge(w)
		return
	}

	path, err := s.saveUpload(up)
	if err != nil {
		s.logger.Error("store upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, typeServer, "could not store upload")
		return
	}

	job, err := s.scheduler.Submit(jobs.Spec{
		InputPath: path,
		Filename:  filepath.Base(up.file.Filename),
		Params:    up.params,
		Format:    up.respond,
	})
	if err != nil {
		_ = os.Remove(path)
		writeErr(w, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Status: job.Status})
}

func (s *Server) tooLarge(w http.ResponseWriter) {
	writeError(w, http.StatusRequestEntityTooLarge, typeTooLarge,
		fmt.Sprintf("upload exceeds the %d MB limit", s.maxUploadBytes>>20))
}

// parseUpload validates the form. Decode fields go through
// whisper.ParseOptions, which rejects keys it does not know.
func (s *Server) parseUpload(form *multipart.Form) (upload, error) {
	var up upload

	for key := range form.File {
		if key != "file" {
			return up, fmt.Errorf("%w: unexpected file field %q", errValidation, key)
		}
	}
	files := form.File["file"]
	if len(files) != 1 {
		return up, fmt.Errorf("%w: exactly one \"file\" is required", errValidation)
	}
	up.file = files[0]
	if up.file.Size == 0 {
		return up, fmt.Errorf("%w: uploaded file is empty", errValidation)
	}

	up.format = audio.FormatFromFilename(up.file.Filename)
	if up.format == "" || up.format == "pcm" || !audio.SupportedFormat(up.format) {
		return up, fmt.Errorf("%w: %q (supported: %s)", audio.ErrUnsupportedFormat,
			filepath.Ext(up.file.Filename), strings.Join(audio.SupportedFormats, ", "))
	}

	options := make(map[string]string, len(form.Value))
	for key, values := range form.Value {
		if len(values) != 1 {
			return up, fmt.Errorf("%w: field %q given %d times", errValidation, key, len(values))
		}
		switch key {
		case "response_format":
			f, err := transcript.ParseFormat(values[0])
			if err != nil {
				return up, err
			}
			up.respond = f
		case "model":
			// Accepted for OpenAI client compatibility; the server runs one model.
		default:
			options[key] = values[0]
		}
	}
	if up.respond == "" {
		up.respond = transcript.FormatJSON
	}

	params, err := whisper.ParseOptions(options, s.defaults)
	if err != nil {
		return up, err
	}
	up.params = params
	return up, nil
}

func (s *Server) saveUpload(up upload) (string, error) {
	src, err := up.file.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(s.uploadDir, uuid.NewString()+"."+up.format)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]jobs.Job{"jobs": s.jobs.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	format := job.Format
	if override := r.URL.Query().Get("response_format"); override != "" {
		format, err = transcript.ParseFormat(override)
		if err != nil {
			writeErr(w, err)
			return
		}
	}

	switch {
	case !job.Status.Terminal():
		writeJSON(w, http.StatusAccepted, job)
		return
	case job.Status == jobs.StatusFailed:
		writeJSON(w, http.StatusUnprocessableEntity, job)
		return
	case job.Result == nil:
		writeError(w, http.StatusInternalServerError, typeServer, "completed job has no result")
		return
	}

	body, err := transcript.Render(*job.Result, format)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleListResults(w http.ResponseWriter, _ *http.Request) {
	summaries, err := s.results.List()
	if err != nil {
		s.logger.Error("list results", zap.Error(err))
		writeErr(w, err)
		return
	}
	if summaries == nil {
		summaries = []results.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string][]results.Summary{"results": summaries})
}

// lookup finds a job in memory, falling back to records persisted by an
// earlier process.
func (s *Server) lookup(id string) (jobs.Job, error) {
	job, err := s.jobs.Get(id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, jobs.ErrNotFound) {
		return jobs.Job{}, err
	}

	rec, err := s.results.Read(id)
	if errors.Is(err, results.ErrNotFound) {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return jobs.Job{}, err
	}
	return jobFromRecord(rec), nil
}

func jobFromRecord(rec results.Record) jobs.Job {
	format, err := transcript.ParseFormat(rec.ResponseFormat)
	if err != nil {
		format = transcript.FormatJSON
	}
	return jobs.Job{
		ID:         rec.JobID,
		Status:     jobs.Status(rec.Status),
		Filename:   rec.Filename,
		Format:     format,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		Error:      rec.Error,
		Result:     rec.Result,
	}
}
