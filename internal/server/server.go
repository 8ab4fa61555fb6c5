// Package server exposes the batch REST API and the realtime WebSocket API
// over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/inference"
	"github.com/fmueller/voxd/internal/jobs"
	"github.com/fmueller/voxd/internal/platform"
	"github.com/fmueller/voxd/internal/results"
	"github.com/fmueller/voxd/internal/stream"
	"github.com/fmueller/voxd/internal/version"
	"github.com/fmueller/voxd/internal/whisper"
)

// Submitter accepts batch jobs. *jobs.Scheduler implements it.
type Submitter interface {
	Submit(spec jobs.Spec) (jobs.Job, error)
	Stats() jobs.Stats
}

// ResultReader serves persisted job records. *results.FileSink implements it.
type ResultReader interface {
	Read(jobID string) (results.Record, error)
	List() ([]results.Summary, error)
}

type InferenceStats interface {
	Stats() inference.Stats
}

type Options struct {
	Jobs      *jobs.Store
	Scheduler Submitter
	Results   ResultReader
	Inference InferenceStats
	Sessions  *stream.Registry

	UploadDir      string
	MaxUploadBytes int64
	// Defaults is the decode configuration request fields are applied to.
	Defaults    whisper.DecodeParams
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type Server struct {
	jobs      *jobs.Store
	scheduler Submitter
	results   ResultReader
	inference InferenceStats
	sessions  *stream.Registry

	uploadDir      string
	maxUploadBytes int64
	defaults       whisper.DecodeParams
	idleTimeout    time.Duration

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Jobs == nil || opts.Scheduler == nil || opts.Results == nil || opts.Sessions == nil {
		return nil, errors.New("server: jobs, scheduler, results and sessions are required")
	}
	if err := platform.EnsureDir(opts.UploadDir); err != nil {
		return nil, err
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if len(opts.Defaults.Temperatures) == 0 {
		opts.Defaults = whisper.DefaultDecodeParams()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Server{
		jobs:           opts.Jobs,
		scheduler:      opts.Scheduler,
		results:        opts.Results,
		inference:      opts.Inference,
		sessions:       opts.Sessions,
		uploadDir:      opts.UploadDir,
		maxUploadBytes: opts.MaxUploadBytes,
		defaults:       opts.Defaults,
		idleTimeout:    opts.IdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Browser clients connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: opts.Logger,
	}, nil
}

// BatchHandler serves the REST API for file uploads and job results.
func (s *Server) BatchHandler() http.Handler {
	r := s.router(s.logger.Named("batch"))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/audio/transcriptions", s.handleUpload)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Get("/results", s.handleListResults)
	})
	return r
}

// RealtimeHandler serves the WebSocket streaming endpoint.
func (s *Server) RealtimeHandler() http.Handler {
	r := s.router(s.logger.Named("realtime"))
	r.Get("/v1/audio/transcriptions", s.handleStream)
	return r
}

func (s *Server) router(logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, typeNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, typeInvalidRequest, r.Method+" is not allowed on "+r.URL.Path)
	})
	r.Get("/health", s.handleHealth)
	return r
}

type healthResponse struct {
	Status    string           `json:"status"`
	Version   version.Info     `json:"version"`
	Jobs      jobs.Stats       `json:"jobs"`
	Inference *inference.Stats `json:"inference,omitempty"`
	Sessions  sessionStats     `json:"sessions"`
}

type sessionStats struct {
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Current(),
		Jobs:    s.scheduler.Stats(),
		Sessions: sessionStats{
			Active:   s.sessions.Len(),
			Capacity: s.sessions.Capacity(),
		},
	}
	if s.inference != nil {
		stats := s.inference.Stats()
		resp.Inference = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}
