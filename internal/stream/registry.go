package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/whisper"
)

// Registry owns the live sessions and caps how many may exist at once. All
// sessions share the registry's engine, normally the process-wide inference
// gate.
type Registry struct {
	cfg         Config
	maxSessions int
	engine      whisper.Engine
	normalizer  ChunkDecoder
	quality     *quality.Gate
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, maxSessions int, engine whisper.Engine, normalizer ChunkDecoder, gate *quality.Gate, logger *zap.Logger) *Registry {
	if maxSessions < 1 {
		maxSessions = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:         cfg.withDefaults(),
		maxSessions: maxSessions,
		engine:      engine,
		normalizer:  normalizer,
		quality:     gate,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

type OpenOptions struct {
	// Language fixes the session language; empty or "auto" detects it from
	// the first decoded segment.
	Language string
}

func (r *Registry) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	cfg := r.cfg
	if opts.Language != "" {
		params, err := whisper.ParseOptions(map[string]string{"language": opts.Language}, cfg.Params)
		if err != nil {
			return nil, err
		}
		cfg.Params = params
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, r.maxSessions)
	}

	s := newSession(ctx, uuid.NewString(), cfg, r.engine, r.normalizer, r.quality, r.logger)
	r.sessions[s.ID] = s
	r.logger.Info("stream session opened", zap.String("session_id", s.ID), zap.Int("active", len(r.sessions)))
	return s, nil
}

// Close removes the session and tears it down.
func (r *Registry) Close(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	active := len(r.sessions)
	r.mu.Unlock()

	s.Close()
	if ok {
		r.logger.Info("stream session closed", zap.String("session_id", s.ID), zap.Int("active", active))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int {
	return r.maxSessions
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
