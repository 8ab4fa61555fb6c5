package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/quality"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

// ChunkDecoder converts inbound payloads to canonical PCM.
type ChunkDecoder interface {
	NormalizeBytes(ctx context.Context, data []byte, format string) ([]int16, error)
	DecodeChunk(ctx context.Context, encoded string, format string) ([]int16, error)
}

type outcome struct {
	// seq is the capture sequence; zero marks a frame that is not tied to a
	// segment and is emitted immediately.
	seq uint64
	msg Message
}

// Session is one realtime connection. Handle*, Stop and Abort must be called
// from a single goroutine (the connection's read loop). Decoding runs on
// short-lived goroutines and all outbound frames are produced by one emitter
// goroutine, read through Out.
type Session struct {
	ID string

	cfg        Config
	engine     whisper.Engine
	normalizer ChunkDecoder
	quality    *quality.Gate
	logger     *zap.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	decodeCtx    context.Context
	decodeCancel context.CancelFunc

	outcomes chan outcome
	out      chan Message
	inflight sync.WaitGroup
	active   atomic.Int64
	state    atomic.Int32
	lastSeen atomic.Int64

	// Read loop state.
	vad        *audio.VAD
	buf        []int16
	carry      []int16
	maxSamples int
	bufStart   int
	captureSeq uint64
	dispatched bool
	finishing  bool

	mu       sync.Mutex
	language string
}

func newSession(parent context.Context, id string, cfg Config, engine whisper.Engine, normalizer ChunkDecoder, gate *quality.Gate, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	decodeCtx, decodeCancel := context.WithCancel(ctx)

	vad := audio.NewVAD(cfg.VAD)
	maxSamples := audio.DurationSamples(cfg.MaxBuffer)
	if maxSamples < vad.FrameSamples() {
		maxSamples = vad.FrameSamples()
	}

	s := &Session{
		ID:           id,
		cfg:          cfg,
		engine:       engine,
		normalizer:   normalizer,
		quality:      gate,
		logger:       logger.With(zap.String("session_id", id)),
		ctx:          ctx,
		cancel:       cancel,
		decodeCtx:    decodeCtx,
		decodeCancel: decodeCancel,
		outcomes:     make(chan outcome, cfg.MaxInflight+16),
		out:          make(chan Message, 32),
		vad:          vad,
		maxSamples:   maxSamples,
	}
	if !cfg.Params.AutoLanguage() {
		s.language = cfg.Params.Language
	}
	s.lastSeen.Store(time.Now().UnixNano())
	go s.emitLoop()
	return s
}

// Out delivers outbound frames in order. It is closed after the closed frame
// or when the session is torn down.
func (s *Session) Out() <-chan Message {
	return s.out
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity is the arrival time of the most recent audio.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Language returns the fixed or detected session language, empty while
// still undetermined.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// HandleMessage processes one JSON envelope. It returns true when the client
// asked to stop.
func (s *Session) HandleMessage(msg ClientMessage, arrivedAt time.Time) bool {
	if s.finishing {
		return msg.Type == TypeStop
	}
	switch msg.Type {
	case TypeStop:
		s.Stop()
		return true
	case TypeAudio:
		if msg.Language != "" {
			if err := s.setLanguage(msg.Language); err != nil {
				s.deliver(outcome{msg: errorMessage(0, CodeValidationError, err)})
			}
		}
		s.touch(arrivedAt)
		samples, err := s.normalizer.DecodeChunk(s.ctx, msg.Data, msg.Format)
		if err != nil {
			s.chunkError(err)
			return false
		}
		s.ingest(samples)
	default:
		s.deliver(outcome{msg: errorMessage(0, CodeValidationError, fmt.Errorf("unknown message type %q", msg.Type))})
	}
	return false
}

// HandleChunk ingests raw audio, typically from a binary frame.
func (s *Session) HandleChunk(chunk Chunk) {
	if s.finishing {
		return
	}
	s.touch(chunk.ArrivedAt)
	samples, err := s.normalizer.NormalizeBytes(s.ctx, chunk.Data, chunk.Format)
	if err != nil {
		s.chunkError(err)
		return
	}
	s.ingest(samples)
}

// Reject reports a malformed client frame without ending the session.
func (s *Session) Reject(err error) {
	if s.finishing {
		return
	}
	s.deliver(outcome{msg: errorMessage(0, CodeValidationError, err)})
}

// Stop flushes buffered speech, lets in-flight decodes finish and ends the
// session with a closed frame.
func (s *Session) Stop() {
	if s.finishing {
		return
	}
	s.finishing = true

	if len(s.carry) > 0 {
		if len(s.buf)+len(s.carry) > s.maxSamples {
			s.capReached()
		}
		s.buf = append(s.buf, s.carry...)
		s.carry = nil
	}
	if s.vad.Voiced() && len(s.buf) > 0 {
		s.boundary(false)
	} else {
		s.discard()
	}
	s.finish("stop")
}

// Abort ends the session with an error frame. Buffered audio is discarded and
// in-flight decodes are abandoned.
func (s *Session) Abort(code string, err error) {
	if s.finishing {
		return
	}
	s.finishing = true

	s.deliver(outcome{msg: errorMessage(0, code, err)})
	s.decodeCancel()
	s.discard()
	s.finish(code)
}

// Close tears the session down immediately, as on client disconnect.
func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
	s.cancel()
}

func (s *Session) finish(reason string) {
	go func() {
		s.inflight.Wait()
		s.deliver(outcome{msg: Message{Type: TypeClosed, SessionID: s.ID, Reason: reason}})
		close(s.outcomes)
	}()
}

func (s *Session) touch(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	s.lastSeen.Store(at.UnixNano())
}

func (s *Session) chunkError(err error) {
	code := CodeDecodeError
	if errors.Is(err, audio.ErrUnsupportedFormat) {
		code = CodeValidationError
	}
	s.logger.Debug("chunk rejected", zap.String("code", code), zap.Error(err))
	s.deliver(outcome{msg: errorMessage(0, code, err)})
}

func (s *Session) setLanguage(lang string) error {
	params, err := whisper.ParseOptions(map[string]string{"language": lang}, s.cfg.Params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatched || s.language != "" {
		return nil
	}
	if !params.AutoLanguage() {
		s.language = params.Language
	}
	return nil
}

// ingest appends samples frame by frame, running the VAD and declaring
// boundaries as it goes. A trailing partial frame is carried to the next
// chunk.
func (s *Session) ingest(samples []int16) {
	if s.finishing || s.ctx.Err() != nil {
		return
	}
	s.state.CompareAndSwap(int32(StateOpen), int32(StateBuffering))

	frame := s.vad.FrameSamples()
	data := samples
	if len(s.carry) > 0 {
		data = append(s.carry, samples...)
		s.carry = nil
	}

	i := 0
	for ; i+frame <= len(data); i += frame {
		if len(s.buf)+frame > s.maxSamples {
			s.capReached()
		}

		f := data[i : i+frame]
		s.vad.Observe(f)
		s.buf = append(s.buf, f...)
		s.checkBoundary()
	}
	if i < len(data) {
		s.carry = append([]int16(nil), data[i:]...)
	}
}

func (s *Session) checkBoundary() {
	switch {
	case s.vad.Voiced() && s.vad.Silence() >= s.cfg.SilenceDuration:
		s.boundary(false)
	case !s.vad.Voiced() && s.vad.Silence() >= s.cfg.SilenceDuration:
		s.discard()
	case len(s.buf) >= s.maxSamples:
		s.capReached()
	}
}

func (s *Session) capReached() {
	if s.vad.Voiced() {
		s.boundary(true)
		return
	}
	s.discard()
}

// discard drops a buffer that never contained speech.
func (s *Session) discard() {
	s.bufStart += len(s.buf)
	s.buf = nil
	s.vad.StartSegment()
}

// boundary takes the buffer and hands it to a decode goroutine.
func (s *Session) boundary(forced bool) {
	samples := s.buf
	offset := audio.Seconds(s.bufStart)
	s.bufStart += len(samples)
	s.buf = nil
	s.vad.StartSegment()

	s.captureSeq++
	seq := s.captureSeq
	s.state.Store(int32(StateSegmentReady))
	defer s.state.Store(int32(StateBuffering))

	if s.active.Load() >= int64(s.cfg.MaxInflight) {
		s.logger.Warn("segment dropped: too many decodes in flight", zap.Uint64("sequence", seq))
		s.deliver(outcome{seq: seq, msg: errorMessage(seq, CodeOverloaded,
			fmt.Errorf("%d segments already awaiting inference", s.cfg.MaxInflight))})
		return
	}

	params := s.params()
	s.mu.Lock()
	s.dispatched = true
	s.mu.Unlock()

	s.state.Store(int32(StateDecoding))
	s.active.Add(1)
	s.inflight.Add(1)
	go s.decode(seq, offset, forced, samples, params)
}

func (s *Session) params() whisper.DecodeParams {
	p := s.cfg.Params
	p.Temperatures = append([]float64(nil), s.cfg.Params.Temperatures...)
	if lang := s.Language(); lang != "" {
		p.Language = lang
	}
	return p
}

func (s *Session) decode(seq uint64, offset float64, forced bool, samples []int16, params whisper.DecodeParams) {
	defer s.inflight.Done()
	defer s.active.Add(-1)

	started := time.Now()
	result, err := s.transcribe(samples, params)
	if s.decodeCtx.Err() != nil {
		return
	}
	if err != nil {
		code := CodeInferenceError
		if errors.Is(err, audio.ErrDecode) {
			code = CodeDecodeError
		}
		s.logger.Warn("segment decode failed", zap.Uint64("sequence", seq), zap.Error(err))
		s.deliver(outcome{seq: seq, msg: errorMessage(seq, code, err)})
		return
	}

	result = result.Shift(offset)
	msg := Message{
		Type:        TypeTranscript,
		Sequence:    seq,
		Task:        result.Task,
		SegmentText: result.Text,
		Language:    result.Language,
		Duration:    result.Duration,
		Offset:      offset,
		Forced:      forced,
		Segments:    result.Segments,
		Words:       result.Words,
	}

	s.logger.Debug("segment decoded",
		zap.Uint64("sequence", seq),
		zap.Float64("offset", offset),
		zap.Bool("forced", forced),
		zap.Duration("elapsed", time.Since(started)),
	)
	s.deliver(outcome{seq: seq, msg: msg})
}

func (s *Session) transcribe(samples []int16, params whisper.DecodeParams) (result transcript.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: engine panic: %v", whisper.ErrInference, r)
		}
	}()

	result, err = s.engine.Transcribe(s.decodeCtx, whisper.Request{Samples: samples, Params: params})
	if err != nil {
		return transcript.Result{}, err
	}
	result.Clamp()
	if s.quality != nil {
		result, _ = s.quality.Evaluate(result)
	}
	return result, nil
}

func (s *Session) deliver(o outcome) {
	select {
	case s.outcomes <- o:
	case <-s.ctx.Done():
	}
}

// emitLoop is the only producer of Out. It reorders decode outcomes by
// capture sequence and maintains the cumulative transcript.
func (s *Session) emitLoop() {
	defer close(s.out)

	if !s.send(Message{Type: TypeReady, SessionID: s.ID}) {
		return
	}

	pending := make(map[uint64]Message)
	next := uint64(1)
	var text []string

	emit := func(msg Message) bool {
		if msg.Type == TypeTranscript {
			if t := strings.TrimSpace(msg.SegmentText); t != "" {
				text = append(text, t)
			}
			s.detectLanguage(msg.Language)
		}
		msg.Text = strings.Join(text, " ")
		return s.send(msg)
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case o, ok := <-s.outcomes:
			if !ok {
				s.state.Store(int32(StateClosed))
				return
			}
			if o.seq == 0 {
				if o.msg.Type == TypeClosed {
					// Abandoned decodes leave gaps; emit whatever arrived.
					seqs := make([]uint64, 0, len(pending))
					for seq := range pending {
						seqs = append(seqs, seq)
					}
					sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
					for _, seq := range seqs {
						if !emit(pending[seq]) {
							return
						}
					}
					pending = nil
				}
				if !emit(o.msg) {
					return
				}
				continue
			}

			pending[o.seq] = o.msg
			for {
				msg, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if !emit(msg) {
					return
				}
			}
		}
	}
}

func (s *Session) detectLanguage(lang string) {
	if lang == "" || lang == whisper.LanguageAuto {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.language == "" {
		s.language = lang
		s.logger.Debug("language detected", zap.String("language", lang))
	}
}

func (s *Session) send(msg Message) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}
