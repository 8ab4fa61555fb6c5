package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/stream"
)

const (
	maxFrameBytes = 8 << 20
	writeTimeout  = 10 * time.Second
)

type readOutcome int

const (
	readStopped readOutcome = iota
	readTimedOut
	readDisconnected
)

// handleStream runs one realtime session. The session is opened before the
// upgrade so that capacity and validation failures are plain HTTP errors.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Open(r.Context(), stream.OpenOptions{Language: r.URL.Query().Get("language")})
	if err != nil {
		writeErr(w, err)
		return
	}
	defer s.sessions.Close(sess)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	logger := s.logger.With(zap.String("session_id", sess.ID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, sess, logger)
	}()

	switch s.readLoop(conn, sess, logger) {
	case readStopped, readTimedOut:
		// Let the writer deliver pending transcripts and the closed frame.
		<-writerDone
	case readDisconnected:
		s.sessions.Close(sess)
		<-writerDone
	}
}

func (s *Server) readLoop(conn *websocket.Conn, sess *stream.Session, logger *zap.Logger) readOutcome {
	for {
		// Only audio moves the idle window; control frames do not.
		if err := conn.SetReadDeadline(sess.LastActivity().Add(s.idleTimeout)); err != nil {
			return readDisconnected
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Info("stream session idle", zap.Duration("idle_timeout", s.idleTimeout))
				sess.Abort(stream.CodeTimeout, fmt.Errorf("no audio received for %s", s.idleTimeout))
				return readTimedOut
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream client went away", zap.Error(err))
			}
			return readDisconnected
		}

		now := time.Now()
		switch kind {
		case websocket.BinaryMessage:
			sess.HandleChunk(stream.Chunk{Data: data, Format: "pcm", ArrivedAt: now})
		case websocket.TextMessage:
			var msg stream.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				sess.Reject(fmt.Errorf("invalid message: %v", err))
				continue
			}
			if sess.HandleMessage(msg, now) {
				return readStopped
			}
		}
	}
}

// writeLoop is the only writer on conn. It forwards session frames until the
// session closes its output.
func (s *Server) writeLoop(conn *websocket.Conn, sess *stream.Session, logger *zap.Logger) {
	broken := false
	reason := ""
	for msg := range sess.Out() {
		if msg.Type == stream.TypeClosed {
			reason = msg.Reason
		}
		if broken {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("stream write failed", zap.Error(err))
			broken = true
			sess.Close()
		}
	}
	if broken {
		return
	}

	code := websocket.CloseNormalClosure
	if reason == stream.CodeTimeout {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout))
}
