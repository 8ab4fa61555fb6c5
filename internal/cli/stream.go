package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/stream"
	"github.com/fmueller/voxd/internal/transcript"
	"github.com/fmueller/voxd/internal/whisper"
)

const (
	defaultStreamURL = "ws://localhost:8000/v1/audio/transcriptions"
	streamWriteWait  = 10 * time.Second
	streamCloseWait  = time.Second
)

type streamOptions struct {
	url      string
	chunk    time.Duration
	realtime bool
	binary   bool
}

func newStreamCmd(app *appState) *cobra.Command {
	var opts streamOptions

	cmd := &cobra.Command{
		Use:   "stream <audio-file>",
		Short: "Stream an audio file to a running realtime server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.streamFile(cmd.Context(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", defaultStreamURL, "Realtime endpoint")
	flags.DurationVar(&opts.chunk, "chunk", 100*time.Millisecond, "Audio per chunk")
	flags.BoolVar(&opts.realtime, "realtime", false, "Pace chunks at playback speed")
	flags.BoolVar(&opts.binary, "binary", false, "Send raw PCM binary frames instead of JSON envelopes")
	return cmd
}

func (a *appState) streamFile(ctx context.Context, audioPath string, opts streamOptions) error {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("audio file not found: %w", err)
	}
	if opts.chunk <= 0 {
		return fmt.Errorf("--chunk must be positive, got %s", opts.chunk)
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	samples, err := a.newNormalizer(cfg).NormalizeFile(ctx, audioPath)
	if err != nil {
		return err
	}

	target, err := streamURL(opts.url, cfg.Decode.Language)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", target, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer conn.Close()

	a.log().Info("streaming",
		zap.String("audio", audioPath),
		zap.String("url", target),
		zap.Duration("duration", audio.SamplesDuration(len(samples))))

	var progressOut io.Writer
	if a.progressEnabled() {
		progressOut = os.Stderr
	}
	progress := newAudioProgress(progressOut, "Streaming", audio.SamplesDuration(len(samples)))

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()

	g.Go(func() error {
		defer progress.Finish()
		return sendAudio(gctx, conn, samples, opts, progress)
	})
	g.Go(func() error {
		return a.receiveTranscripts(conn)
	})
	return g.Wait()
}

func streamURL(raw, language string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid --url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid --url %q: scheme must be ws or wss", raw)
	}
	if language != "" && language != whisper.LanguageAuto {
		q := u.Query()
		q.Set("language", language)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func sendAudio(ctx context.Context, conn *websocket.Conn, samples []int16, opts streamOptions, progress *audioProgress) error {
	step := audio.DurationSamples(opts.chunk)

	var ticker *time.Ticker
	if opts.realtime {
		ticker = time.NewTicker(opts.chunk)
		defer ticker.Stop()
	}

	for from := 0; from < len(samples); from += step {
		to := min(from+step, len(samples))
		if err := writeChunk(conn, samples[from:to], opts.binary); err != nil {
			return err
		}
		progress.Advance(audio.SamplesDuration(to - from))

		if ticker == nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(stream.ClientMessage{Type: stream.TypeStop}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

func writeChunk(conn *websocket.Conn, samples []int16, binary bool) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	payload := audio.EncodePCM16(samples)
	var err error
	if binary {
		err = conn.WriteMessage(websocket.BinaryMessage, payload)
	} else {
		err = conn.WriteJSON(stream.ClientMessage{
			Type:   stream.TypeAudio,
			Data:   base64.StdEncoding.EncodeToString(payload),
			Format: "pcm",
		})
	}
	if err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// receiveTranscripts prints transcript frames until the server closes the
// connection. A normal close ends the stream without error.
func (a *appState) receiveTranscripts(conn *websocket.Conn) error {
	out := a.outWriter()
	var (
		failure error
		closed  bool
	)

	for {
		var msg stream.Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return failure
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("server closed the stream: %s (%d)", closeErr.Text, closeErr.Code)
			}
			return fmt.Errorf("read transcript: %w", err)
		}

		switch msg.Type {
		case stream.TypeReady:
			a.log().Debug("session ready", zap.String("session_id", msg.SessionID))
		case stream.TypeTranscript:
			printTranscript(out, msg)
		case stream.TypeError:
			a.log().Warn("stream error", zap.String("code", msg.Code), zap.Uint64("sequence", msg.Sequence), zap.String("error", msg.Error))
			if msg.Code == stream.CodeTimeout {
				failure = fmt.Errorf("stream %s: %s", msg.Code, msg.Error)
			}
		case stream.TypeClosed:
			a.log().Debug("session closed", zap.String("reason", msg.Reason))
			closed = true
			_ = conn.SetReadDeadline(time.Now().Add(streamCloseWait))
		}
	}
}

func printTranscript(w io.Writer, msg stream.Message) {
	if len(msg.Segments) == 0 {
		text := strings.TrimSpace(msg.SegmentText)
		if text == "" {
			return
		}
		fmt.Fprintf(w, "[%s --> %s] %s\n",
			transcript.Timestamp(msg.Offset, true),
			transcript.Timestamp(msg.Offset+msg.Duration, true),
			text)
		return
	}
	for _, seg := range msg.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(w, "[%s --> %s] %s\n",
			transcript.Timestamp(seg.Start, true),
			transcript.Timestamp(seg.End, true),
			text)
	}
}
