// Package download fetches model files over HTTP with retries, checksum
// verification and an optional terminal progress bar.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const userAgent = "voxd/1"

var ErrChecksumMismatch = errors.New("checksum mismatch")

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying the request can help.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Options struct {
	URL            string
	Destination    string
	ExpectedSHA256 string
	Retries        int
	// Backoff is the base delay between attempts; attempt n waits n*Backoff.
	Backoff     time.Duration
	Description string
	// Progress receives the progress bar. Nil means stderr when it is a
	// terminal; NoProgress disables the bar entirely.
	Progress   io.Writer
	NoProgress bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o Options) withDefaults() (Options, error) {
	if strings.TrimSpace(o.URL) == "" {
		return o, errors.New("download URL is required")
	}
	if strings.TrimSpace(o.Destination) == "" {
		return o, errors.New("destination path is required")
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.Description == "" {
		o.Description = "downloading " + filepath.Base(o.Destination)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.ExpectedSHA256 = strings.ToLower(strings.TrimSpace(o.ExpectedSHA256))
	return o, nil
}

// Ensure makes sure Destination exists and matches ExpectedSHA256,
// downloading it otherwise. It reports whether a download happened.
func Ensure(ctx context.Context, opts Options) (bool, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(opts.Destination); statErr == nil {
		verifyErr := VerifyFileChecksum(opts.Destination, opts.ExpectedSHA256)
		if verifyErr == nil {
			return false, nil
		}
		if !errors.Is(verifyErr, ErrChecksumMismatch) {
			return false, verifyErr
		}
		opts.Logger.Warn("existing file failed verification; downloading again",
			zap.String("path", opts.Destination), zap.Error(verifyErr))
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", opts.Destination, statErr)
	}

	if err := File(ctx, opts); err != nil {
		return false, err
	}
	return true, nil
}

// File downloads URL to Destination. The file only appears at Destination
// once its checksum has been verified.
func File(ctx context.Context, opts Options) error {
	opts, err := opts.withDefaults()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(opts.Destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		if attempt > 1 {
			opts.Logger.Warn("retrying download",
				zap.Int("attempt", attempt),
				zap.Int("max", opts.Retries),
				zap.String("url", opts.URL),
				zap.Error(lastErr))
			if err := sleep(ctx, time.Duration(attempt-1)*opts.Backoff); err != nil {
				return err
			}
		}

		lastErr = fetch(ctx, opts)
		if lastErr == nil {
			opts.Logger.Info("download complete", zap.String("path", opts.Destination))
			return nil
		}
		if !retryable(ctx, lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("download failed after %d attempts: %w", opts.Retries, lastErr)
}

func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}

	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

func fetch(ctx context.Context, opts Options) error {
	tmp, err := os.CreateTemp(filepath.Dir(opts.Destination), "."+filepath.Base(opts.Destination)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: opts.URL, StatusCode: resp.StatusCode}
	}

	hash := sha256.New()
	writer := io.MultiWriter(tmp, hash)

	bar := newBar(opts, resp.ContentLength)
	if bar != nil {
		writer = io.MultiWriter(tmp, hash, bar)
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if actual := hex.EncodeToString(hash.Sum(nil)); opts.ExpectedSHA256 != "" && actual != opts.ExpectedSHA256 {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, opts.ExpectedSHA256, actual)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, opts.Destination); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}

	committed = true
	return nil
}

func newBar(opts Options, contentLength int64) *progressbar.ProgressBar {
	if opts.NoProgress {
		return nil
	}

	out := opts.Progress
	if out == nil {
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			return nil
		}
		out = os.Stderr
	}

	// Unknown lengths render as a spinner.
	return progressbar.NewOptions64(
		contentLength,
		progressbar.OptionSetDescription(opts.Description),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetWriter(out),
		progressbar.OptionClearOnFinish(),
	)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
