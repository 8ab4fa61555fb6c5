package cli

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

type stopFunc func()

func startSpinner(enabled bool, description string) stopFunc {
	if !enabled {
		return func() {}
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			<-doneCh
		})
	}
}

// audioProgress tracks how much of a file has been streamed, in
// milliseconds of audio.
type audioProgress struct {
	bar *progressbar.ProgressBar
}

func newAudioProgress(w io.Writer, description string, total time.Duration) *audioProgress {
	if w == nil || total <= 0 {
		return &audioProgress{}
	}
	bar := progressbar.NewOptions64(
		total.Milliseconds(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &audioProgress{bar: bar}
}

func (p *audioProgress) Advance(d time.Duration) {
	if p.bar == nil {
		return
	}
	_ = p.bar.Add64(d.Milliseconds())
}

func (p *audioProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
