package logx

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// alertWriter forwards records at or above min to w under a token bucket.
type alertWriter struct {
	mu      sync.Mutex
	w       io.Writer
	min     zerolog.Level
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func newAlertWriter(w io.Writer, minLevel zerolog.Level, perSec int) *alertWriter {
	if perSec <= 0 {
		perSec = 1
	}
	return &alertWriter{w: w, min: minLevel, limiter: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

// Write receives level-less output; it is never an alert.
func (a *alertWriter) Write(p []byte) (int, error) { return len(p), nil }

func (a *alertWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l == zerolog.NoLevel || l < a.min {
		return len(p), nil
	}
	if !a.limiter.Allow() {
		a.dropped.Add(1)
		return len(p), nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
