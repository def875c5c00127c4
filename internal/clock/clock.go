// Package clock supplies the time source used to measure increment budgets.
//
// Production code uses Real(), which reads the runtime's monotonic clock.
// Tests use Manual, whose time only moves when told to.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source.
//
// Readings only need to be monotonic within one process run; they do not have
// to match wall-clock time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

// Manual is a Clock whose time is advanced explicitly.
// It is safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at start.
// A zero start is replaced by a fixed epoch so readings are never zero.
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Stopwatch measures elapsed time from the moment it was started.
type Stopwatch struct {
	c     Clock
	start time.Time
}

// Start begins a fresh elapsed-time measurement on c.
func Start(c Clock) Stopwatch {
	if c == nil {
		c = Real()
	}
	return Stopwatch{c: c, start: c.Now()}
}

func (s Stopwatch) Started() time.Time { return s.start }

func (s Stopwatch) Elapsed() time.Duration {
	d := s.c.Since(s.start)
	if d < 0 {
		return 0
	}
	return d
}
