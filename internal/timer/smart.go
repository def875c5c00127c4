// Package timer holds small helpers built on a host's one-shot timers:
// a debouncing SmartTimer, a polling Waiter and a RetryableCommand.
//
// All callbacks run on the host goroutine.
package timer

import (
	"sync"
	"time"

	"stepwise/internal/clock"
	"stepwise/internal/host"
)

// SmartTimer is a named one-shot action that can be rescheduled.
//
// Schedule replaces any pending firing; ScheduleSooner only ever moves it
// earlier. Firings of replaced schedules are discarded.
type SmartTimer struct {
	name   string
	timers host.Timers
	clock  clock.Clock
	action func()

	mu      sync.Mutex
	version uint64
	pending bool
	due     time.Time
	cancel  func()
	fired   uint64
}

// NewSmartTimer creates a timer running action on t. A nil clock reads real time.
func NewSmartTimer(name string, t host.Timers, c clock.Clock, action func()) *SmartTimer {
	if c == nil {
		c = clock.Real()
	}
	return &SmartTimer{name: name, timers: t, clock: c, action: action}
}

func (s *SmartTimer) Name() string { return s.name }

// Schedule fires the action after d, replacing any pending firing.
func (s *SmartTimer) Schedule(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.cancelLocked()
	s.version++
	v := s.version
	s.pending = true
	s.due = s.clock.Now().Add(d)
	s.mu.Unlock()

	// Schedule outside the lock: a host may run fn synchronously.
	cancel := s.timers.ScheduleAfter(d, func() { s.fire(v) })

	s.mu.Lock()
	if s.version == v && s.pending {
		s.cancel = cancel
	} else {
		s.mu.Unlock()
		cancel()
		return
	}
	s.mu.Unlock()
}

// ScheduleSooner schedules the action after d unless a pending firing is
// already due at or before that. It reports whether it rescheduled.
func (s *SmartTimer) ScheduleSooner(d time.Duration) bool {
	s.mu.Lock()
	if s.pending && !s.clock.Now().Add(d).Before(s.due) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.Schedule(d)
	return true
}

// Cancel drops the pending firing, if any.
func (s *SmartTimer) Cancel() {
	s.mu.Lock()
	s.cancelLocked()
	s.version++
	s.pending = false
	s.mu.Unlock()
}

func (s *SmartTimer) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *SmartTimer) fire(v uint64) {
	s.mu.Lock()
	if v != s.version || !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.cancel = nil
	s.fired++
	s.mu.Unlock()

	if s.action != nil {
		s.action()
	}
}

func (s *SmartTimer) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Due returns when the pending firing is expected.
func (s *SmartTimer) Due() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, s.pending
}

// Fired counts how many times the action ran.
func (s *SmartTimer) Fired() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}
