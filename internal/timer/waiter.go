package timer

import (
	"sync"
	"time"

	"stepwise/internal/clock"
	"stepwise/internal/host"
)

// WaitState is the outcome of a Waiter.
type WaitState int

const (
	Waiting WaitState = iota
	Ready
	TimedOut
	Canceled
)

func (s WaitState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type WaiterConfig struct {
	// Interval between polls. Default 50ms.
	Interval time.Duration
	// Timeout gives up after this long; 0 waits forever.
	Timeout   time.Duration
	OnTimeout func()
	Clock     clock.Clock
}

// Waiter polls a condition until it holds, then runs onReady.
type Waiter struct {
	timers  host.Timers
	cfg     WaiterConfig
	cond    func() bool
	onReady func()

	mu      sync.Mutex
	state   WaitState
	started bool
	begin   time.Time
	polls   int
	cancel  func()
}

func NewWaiter(t host.Timers, cond func() bool, onReady func(), cfg WaiterConfig) *Waiter {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Waiter{timers: t, cfg: cfg, cond: cond, onReady: onReady}
}

// Start checks the condition right away and keeps polling until it holds,
// the timeout passes or Cancel is called. Later calls are no-ops.
func (w *Waiter) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.begin = w.cfg.Clock.Now()
	w.mu.Unlock()
	w.poll()
}

func (w *Waiter) poll() {
	w.mu.Lock()
	if w.state != Waiting {
		w.mu.Unlock()
		return
	}
	w.polls++
	w.cancel = nil
	w.mu.Unlock()

	if w.cond() {
		if w.settle(Ready) && w.onReady != nil {
			w.onReady()
		}
		return
	}
	if w.cfg.Timeout > 0 && w.cfg.Clock.Since(w.begin) >= w.cfg.Timeout {
		if w.settle(TimedOut) && w.cfg.OnTimeout != nil {
			w.cfg.OnTimeout()
		}
		return
	}

	cancel := w.timers.ScheduleAfter(w.cfg.Interval, w.poll)
	w.mu.Lock()
	if w.state == Waiting {
		w.cancel = cancel
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	cancel()
}

func (w *Waiter) settle(s WaitState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Waiting {
		return false
	}
	w.state = s
	return true
}

// Cancel stops polling without running any callback.
func (w *Waiter) Cancel() {
	w.mu.Lock()
	if w.state != Waiting {
		w.mu.Unlock()
		return
	}
	w.state = Canceled
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done reports whether the waiter reached a final state.
func (w *Waiter) Done() bool { return w.State() != Waiting }

func (w *Waiter) State() WaitState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Polls counts condition checks.
func (w *Waiter) Polls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polls
}
