package host

import (
	"sync"
	"time"

	"stepwise/internal/clock"
	logx "stepwise/pkg/logx"
)

// Manual is a host driven by its caller: nothing runs until Tick is called.
//
// Each Tick fires the timers that are due on the clock, then invokes every
// registered command once in registration order. Commands registered during a
// tick are first invoked on the next tick. It is intended for tests and for
// embedding applications that own their own loop.
type Manual struct {
	mu     sync.Mutex
	clock  clock.Clock
	log    logx.Logger
	cmds   []RepeatingCommand
	timers timerSet

	failures    []CommandFailure
	invocations uint64
}

// NewManual creates a manual host reading time from c (clock.Real() if nil).
func NewManual(c clock.Clock, log logx.Logger) *Manual {
	if c == nil {
		c = clock.Real()
	}
	return &Manual{clock: c, log: log}
}

func (m *Manual) ScheduleRepeating(cmd RepeatingCommand) {
	if cmd == nil {
		return
	}
	m.mu.Lock()
	m.cmds = append(m.cmds, cmd)
	m.mu.Unlock()
}

func (m *Manual) ScheduleAfter(d time.Duration, fn func()) func() {
	if fn == nil {
		return func() {}
	}
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	e := m.timers.add(m.clock.Now().Add(d), fn)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.timers.remove(e)
			m.mu.Unlock()
		})
	}
}

// Tick runs one pass and returns the number of commands invoked.
func (m *Manual) Tick() int {
	m.fireTimers()

	m.mu.Lock()
	batch := m.cmds
	m.cmds = nil
	m.mu.Unlock()

	keep := make([]RepeatingCommand, 0, len(batch))
	for _, cmd := range batch {
		more, err, panicked, stack := invoke(cmd)
		m.mu.Lock()
		m.invocations++
		m.mu.Unlock()
		if err != nil {
			m.recordFailure(CommandFailure{Command: cmd, Err: err, Error: err.Error(), Panic: panicked, Stack: stack})
			continue
		}
		if more {
			keep = append(keep, cmd)
		}
	}

	m.mu.Lock()
	m.cmds = append(keep, m.cmds...)
	m.mu.Unlock()
	return len(batch)
}

// RunUntilIdle ticks until no command is registered or maxTicks passes ran.
// Pending timers that are not due do not keep it running.
// It returns the number of ticks performed.
func (m *Manual) RunUntilIdle(maxTicks int) int {
	ticks := 0
	for maxTicks <= 0 || ticks < maxTicks {
		if m.Pending() == 0 && !m.timersDue() {
			break
		}
		m.Tick()
		ticks++
	}
	return ticks
}

func (m *Manual) fireTimers() {
	m.mu.Lock()
	due := m.timers.popDue(m.clock.Now())
	m.mu.Unlock()
	for _, e := range due {
		e.fn()
	}
}

func (m *Manual) timersDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.timers.next()
	return ok && !next.After(m.clock.Now())
}

func (m *Manual) recordFailure(f CommandFailure) {
	m.mu.Lock()
	m.failures = append(m.failures, f)
	m.mu.Unlock()
	if !m.log.IsZero() {
		m.log.Warn("command failed; deregistered", logx.Any("err", f.Err), logx.Bool("panic", f.Panic), logx.Stack(f.Stack))
	}
}

// Pending returns the number of registered commands.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cmds)
}

// Timers returns the number of pending timers.
func (m *Manual) Timers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.len()
}

// Failures returns the commands deregistered because of an error or panic.
func (m *Manual) Failures() []CommandFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommandFailure(nil), m.failures...)
}

// Errors returns the errors of Failures, in order.
func (m *Manual) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, 0, len(m.failures))
	for _, f := range m.failures {
		out = append(out, f.Err)
	}
	return out
}

// Invocations returns the total number of command invocations so far.
func (m *Manual) Invocations() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invocations
}
