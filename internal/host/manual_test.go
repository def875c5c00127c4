package host

import (
	"errors"
	"strings"
	"testing"
	"time"

	"stepwise/internal/clock"
	logx "stepwise/pkg/logx"
)

type countdown struct {
	name  string
	left  int
	trace *[]string
}

func (c *countdown) Execute() (bool, error) {
	*c.trace = append(*c.trace, c.name)
	c.left--
	return c.left > 0, nil
}

func TestManualTickOrderAndDeregistration(t *testing.T) {
	t.Parallel()
	var trace []string
	m := NewManual(clock.NewManual(time.Time{}), logx.Nop())
	m.ScheduleRepeating(&countdown{name: "a", left: 1, trace: &trace})
	m.ScheduleRepeating(&countdown{name: "b", left: 3, trace: &trace})
	m.ScheduleRepeating(nil)

	if n := m.Tick(); n != 2 {
		t.Fatalf("first Tick invoked %d, want 2", n)
	}
	if m.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", m.Pending())
	}
	ticks := m.RunUntilIdle(0)
	if ticks != 2 {
		t.Fatalf("RunUntilIdle ticks = %d, want 2", ticks)
	}
	got := strings.Join(trace, ",")
	if want := "a,b,b,b"; got != want {
		t.Fatalf("trace = %q, want %q", got, want)
	}
	if m.Invocations() != 4 {
		t.Fatalf("Invocations = %d, want 4", m.Invocations())
	}
}

func TestManualRegistrationDuringTickRunsNextTick(t *testing.T) {
	t.Parallel()
	m := NewManual(nil, logx.Logger{})
	var inner int
	m.ScheduleRepeating(RepeatingFunc(func() (bool, error) {
		m.ScheduleRepeating(RepeatingFunc(func() (bool, error) {
			inner++
			return false, nil
		}))
		return false, nil
	}))

	m.Tick()
	if inner != 0 {
		t.Fatalf("inner ran during the registering tick")
	}
	m.Tick()
	if inner != 1 {
		t.Fatalf("inner = %d, want 1", inner)
	}
}

func TestManualRecordsFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	m := NewManual(nil, logx.Nop())
	m.ScheduleRepeating(RepeatingFunc(func() (bool, error) { return true, boom }))
	m.ScheduleRepeating(RepeatingFunc(func() (bool, error) { panic("kaput") }))

	m.Tick()
	if m.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0 (failed commands deregistered)", m.Pending())
	}
	fs := m.Failures()
	if len(fs) != 2 {
		t.Fatalf("Failures = %d, want 2", len(fs))
	}
	if !errors.Is(fs[0].Err, boom) || fs[0].Panic {
		t.Fatalf("first failure = %+v, want boom without panic", fs[0])
	}
	if !fs[1].Panic || !strings.Contains(fs[1].Error, "kaput") || fs[1].Stack == "" {
		t.Fatalf("second failure = %+v, want recovered panic with stack", fs[1])
	}
	if errs := m.Errors(); len(errs) != 2 || !errors.Is(errs[0], boom) {
		t.Fatalf("Errors = %v", errs)
	}
}

func TestManualTimersFollowClock(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Time{})
	m := NewManual(clk, logx.Nop())

	var fired []string
	m.ScheduleAfter(20*time.Millisecond, func() { fired = append(fired, "late") })
	m.ScheduleAfter(10*time.Millisecond, func() { fired = append(fired, "early") })
	cancel := m.ScheduleAfter(15*time.Millisecond, func() { fired = append(fired, "canceled") })
	cancel()
	cancel()

	m.Tick()
	if len(fired) != 0 {
		t.Fatalf("fired before due: %v", fired)
	}
	if m.RunUntilIdle(0) != 0 {
		t.Fatalf("RunUntilIdle should not tick for timers that are not due")
	}

	clk.Advance(25 * time.Millisecond)
	m.Tick()
	if got := strings.Join(fired, ","); got != "early,late" {
		t.Fatalf("fired = %q, want early,late", got)
	}
	if m.Timers() != 0 {
		t.Fatalf("Timers = %d, want 0", m.Timers())
	}
}

func TestInvokeForcesFalseOnError(t *testing.T) {
	t.Parallel()
	more, err, panicked, _ := invoke(RepeatingFunc(func() (bool, error) { return true, errors.New("x") }))
	if more || err == nil || panicked {
		t.Fatalf("invoke = (%v, %v, %v), want (false, err, false)", more, err, panicked)
	}
}
