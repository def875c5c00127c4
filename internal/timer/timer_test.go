package timer

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"stepwise/internal/clock"
	"stepwise/internal/host"
	logx "stepwise/pkg/logx"
)

func newHost() (*host.Manual, *clock.Manual) {
	clk := clock.NewManual(time.Time{})
	return host.NewManual(clk, logx.Nop()), clk
}

func TestSmartTimerDebounces(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	fired := 0
	st := NewSmartTimer("flush", h, clk, func() { fired++ })

	st.Schedule(10 * time.Millisecond)
	clk.Advance(5 * time.Millisecond)
	st.Schedule(10 * time.Millisecond)
	clk.Advance(6 * time.Millisecond)
	h.Tick()
	if fired != 0 || !st.IsPending() {
		t.Fatalf("replaced schedule fired: fired=%d pending=%v", fired, st.IsPending())
	}
	clk.Advance(4 * time.Millisecond)
	h.Tick()
	if fired != 1 || st.IsPending() || st.Fired() != 1 {
		t.Fatalf("fired=%d pending=%v Fired=%d", fired, st.IsPending(), st.Fired())
	}
	if h.Timers() != 0 {
		t.Fatalf("stale timers left on host: %d", h.Timers())
	}
}

func TestSmartTimerScheduleSooner(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	st := NewSmartTimer("sooner", h, clk, nil)

	st.Schedule(50 * time.Millisecond)
	if st.ScheduleSooner(80 * time.Millisecond) {
		t.Fatal("ScheduleSooner moved a firing later")
	}
	if !st.ScheduleSooner(20 * time.Millisecond) {
		t.Fatal("ScheduleSooner did not move the firing earlier")
	}
	due, ok := st.Due()
	if !ok || !due.Equal(clk.Now().Add(20*time.Millisecond)) {
		t.Fatalf("Due = %v %v", due, ok)
	}
	clk.Advance(20 * time.Millisecond)
	h.Tick()
	if st.Fired() != 1 {
		t.Fatalf("Fired = %d, want 1", st.Fired())
	}
	if !st.ScheduleSooner(time.Second) {
		t.Fatal("ScheduleSooner on an idle timer should schedule")
	}
}

func TestSmartTimerCancel(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	st := NewSmartTimer("cancel", h, clk, func() { t.Error("canceled timer fired") })
	st.Schedule(time.Millisecond)
	st.Cancel()
	st.Cancel()
	clk.Advance(time.Second)
	h.Tick()
	if st.IsPending() || st.Fired() != 0 {
		t.Fatalf("pending=%v fired=%d", st.IsPending(), st.Fired())
	}
}

func TestWaiterBecomesReady(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	ready := false
	ran := 0
	w := NewWaiter(h, func() bool { return ready }, func() { ran++ },
		WaiterConfig{Interval: 10 * time.Millisecond, Timeout: time.Second, Clock: clk})
	w.Start()
	w.Start()
	if w.Done() || w.Polls() != 1 {
		t.Fatalf("done=%v polls=%d", w.Done(), w.Polls())
	}

	clk.Advance(10 * time.Millisecond)
	h.Tick()
	ready = true
	clk.Advance(10 * time.Millisecond)
	h.Tick()
	if ran != 1 || w.State() != Ready || w.Polls() != 3 {
		t.Fatalf("ran=%d state=%v polls=%d", ran, w.State(), w.Polls())
	}
}

func TestWaiterImmediateReady(t *testing.T) {
	t.Parallel()
	h, _ := newHost()
	ran := false
	w := NewWaiter(h, func() bool { return true }, func() { ran = true }, WaiterConfig{})
	w.Start()
	if !ran || w.State() != Ready || h.Timers() != 0 {
		t.Fatalf("ran=%v state=%v timers=%d", ran, w.State(), h.Timers())
	}
}

func TestWaiterTimesOut(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	timedOut := false
	w := NewWaiter(h, func() bool { return false }, func() { t.Error("onReady ran") },
		WaiterConfig{Interval: 10 * time.Millisecond, Timeout: 25 * time.Millisecond, Clock: clk,
			OnTimeout: func() { timedOut = true }})
	w.Start()
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Millisecond)
		h.Tick()
	}
	if !timedOut || w.State() != TimedOut {
		t.Fatalf("timedOut=%v state=%v", timedOut, w.State())
	}
	if h.Timers() != 0 {
		t.Fatalf("timers left: %d", h.Timers())
	}
}

func TestWaiterCancel(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	w := NewWaiter(h, func() bool { return false }, nil, WaiterConfig{Interval: time.Millisecond, Clock: clk})
	w.Start()
	w.Cancel()
	clk.Advance(time.Second)
	h.Tick()
	if w.State() != Canceled || w.Polls() != 1 || w.State().String() != "canceled" {
		t.Fatalf("state=%v polls=%d", w.State(), w.Polls())
	}
}

func TestRetryableCommandSucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	calls := 0
	succeeded := false
	r := NewRetryableCommand(h, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithPolicy(backoff.NewConstantBackOff(20*time.Millisecond)), OnSuccess(func() { succeeded = true }))

	r.Run()
	if r.State() != RetryPending || r.Attempts() != 1 {
		t.Fatalf("state=%v attempts=%d", r.State(), r.Attempts())
	}
	for i := 0; i < 2; i++ {
		clk.Advance(20 * time.Millisecond)
		h.Tick()
	}
	if !succeeded || r.State() != RetrySucceeded || r.Attempts() != 3 {
		t.Fatalf("succeeded=%v state=%v attempts=%d", succeeded, r.State(), r.Attempts())
	}
}

func TestRetryableCommandGivesUp(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	boom := errors.New("boom")
	var gaveUp error
	r := NewRetryableCommand(h, func() error { return boom },
		WithRetryName("flaky"),
		WithPolicy(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)),
		OnGiveUp(func(err error) { gaveUp = err }))

	r.Run()
	for i := 0; i < 5; i++ {
		clk.Advance(time.Millisecond)
		h.Tick()
	}
	if !errors.Is(gaveUp, boom) || r.State() != RetryGaveUp || r.Attempts() != 3 {
		t.Fatalf("gaveUp=%v state=%v attempts=%d", gaveUp, r.State(), r.Attempts())
	}
	if !errors.Is(r.Err(), boom) {
		t.Fatalf("Err = %v", r.Err())
	}

	// Run again starts a fresh round.
	r.Run()
	if r.Attempts() != 1 || r.State() != RetryPending {
		t.Fatalf("rerun attempts=%d state=%v", r.Attempts(), r.State())
	}
	r.Cancel()
	if r.State() != RetryCanceled || h.Timers() != 0 {
		t.Fatalf("state=%v timers=%d", r.State(), h.Timers())
	}
}

func TestRetryableCommandDefaultPolicyUsesClock(t *testing.T) {
	t.Parallel()
	h, clk := newHost()
	r := NewRetryableCommand(h, func() error { panic("nope") }, WithRetryClock(clk))
	r.Run()
	if r.State() != RetryPending || r.Err() == nil {
		t.Fatalf("state=%v err=%v", r.State(), r.Err())
	}
	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
		h.Tick()
	}
	if r.State() != RetryGaveUp || r.Attempts() != 6 {
		t.Fatalf("state=%v attempts=%d, want gave_up after 6", r.State(), r.Attempts())
	}
}
