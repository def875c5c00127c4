package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stepwise/internal/eventbus"
	logx "stepwise/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestParseCadence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Cadence
		wantErr bool
	}{
		{"", CadenceIdle, false},
		{"idle", CadenceIdle, false},
		{" Fixed_Delay ", CadenceFixedDelay, false},
		{"period", CadenceFixedPeriod, false},
		{"sometimes", CadenceIdle, true},
	}
	for _, tt := range tests {
		got, err := ParseCadence(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCadence(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseCadence(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRunLoopRunsCommandsUntilDone(t *testing.T) {
	t.Parallel()
	for _, cad := range []Cadence{CadenceIdle, CadenceFixedDelay, CadenceFixedPeriod} {
		cad := cad
		t.Run(cad.String(), func(t *testing.T) {
			t.Parallel()
			r := NewRunLoop(Config{Cadence: cad, Interval: time.Millisecond}, logx.Nop(), nil)
			var calls atomic.Int32
			r.ScheduleRepeating(RepeatingFunc(func() (bool, error) {
				return calls.Add(1) < 5, nil
			}))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			r.Start(ctx)
			r.Start(ctx)
			waitFor(t, 2*time.Second, func() bool { return r.Snapshot().Registered == 0 && calls.Load() == 5 })

			if err := r.Stop(context.Background()); err != nil {
				t.Fatalf("Stop err = %v", err)
			}
			if s := r.Snapshot(); s.Running || s.Invocations != 5 {
				t.Fatalf("snapshot = %+v, want stopped with 5 invocations", s)
			}
		})
	}
}

func TestRunLoopTimersAndFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := NewRunLoop(Config{}, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	fired := make(chan struct{})
	r.ScheduleAfter(5*time.Millisecond, func() { close(fired) })
	canceled := r.ScheduleAfter(5*time.Millisecond, func() { t.Error("canceled timer fired") })
	canceled()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	r.ScheduleRepeating(RepeatingFunc(func() (bool, error) { return true, errors.New("broken") }))
	select {
	case ev := <-events:
		if ev.Type != eventbus.HostCommandFailed {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.HostCommandFailed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop err = %v", err)
	}
	if s := r.Snapshot(); s.Failures != 1 || s.Registered != 0 {
		t.Fatalf("snapshot = %+v, want one failure and nothing registered", s)
	}
}

func TestRunLoopResumesAfterRestart(t *testing.T) {
	t.Parallel()
	r := NewRunLoop(Config{Cadence: CadenceFixedDelay, Interval: time.Millisecond}, logx.Nop(), nil)
	var calls atomic.Int32
	r.ScheduleRepeating(RepeatingFunc(func() (bool, error) {
		calls.Add(1)
		return true, nil
	}))

	r.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return calls.Load() > 0 })
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop err = %v", err)
	}
	if r.Snapshot().Registered != 1 {
		t.Fatalf("command should stay registered across Stop")
	}
	before := calls.Load()
	r.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return calls.Load() > before })
	_ = r.Stop(context.Background())
}

func TestRunLoopPacedCadences(t *testing.T) {
	t.Parallel()
	const (
		interval = 15 * time.Millisecond
		calls    = 6
	)
	tests := []struct {
		cadence Cadence
		// The limiter may release the first tick early relative to the first
		// invocation, so fixed_period gets one interval of slack.
		minSpan time.Duration
	}{
		{CadenceFixedDelay, (calls - 1) * interval},
		{CadenceFixedPeriod, (calls - 2) * interval},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.cadence.String(), func(t *testing.T) {
			t.Parallel()
			r := NewRunLoop(Config{Cadence: tt.cadence, Interval: interval}, logx.Nop(), nil)
			var mu sync.Mutex
			var at []time.Time
			r.ScheduleRepeating(RepeatingFunc(func() (bool, error) {
				mu.Lock()
				defer mu.Unlock()
				at = append(at, time.Now())
				return len(at) < calls, nil
			}))

			r.Start(context.Background())
			waitFor(t, 5*time.Second, func() bool { return r.Snapshot().Registered == 0 })
			if err := r.Stop(context.Background()); err != nil {
				t.Fatalf("Stop err = %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(at) != calls {
				t.Fatalf("invocations = %d, want %d", len(at), calls)
			}
			if span := at[len(at)-1].Sub(at[0]); span < tt.minSpan {
				t.Fatalf("span of %d passes = %v, want >= %v", calls, span, tt.minSpan)
			}
			if s := r.Snapshot(); s.Passes != calls || s.Interval != interval || s.Cadence != tt.cadence.String() {
				t.Fatalf("snapshot = %+v", s)
			}
		})
	}
}

func TestRunLoopApplySwitchesCadence(t *testing.T) {
	t.Parallel()
	r := NewRunLoop(Config{}, logx.Nop(), nil)
	r.ScheduleRepeating(RepeatingFunc(func() (bool, error) { return true, nil }))
	r.Start(context.Background())
	defer func() { _ = r.Stop(context.Background()) }()

	// Idle runs passes back to back.
	waitFor(t, 2*time.Second, func() bool { return r.Snapshot().Passes > 100 })

	const period = 50 * time.Millisecond
	r.Apply(Config{Cadence: CadenceFixedPeriod, Interval: period})
	if s := r.Snapshot(); s.Cadence != "fixed_period" || s.Interval != period {
		t.Fatalf("snapshot after Apply = %+v", s)
	}
	before := r.Snapshot().Passes
	const window = 250 * time.Millisecond
	time.Sleep(window)
	// One pass may still be in flight under the old cadence, plus the burst token.
	if got, limit := r.Snapshot().Passes-before, uint64(window/period)+3; got > limit {
		t.Fatalf("passes under fixed_period = %d, want <= %d", got, limit)
	}

	r.Apply(Config{Cadence: CadenceIdle})
	before = r.Snapshot().Passes
	waitFor(t, 2*time.Second, func() bool { return r.Snapshot().Passes-before > 100 })
}
