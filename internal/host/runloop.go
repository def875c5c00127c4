package host

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"stepwise/internal/eventbus"
	rtsup "stepwise/internal/runtime/supervisor"
	logx "stepwise/pkg/logx"
)

// Cadence decides when the run-loop performs its next pass.
type Cadence int

const (
	// CadenceIdle runs passes back-to-back, yielding the processor in between.
	CadenceIdle Cadence = iota
	// CadenceFixedDelay sleeps Interval after each pass.
	CadenceFixedDelay
	// CadenceFixedPeriod starts at most one pass per Interval (Burst passes may queue up).
	CadenceFixedPeriod
)

func (c Cadence) String() string {
	switch c {
	case CadenceIdle:
		return "idle"
	case CadenceFixedDelay:
		return "fixed_delay"
	case CadenceFixedPeriod:
		return "fixed_period"
	default:
		return fmt.Sprintf("cadence(%d)", int(c))
	}
}

// ParseCadence maps config strings to a Cadence. Empty means idle.
func ParseCadence(s string) (Cadence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "idle":
		return CadenceIdle, nil
	case "fixed_delay", "delay":
		return CadenceFixedDelay, nil
	case "fixed_period", "period":
		return CadenceFixedPeriod, nil
	default:
		return CadenceIdle, fmt.Errorf("unknown host cadence %q (use idle, fixed_delay or fixed_period)", s)
	}
}

// Config controls the run-loop.
type Config struct {
	Cadence Cadence
	// Interval is the delay (fixed_delay) or period (fixed_period). Default 10ms.
	Interval time.Duration
	// Burst is the number of passes fixed_period may run back-to-back after a stall. Default 1.
	Burst int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Millisecond
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool          `json:"running"`
	Cadence     string        `json:"cadence"`
	Interval    time.Duration `json:"interval"`
	Registered  int           `json:"registered"`
	Timers      int           `json:"timers"`
	Passes      uint64        `json:"passes"`
	Invocations uint64        `json:"invocations"`
	Failures    uint64        `json:"failures"`
}

// RunLoop is a host that drives commands from one supervised goroutine.
//
// Registration and timers are safe from any goroutine; commands and timer
// callbacks only ever run on the loop goroutine.
type RunLoop struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	cmds    []RepeatingCommand
	inPass  int // commands taken out of cmds by the running pass
	timers  timerSet
	limiter *rate.Limiter

	wake chan struct{}

	sup *rtsup.Supervisor

	passes      atomic.Uint64
	invocations atomic.Uint64
	failures    atomic.Uint64
}

func NewRunLoop(cfg Config, log logx.Logger, bus eventbus.Bus) *RunLoop {
	cfg = cfg.withDefaults()
	return &RunLoop{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), cfg.Burst),
		wake:    make(chan struct{}, 1),
	}
}

// Apply swaps the cadence settings; the loop picks them up on its next pass.
func (r *RunLoop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.limiter.SetLimit(rate.Every(cfg.Interval))
	r.limiter.SetBurst(cfg.Burst)
	r.mu.Unlock()
	r.signal()
}

func (r *RunLoop) ScheduleRepeating(cmd RepeatingCommand) {
	if cmd == nil {
		return
	}
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	r.signal()
}

func (r *RunLoop) ScheduleAfter(d time.Duration, fn func()) func() {
	if fn == nil {
		return func() {}
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	e := r.timers.add(time.Now().Add(d), fn)
	r.mu.Unlock()
	r.signal()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.timers.remove(e)
			r.mu.Unlock()
		})
	}
}

func (r *RunLoop) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start launches the loop goroutine. It is idempotent.
func (r *RunLoop) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.sup != nil {
		r.mu.Unlock()
		return
	}
	r.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "host"))),
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	cfg := r.cfg
	r.mu.Unlock()

	sup.GoRestart("host.runloop", func(c context.Context) error {
		err := r.run(c)
		if c.Err() != nil {
			return c.Err()
		}
		if err == nil {
			err = errors.New("run-loop exited unexpectedly")
		}
		return err
	}, rtsup.WithPublishFirstError(true))

	r.log.Info("host run-loop started", logx.String("cadence", cfg.Cadence.String()), logx.Duration("interval", cfg.Interval))
}

// Stop cancels the loop and waits for it to exit (bounded by ctx).
// Registered commands stay registered and resume on the next Start.
func (r *RunLoop) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		r.log.Warn("host run-loop stop timed out", logx.Any("err", err))
		return err
	}
	r.log.Info("host run-loop stopped")
	return nil
}

func (r *RunLoop) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.fireTimers()

		r.mu.Lock()
		n := len(r.cmds)
		next, hasTimer := r.timers.next()
		cfg := r.cfg
		lim := r.limiter
		r.mu.Unlock()

		if n == 0 {
			// Nothing registered: sleep until new work, the next timer, or shutdown.
			if err := r.idleWait(ctx, next, hasTimer); err != nil {
				return err
			}
			continue
		}

		if cfg.Cadence == CadenceFixedPeriod {
			if err := lim.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}

		r.pass()

		switch cfg.Cadence {
		case CadenceFixedDelay:
			r.mu.Lock()
			next, hasTimer = r.timers.next()
			r.mu.Unlock()
			if err := r.sleep(ctx, cfg.Interval, next, hasTimer); err != nil {
				return err
			}
		case CadenceIdle:
			runtime.Gosched()
		}
	}
}

// idleWait blocks until woken, the next timer is due, or ctx ends.
func (r *RunLoop) idleWait(ctx context.Context, next time.Time, hasTimer bool) error {
	var tc <-chan time.Time
	if hasTimer {
		t := time.NewTimer(time.Until(next))
		defer t.Stop()
		tc = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
	case <-tc:
	}
	return nil
}

// sleep waits d, cut short by an earlier timer.
func (r *RunLoop) sleep(ctx context.Context, d time.Duration, next time.Time, hasTimer bool) error {
	if hasTimer {
		if until := time.Until(next); until < d {
			d = until
		}
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

func (r *RunLoop) fireTimers() {
	r.mu.Lock()
	due := r.timers.popDue(time.Now())
	r.mu.Unlock()
	for _, e := range due {
		r.safeCall(e.fn)
	}
}

func (r *RunLoop) safeCall(fn func()) {
	_, err, panicked, stack := invoke(RepeatingFunc(func() (bool, error) {
		fn()
		return false, nil
	}))
	if err != nil {
		r.log.Error("timer callback panicked", logx.Any("err", err), logx.Bool("panic", panicked), logx.Stack(stack))
	}
}

// pass invokes every registered command once, in registration order.
func (r *RunLoop) pass() {
	r.mu.Lock()
	batch := r.cmds
	r.cmds = nil
	r.inPass = len(batch)
	r.mu.Unlock()

	keep := make([]RepeatingCommand, 0, len(batch))
	for _, cmd := range batch {
		more, err, panicked, stack := invoke(cmd)
		r.invocations.Add(1)
		if err != nil {
			r.failures.Add(1)
			f := CommandFailure{Command: cmd, Err: err, Error: err.Error(), Panic: panicked, Stack: stack}
			r.log.Warn("command failed; deregistered", logx.Any("err", err), logx.Bool("panic", panicked), logx.Stack(stack))
			eventbus.Publish(r.bus, eventbus.HostCommandFailed, f)
			continue
		}
		if more {
			keep = append(keep, cmd)
		}
	}
	r.passes.Add(1)

	r.mu.Lock()
	r.cmds = append(keep, r.cmds...)
	r.inPass = 0
	r.mu.Unlock()
}

func (r *RunLoop) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Running:     r.sup != nil,
		Cadence:     r.cfg.Cadence.String(),
		Interval:    r.cfg.Interval,
		Registered:  len(r.cmds) + r.inPass,
		Timers:      r.timers.len(),
		Passes:      r.passes.Load(),
		Invocations: r.invocations.Load(),
		Failures:    r.failures.Load(),
	}
}
