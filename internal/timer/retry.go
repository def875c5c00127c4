package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"stepwise/internal/clock"
	"stepwise/internal/host"
	logx "stepwise/pkg/logx"
)

// RetryState is the lifecycle of a RetryableCommand.
type RetryState int

const (
	RetryIdle RetryState = iota
	RetryPending
	RetrySucceeded
	RetryGaveUp
	RetryCanceled
)

func (s RetryState) String() string {
	switch s {
	case RetryIdle:
		return "idle"
	case RetryPending:
		return "pending"
	case RetrySucceeded:
		return "succeeded"
	case RetryGaveUp:
		return "gave_up"
	case RetryCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type retryOptions struct {
	name      string
	policy    backoff.BackOff
	clock     clock.Clock
	log       logx.Logger
	onSuccess func()
	onGiveUp  func(err error)
}

type RetryOption func(*retryOptions)

func WithRetryName(name string) RetryOption { return func(o *retryOptions) { o.name = name } }

// WithPolicy sets the delay policy. backoff.Stop from the policy ends retrying.
func WithPolicy(b backoff.BackOff) RetryOption { return func(o *retryOptions) { o.policy = b } }

// WithRetryClock is used by the default exponential policy.
func WithRetryClock(c clock.Clock) RetryOption { return func(o *retryOptions) { o.clock = c } }

func WithRetryLogger(log logx.Logger) RetryOption { return func(o *retryOptions) { o.log = log } }

func OnSuccess(fn func()) RetryOption { return func(o *retryOptions) { o.onSuccess = fn } }

func OnGiveUp(fn func(err error)) RetryOption { return func(o *retryOptions) { o.onGiveUp = fn } }

// DefaultPolicy is an exponential backoff starting at 100ms, capped at 10s,
// giving up after 5 retries.
func DefaultPolicy(c clock.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	if c != nil {
		b.Clock = c
	}
	return backoff.WithMaxRetries(b, 5)
}

// RetryableCommand runs a fallible function, retrying on the host's timers
// until it succeeds or the policy gives up.
type RetryableCommand struct {
	name      string
	timers    host.Timers
	fn        func() error
	policy    backoff.BackOff
	log       logx.Logger
	onSuccess func()
	onGiveUp  func(err error)

	mu       sync.Mutex
	state    RetryState
	attempts int
	lastErr  error
	cancel   func()
}

func NewRetryableCommand(t host.Timers, fn func() error, opts ...RetryOption) *RetryableCommand {
	o := retryOptions{name: "retry"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.policy == nil {
		o.policy = DefaultPolicy(o.clock)
	}
	r := &RetryableCommand{
		name:      o.name,
		timers:    t,
		fn:        fn,
		policy:    o.policy,
		log:       o.log,
		onSuccess: o.onSuccess,
		onGiveUp:  o.onGiveUp,
	}
	if !r.log.IsZero() {
		r.log = r.log.With(logx.String("retry", r.name))
	}
	return r
}

// Run makes the first attempt immediately. It is a no-op while a retry is pending.
func (r *RetryableCommand) Run() {
	r.mu.Lock()
	if r.state == RetryPending {
		r.mu.Unlock()
		return
	}
	r.state = RetryPending
	r.attempts = 0
	r.lastErr = nil
	r.policy.Reset()
	r.mu.Unlock()
	r.attempt()
}

func (r *RetryableCommand) attempt() {
	r.mu.Lock()
	if r.state != RetryPending {
		r.mu.Unlock()
		return
	}
	r.attempts++
	n := r.attempts
	r.cancel = nil
	r.mu.Unlock()

	err := call(r.fn)
	if err == nil {
		if r.settle(RetrySucceeded, nil) && r.onSuccess != nil {
			r.onSuccess()
		}
		return
	}

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		r.log.Warn("giving up", logx.Int("attempts", n), logx.Err(err))
		if r.settle(RetryGaveUp, err) && r.onGiveUp != nil {
			r.onGiveUp(err)
		}
		return
	}
	r.log.Debug("attempt failed; retrying", logx.Int("attempt", n), logx.Duration("delay", d), logx.Err(err))

	cancel := r.timers.ScheduleAfter(d, r.attempt)
	r.mu.Lock()
	if r.state == RetryPending {
		r.cancel = cancel
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	cancel()
}

func (r *RetryableCommand) settle(s RetryState, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RetryPending {
		return false
	}
	r.state = s
	if err != nil {
		r.lastErr = err
	}
	return true
}

func call(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// Cancel drops a pending retry. Callbacks do not run.
func (r *RetryableCommand) Cancel() {
	r.mu.Lock()
	if r.state != RetryPending {
		r.mu.Unlock()
		return
	}
	r.state = RetryCanceled
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *RetryableCommand) Name() string { return r.name }

func (r *RetryableCommand) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Err returns the last attempt's error.
func (r *RetryableCommand) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *RetryableCommand) State() RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
