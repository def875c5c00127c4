package incremental

import (
	"time"

	"stepwise/internal/clock"
	"stepwise/internal/eventbus"
	"stepwise/internal/stats"
	logx "stepwise/pkg/logx"
)

// DefaultBudget is the increment budget used when none is configured.
const DefaultBudget = 50 * time.Millisecond

type options struct {
	name   string
	budget time.Duration
	clock  clock.Clock
	hooks  Hooks
	log    logx.Logger
	bus    eventbus.Bus
	rec    *stats.Recorder
}

// Option configures a Loop (and therefore a ForLoop or Job).
type Option func(*options)

func defaultOptions() options {
	return options{budget: DefaultBudget, clock: clock.Real()}
}

// WithName labels the loop in logs, events and stats.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithBudget sets the soft time limit of one increment. Values <= 0 keep the default.
func WithBudget(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.budget = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus publishes loop.started and loop.finished events.
func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

// WithRecorder records increment durations, iteration totals and failures.
func WithRecorder(r *stats.Recorder) Option { return func(o *options) { o.rec = r } }
