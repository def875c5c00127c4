// Package incremental runs long computations as a series of short increments.
//
// Every primitive here is a host.RepeatingCommand: a host invokes Execute
// repeatedly, each call does a bounded amount of work and reports whether it
// wants to be invoked again. Work units are never interrupted; the increment
// budget is checked between units, after at least one unit ran.
//
// Loop, ForLoop and Job let work-unit errors escape from Execute so the host
// deals with them. Queue isolates failing commands and hands them to its
// failure handler instead.
package incremental

import (
	"fmt"
	"sync/atomic"
	"time"

	"stepwise/internal/clock"
	"stepwise/internal/eventbus"
	"stepwise/internal/stats"
	logx "stepwise/pkg/logx"
)

// Body supplies the work of a Loop.
type Body interface {
	HasMoreWork() bool
	LoopBody(i int) error
}

// LoopVariable is implemented by bodies whose loop variable is not the
// iteration ordinal.
type LoopVariable interface {
	LoopVariable(iteration int) int
}

// BodyFuncs adapts a pair of functions to Body.
type BodyFuncs struct {
	More func() bool
	Do   func(i int) error
}

func (b BodyFuncs) HasMoreWork() bool    { return b.More != nil && b.More() }
func (b BodyFuncs) LoopBody(i int) error { return b.Do(i) }

// Hooks are optional lifecycle callbacks. They run on the host goroutine.
type Hooks struct {
	LoopStarted       func()
	LoopFinished      func(interrupted bool)
	IncrementStarted  func()
	IncrementFinished func(d time.Duration)
}

// Report summarizes a loop's progress.
type Report struct {
	Name        string        `json:"name"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished,omitempty"`
	Iterations  int           `json:"iterations"`
	Increments  int           `json:"increments"`
	Interrupted bool          `json:"interrupted"`
	Total       time.Duration `json:"total"`
	Max         time.Duration `json:"max"`
	Mean        time.Duration `json:"mean"`
}

// Loop is the time-sliced iteration primitive.
//
// Apart from Stop and IsStopped, methods are meant to be called from the
// goroutine that runs Execute.
type Loop struct {
	name   string
	budget time.Duration
	clock  clock.Clock
	hooks  Hooks
	log    logx.Logger
	bus    eventbus.Bus
	rec    *stats.Recorder

	body     Body
	variable LoopVariable

	iterations  int
	durations   []time.Duration
	started     bool
	finished    bool
	interrupted bool
	startedAt   time.Time
	finishedAt  time.Time
	stopped     atomic.Bool

	// release runs once when the loop finishes or fails.
	release  func()
	released bool
}

// NewLoop creates a loop over body.
func NewLoop(body Body, opts ...Option) (*Loop, error) {
	if body == nil {
		return nil, ErrNilBody
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newLoop(body, o), nil
}

func newLoop(body Body, o options) *Loop {
	l := &Loop{
		name:   o.name,
		budget: o.budget,
		clock:  o.clock,
		hooks:  o.hooks,
		log:    o.log,
		bus:    o.bus,
		rec:    o.rec,
		body:   body,
	}
	if v, ok := body.(LoopVariable); ok {
		l.variable = v
	}
	if !l.log.IsZero() && l.name != "" {
		l.log = l.log.With(logx.String("loop", l.name))
	}
	return l
}

// Execute runs one increment. It returns true while the loop wants to be
// invoked again.
func (l *Loop) Execute() (bool, error) {
	if l.finished {
		return false, nil
	}
	if l.stopped.Load() {
		if l.started {
			l.finish(true)
		} else {
			l.finished = true
			l.interrupted = true
			l.releaseOnce()
		}
		return false, nil
	}
	if !l.started {
		l.started = true
		l.startedAt = l.clock.Now()
		if l.hooks.LoopStarted != nil {
			l.hooks.LoopStarted()
		}
		eventbus.Publish(l.bus, eventbus.LoopStarted, l.name)
		l.log.Debug("loop started", logx.Duration("budget", l.budget))
	}

	if l.hooks.IncrementStarted != nil {
		l.hooks.IncrementStarted()
	}
	sw := clock.Start(l.clock)

	for l.body.HasMoreWork() {
		v := l.iterations
		if l.variable != nil {
			v = l.variable.LoopVariable(l.iterations)
		}
		if err := l.body.LoopBody(v); err != nil {
			return false, l.fail(sw.Elapsed(), err)
		}
		l.iterations++

		if d := sw.Elapsed(); d >= l.budget {
			l.endIncrement(d)
			if l.body.HasMoreWork() {
				return true, nil
			}
			l.finish(false)
			return false, nil
		}
	}

	l.endIncrement(sw.Elapsed())
	l.finish(false)
	return false, nil
}

func (l *Loop) endIncrement(d time.Duration) {
	l.durations = append(l.durations, d)
	l.rec.Increment(l.name, d)
	if l.hooks.IncrementFinished != nil {
		l.hooks.IncrementFinished(d)
	}
}

func (l *Loop) finish(interrupted bool) {
	if l.finished {
		return
	}
	l.finished = true
	l.interrupted = interrupted
	l.finishedAt = l.clock.Now()
	l.rec.Iterations(l.name, l.iterations)
	if l.hooks.LoopFinished != nil {
		l.hooks.LoopFinished(interrupted)
	}
	l.releaseOnce()

	r := l.Report()
	eventbus.Publish(l.bus, eventbus.LoopFinished, r)
	l.log.Debug("loop finished",
		logx.Int("iterations", r.Iterations),
		logx.Int("increments", r.Increments),
		logx.Bool("interrupted", interrupted),
		logx.Duration("max_increment", r.Max),
	)
}

// fail closes the current increment and wraps err with the loop position.
// The loop is left unfinished: the host owns the failure.
func (l *Loop) fail(d time.Duration, err error) error {
	l.endIncrement(d)
	l.rec.Failure(l.name)
	l.releaseOnce()
	name := l.name
	if name == "" {
		name = "loop"
	}
	return fmt.Errorf("%s: iteration %d: %w", name, l.iterations, err)
}

func (l *Loop) releaseOnce() {
	if l.released || l.release == nil {
		return
	}
	l.released = true
	l.release()
}

// Stop asks the loop to end. It takes effect at the start of the next
// Execute; calling it again, or after the loop finished, has no effect.
// Safe for concurrent use.
func (l *Loop) Stop() { l.stopped.Store(true) }

func (l *Loop) IsStopped() bool { return l.stopped.Load() }

// IsFinished reports whether the body has no more work. A stopped loop with
// remaining work is not finished.
func (l *Loop) IsFinished() bool { return !l.body.HasMoreWork() }

// IsInterrupted reports whether the loop ended because of Stop.
func (l *Loop) IsInterrupted() bool { return l.finished && l.interrupted }

func (l *Loop) IsStarted() bool { return l.started }

func (l *Loop) Name() string { return l.name }

func (l *Loop) Budget() time.Duration { return l.budget }

func (l *Loop) IterationCount() int { return l.iterations }

func (l *Loop) IncrementCount() int { return len(l.durations) }

// IncrementDurations returns the recorded durations in chronological order.
func (l *Loop) IncrementDurations() []time.Duration {
	return append([]time.Duration(nil), l.durations...)
}

func (l *Loop) Report() Report {
	r := Report{
		Name:        l.name,
		Started:     l.startedAt,
		Finished:    l.finishedAt,
		Iterations:  l.iterations,
		Increments:  len(l.durations),
		Interrupted: l.finished && l.interrupted,
	}
	for _, d := range l.durations {
		r.Total += d
		if d > r.Max {
			r.Max = d
		}
	}
	if r.Increments > 0 {
		r.Mean = r.Total / time.Duration(r.Increments)
	}
	return r
}
