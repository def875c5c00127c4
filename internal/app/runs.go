package app

import (
	"context"
	"sync"
	"time"

	"stepwise/internal/eventbus"
	"stepwise/internal/host"
	"stepwise/internal/incremental"
	"stepwise/internal/storage"
	"stepwise/internal/timer"
	"stepwise/internal/trigger"
	"stepwise/internal/workload"
	logx "stepwise/pkg/logx"
)

const persistTimeout = 2 * time.Second

// runSet tracks the workload runs currently registered on the host.
type runSet struct {
	mu   sync.Mutex
	runs map[string]map[*workload.Run]struct{}
}

func (s *runSet) add(r *workload.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = map[string]map[*workload.Run]struct{}{}
	}
	m := s.runs[r.Name()]
	if m == nil {
		m = map[*workload.Run]struct{}{}
		s.runs[r.Name()] = m
	}
	m[r] = struct{}{}
}

func (s *runSet) remove(r *workload.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.runs[r.Name()]
	delete(m, r)
	if len(m) == 0 {
		delete(s.runs, r.Name())
	}
}

// stop interrupts the active runs called name, or every run when name is empty.
func (s *runSet) stop(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.runs {
		if name != "" && k != name {
			continue
		}
		for r := range m {
			r.Stop()
			n++
		}
	}
	return n
}

func (s *runSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.runs {
		n += len(m)
	}
	return n
}

// factory builds a fresh tracked run of def for every trigger firing.
func (a *App) factory(def workload.Definition) trigger.Factory {
	return func() (host.RepeatingCommand, error) {
		var run *workload.Run
		env := workload.Env{
			Log:      a.log.With(logx.String("comp", "workload")),
			Bus:      a.bus,
			Recorder: a.rec,
			OnFinished: func(r incremental.Report, err error) {
				a.runs.remove(run)
				a.recordRun(r, err)
			},
		}
		run, err := workload.Build(def, env)
		if err != nil {
			return nil, err
		}
		a.runs.add(run)
		return run, nil
	}
}

// persistCmd writes one run record. It runs on the host as a queued command.
type persistCmd struct {
	a   *App
	rec storage.RunRecord
}

func (c *persistCmd) Execute() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.a.store.AppendRun(ctx, c.rec); err != nil {
		return err
	}
	eventbus.Publish(c.a.bus, eventbus.RunRecorded, c.rec)
	return nil
}

func toRunRecord(r incremental.Report, err error) storage.RunRecord {
	rec := storage.RunRecord{
		Name:        r.Name,
		Started:     r.Started,
		Finished:    r.Finished,
		Iterations:  r.Iterations,
		Increments:  r.Increments,
		Interrupted: r.Interrupted,
		Total:       r.Total,
		MaxIncr:     r.Max,
		MeanIncr:    r.Mean,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rec.Finished.IsZero() {
		rec.Finished = time.Now()
	}
	return rec
}

func (a *App) recordRun(r incremental.Report, err error) {
	rec := toRunRecord(r, err)
	if err != nil {
		a.log.Warn("workload run failed", logx.String("workload", rec.Name), logx.Err(err))
	} else {
		a.log.Debug("workload run finished",
			logx.String("workload", rec.Name),
			logx.Int("iterations", rec.Iterations),
			logx.Int("increments", rec.Increments),
			logx.Bool("interrupted", rec.Interrupted),
			logx.Duration("max_increment", rec.MaxIncr),
		)
	}
	if a.store == nil {
		return
	}
	_ = a.persist.Add(&persistCmd{a: a, rec: rec})
}

// persistFailed hands a failed write to a RetryableCommand and keeps the queue going.
func (a *App) persistFailed(cmd incremental.Command, err error) bool {
	pc, ok := cmd.(*persistCmd)
	if !ok {
		a.log.Warn("persist command failed", logx.Err(err))
		return a.persist.Size() > 0
	}
	a.log.Warn("run record write failed; retrying", logx.String("workload", pc.rec.Name), logx.Err(err))

	a.retrying.Add(1)
	var once sync.Once
	done := func() { once.Do(func() { a.retrying.Add(-1) }) }
	retry := timer.NewRetryableCommand(a.host, pc.Execute,
		timer.WithRetryName("persist."+pc.rec.Name),
		timer.WithRetryLogger(a.log),
		timer.OnSuccess(done),
		timer.OnGiveUp(func(err error) {
			done()
			a.log.Error("run record dropped", logx.String("workload", pc.rec.Name), logx.Err(err))
		}),
	)
	retry.Run()
	return a.persist.Size() > 0
}

// idle reports whether no run, queued write or retry is outstanding.
func (a *App) idle() bool {
	return a.runs.count() == 0 &&
		a.persist.Size() == 0 &&
		!a.persist.IsRunning() &&
		a.retrying.Load() == 0
}

// drain waits, on the host, until idle or until timeout passes.
func (a *App) drain(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	w := timer.NewWaiter(a.host, a.idle, finish, timer.WaiterConfig{
		Interval:  10 * time.Millisecond,
		Timeout:   timeout,
		OnTimeout: finish,
	})
	a.host.ScheduleAfter(0, w.Start)
	select {
	case <-done:
		if w.State() == timer.TimedOut {
			a.log.Warn("drain timed out",
				logx.Int("runs", a.runs.count()),
				logx.Int("queued_records", a.persist.Size()),
			)
		}
		return nil
	case <-ctx.Done():
		w.Cancel()
		return ctx.Err()
	}
}
