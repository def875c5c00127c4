package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"stepwise/internal/config"
	"stepwise/internal/debug"
	"stepwise/internal/eventbus"
	"stepwise/internal/host"
	"stepwise/internal/incremental"
	"stepwise/internal/runtime/supervisor"
	"stepwise/internal/stats"
	"stepwise/internal/storage"
	"stepwise/internal/trigger"
	logx "stepwise/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *stats.Recorder

	host     *host.RunLoop
	triggers *trigger.Service
	persist  *incremental.Queue
	debug    *debug.Service
	watchdog *watchdog

	runs     runSet
	retrying atomic.Int64

	// applied is the config the workload triggers were last registered from.
	mu      sync.Mutex
	applied *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	lc, err := mapLoggingConfig(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(lc)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	rec := stats.NewRecorder(metrics.NewRegistry())

	hc, err := mapHostConfig(cfg)
	if err != nil {
		return nil, err
	}
	rl := host.NewRunLoop(hc, log.With(logx.String("comp", "host")), bus)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	trig, err := trigger.New(mapTriggerConfig(cfg), rl, log.With(logx.String("comp", "trigger")), bus)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		rec:      rec,
		host:     rl,
		triggers: trig,
	}
	a.persist, err = incremental.NewQueue(rl,
		incremental.WithQueueName("persist"),
		incremental.WithQueueLogger(log),
		incremental.WithQueueBus(bus),
		incremental.WithFailureHandler(a.persistFailed),
	)
	if err != nil {
		return nil, err
	}
	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = newDebugService(a, dc)
	a.applyWorkloads(cfg, workloadNames(cfg))
	return a, nil
}

// Done closes once the app is stopping, through Stop or a fatal goroutine error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal goroutine error, or nil.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// A reload is committed only if every section maps cleanly.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// The host outlives ctx: Stop drains runs through it before stopping it.
	a.host.Start(context.WithoutCancel(ctx))
	a.triggers.Start(ctx)
	a.startWatchdog()
	if cfg := a.cfgm.Get(); cfg != nil {
		if dc, err := mapDebugConfig(cfg); err == nil {
			a.debug.Reconfigure(ctx, dc)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case eventbus.HostCommandFailed, eventbus.QueueCommandFailed:
					a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				default:
					// Debug only: loop events fire on every run.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("workloads", len(a.triggers.Names())))
	return nil
}

// applyConfig applies a reloaded config to the running components.
func (a *App) applyConfig(newCfg *config.Config) {
	a.mu.Lock()
	lastApplied := a.applied
	a.mu.Unlock()

	sections, attrs, changedWorkloads := config.SummarizeConfigChange(lastApplied, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			lc, err := mapLoggingConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
				continue
			}
			a.logs.Apply(lc)
		case "host":
			hc, err := mapHostConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid host config; keeping previous", logx.Err(err))
				continue
			}
			a.host.Apply(hc)
		case "trigger":
			a.triggers.Apply(mapTriggerConfig(newCfg))
		case "debug":
			dc, err := mapDebugConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
				continue
			}
			a.debug.Reconfigure(a.sup.Context(), dc)
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "increment":
			// Every workload inheriting the default budget needs rebuilding.
			changedWorkloads = unionNames(changedWorkloads, workloadNames(lastApplied), workloadNames(newCfg))
		}
	}
	if len(changedWorkloads) > 0 {
		a.log.Debug("workload changes detected", logx.Any("workloads", changedWorkloads))
	}
	a.applyWorkloads(newCfg, changedWorkloads)
	a.log.Info("config reloaded", fields...)
}

// applyWorkloads re-registers the triggers of the named workloads from cfg.
// Runs of a changed workload are stopped; a removed or disabled workload
// only loses its trigger.
func (a *App) applyWorkloads(cfg *config.Config, names []string) {
	byName := make(map[string]config.WorkloadConfig, len(cfg.Workloads))
	for _, w := range cfg.Workloads {
		byName[strings.TrimSpace(w.Name)] = w
	}

	for _, name := range names {
		a.triggers.Remove(name)
		if n := a.runs.stop(name); n > 0 {
			a.log.Info("stopping runs of changed workload", logx.String("workload", name), logx.Int("runs", n))
		}
		w, ok := byName[name]
		if !ok || w.Disabled {
			continue
		}
		def, opt, err := mapWorkload(cfg, w)
		if err == nil {
			err = a.triggers.Add(name, w.Schedule, a.factory(def), opt)
		}
		if err != nil {
			a.log.Error("workload not scheduled", logx.String("workload", name), logx.Err(err))
			continue
		}
		a.log.Debug("workload scheduled", logx.String("workload", name), logx.String("kind", def.Kind), logx.Duration("budget", def.Budget))
	}

	a.mu.Lock()
	a.applied = cfg
	a.mu.Unlock()
}

func workloadNames(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Workloads))
	for _, w := range cfg.Workloads {
		out = append(out, strings.TrimSpace(w.Name))
	}
	return out
}

func unionNames(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, l := range lists {
		for _, n := range l {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// Fire starts a run of the named workload now, outside its schedule.
func (a *App) Fire(name string) error { return a.triggers.Fire(name) }

// RecentRuns returns stored run records, newest first. It returns nothing
// when storage is disabled.
func (a *App) RecentRuns(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.RecentRuns(ctx, name, limit)
}

// Snapshot is a diagnostic view of the running app.
type Snapshot struct {
	Host          host.Snapshot       `json:"host"`
	Triggers      trigger.Snapshot    `json:"triggers"`
	Stats         []stats.Summary     `json:"stats"`
	ActiveRuns    int                 `json:"active_runs"`
	Persist       QueueSnapshot       `json:"persist"`
	Supervisor    supervisor.Counters `json:"supervisor"`
	EventsDropped uint64              `json:"events_dropped"`
	DebugAddr     string              `json:"debug_addr,omitempty"`
}

type QueueSnapshot struct {
	Size     int    `json:"size"`
	Running  bool   `json:"running"`
	Executed uint64 `json:"executed"`
	Failed   uint64 `json:"failed"`
}

func (a *App) Snapshot() Snapshot {
	return Snapshot{
		Host:       a.host.Snapshot(),
		Triggers:   a.triggers.Snapshot(),
		Stats:      a.rec.Snapshot(),
		ActiveRuns: a.runs.count(),
		Persist: QueueSnapshot{
			Size:     a.persist.Size(),
			Running:  a.persist.IsRunning(),
			Executed: a.persist.Executed(),
			Failed:   a.persist.Failed(),
		},
		Supervisor:    a.sup.Counters(),
		EventsDropped: a.bus.Dropped(),
		DebugAddr:     a.debug.Addr(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so config watch/reload start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "runs", 3*time.Second, func(c context.Context) error {
		if n := a.runs.stop(""); n > 0 {
			a.log.Info("interrupting active runs", logx.Int("runs", n))
		}
		return a.drain(c, 2*time.Second)
	})
	a.step(ctx, "host", 2*time.Second, func(c context.Context) error {
		if a.watchdog != nil {
			a.watchdog.stop()
		}
		return a.host.Stop(c)
	})
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	for _, s := range a.rec.Snapshot() {
		a.log.Info("workload stats",
			logx.String("workload", s.Name),
			logx.Int64("increments", s.Increments),
			logx.Duration("max_increment", s.Max),
			logx.Duration("p95_increment", s.P95),
			logx.Int64("iterations", s.Iterations),
			logx.Int64("failures", s.Failures),
		)
	}
	if n := a.logs.AlertsDropped(); n > 0 {
		a.log.Warn("log alerts dropped by rate limit", logx.Int64("dropped", int64(n)))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Observe when/if the step eventually finishes.
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
