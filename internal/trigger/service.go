// Package trigger starts incremental commands on a schedule.
//
// Each firing builds a fresh host.RepeatingCommand through the trigger's
// factory and registers it on the host. Triggers only decide when work starts;
// the host decides how it is sliced.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"stepwise/internal/eventbus"
	"stepwise/internal/host"
	logx "stepwise/pkg/logx"
)

var (
	ErrNilHost      = errors.New("trigger: nil host")
	ErrNilFactory   = errors.New("trigger: nil factory")
	ErrNameRequired = errors.New("trigger: name required")
	ErrUnknown      = errors.New("trigger: unknown trigger")
	ErrOverlapSkip  = errors.New("trigger: skipped, previous run still registered")
)

// Factory builds the command for one firing.
type Factory func() (host.RepeatingCommand, error)

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip_if_running"
}

type Options struct {
	Overlap OverlapPolicy
}

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// NoStartupSpread disables the random first-run delay of interval triggers.
	NoStartupSpread bool
}

// Event is the payload of trigger.fired and trigger.skipped events.
type Event struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	Reason string `json:"reason,omitempty"`
}

type def struct {
	name    string
	spec    ParsedSpec
	factory Factory
	opt     Options
	entryID cron.EntryID
	spread  time.Duration

	active  atomic.Int64
	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	host host.Scheduler
	cfg  Config
	loc  *time.Location

	parser  cron.Parser
	c       *cron.Cron
	ctx     context.Context
	unwatch func() bool
	defs    []*def
}

func New(cfg Config, h host.Scheduler, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if h == nil {
		return nil, ErrNilHost
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		host: h,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}, nil
}

// Add registers (or replaces) the trigger called name.
func (s *Service) Add(name, schedule string, factory Factory, opt Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if factory == nil {
		return ErrNilFactory
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("trigger %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, factory: factory, opt: opt}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
		s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", ps.Spec()), logx.Duration("spread", d.spread))
	}
	return nil
}

// Remove drops the trigger called name. Commands it already started keep running.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("trigger removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

// Names returns the registered trigger names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() { _ = s.fire(d) })
	if d.spec.Kind == SpecInterval && !s.cfg.NoStartupSpread {
		sched, jitter := spreadInterval(d.spec.Every, time.Now().In(s.location()), d.name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.spec.Spec(), job)
	if err != nil {
		return fmt.Errorf("trigger %s: schedule %q: %w", d.name, d.spec.Spec(), err)
	}
	d.entryID = id
	return nil
}

// Fire runs the trigger called name now, outside its schedule.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	var d *def
	for _, x := range s.defs {
		if x.name == name {
			d = x
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return s.fire(d)
}

func (s *Service) fire(d *def) error {
	spec := d.spec.Spec()
	// Claim the run slot before building so concurrent firings cannot both pass.
	claimed := d.opt.Overlap == OverlapSkipIfRunning
	if claimed && !d.active.CompareAndSwap(0, 1) {
		d.skipped.Add(1)
		s.log.Debug("trigger skipped", logx.String("name", d.name), logx.Int64("active", d.active.Load()))
		eventbus.Publish(s.bus, eventbus.TriggerSkipped, Event{Name: d.name, Spec: spec, Reason: "running"})
		return ErrOverlapSkip
	}
	cmd, err := d.factory()
	if err == nil && cmd == nil {
		err = errors.New("factory returned nil command")
	}
	if err != nil {
		if claimed {
			d.active.Add(-1)
		}
		d.failed.Add(1)
		s.log.Warn("trigger factory failed", logx.String("name", d.name), logx.Err(err))
		return fmt.Errorf("trigger %s: %w", d.name, err)
	}

	if !claimed {
		d.active.Add(1)
	}
	d.fired.Add(1)
	s.host.ScheduleRepeating(&tracked{cmd: cmd, d: d})
	s.log.Debug("trigger fired", logx.String("name", d.name))
	eventbus.Publish(s.bus, eventbus.TriggerFired, Event{Name: d.name, Spec: spec})
	return nil
}

// tracked counts a command as active until the host deregisters it.
type tracked struct {
	cmd      host.RepeatingCommand
	d        *def
	released atomic.Bool
}

func (t *tracked) Execute() (more bool, err error) {
	end := true
	defer func() {
		if end && t.released.CompareAndSwap(false, true) {
			t.d.active.Add(-1)
		}
	}()
	more, err = t.cmd.Execute()
	end = err != nil || !more
	return more, err
}

// Start begins cron triggering. It is idempotent. Cancelling ctx stops
// the scheduler as Stop would, without waiting for in-flight firings.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Warn("trigger not scheduled", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	if s.ctx != nil {
		c := s.c
		s.unwatch = context.AfterFunc(s.ctx, func() { s.stopCron(c) })
	}
}

// stopCron stops c if it is still the running scheduler.
func (s *Service) stopCron(c *cron.Cron) {
	s.mu.Lock()
	if s.c != c {
		s.mu.Unlock()
		return
	}
	s.detachLocked()
	s.mu.Unlock()
	c.Stop()
	s.log.Info("trigger service stopped", logx.String("reason", "context done"))
}

// detachLocked forgets the running scheduler and returns it.
func (s *Service) detachLocked() *cron.Cron {
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	return c
}

// Stop ends cron triggering and waits for in-flight firings (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.detachLocked()
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// Apply swaps the config; a timezone change re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil || (strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) && old.NoStartupSpread == cfg.NoStartupSpread) {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) location() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocation()
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Info describes one trigger.
type Info struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Source  string        `json:"source"`
	Overlap string        `json:"overlap"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Active  int64         `json:"active"`
	Fired   uint64        `json:"fired"`
	Skipped uint64        `json:"skipped"`
	Failed  uint64        `json:"failed"`
}

type Snapshot struct {
	Running  bool   `json:"running"`
	Timezone string `json:"timezone"`
	Triggers []Info `json:"triggers"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.location().String()}
	for _, d := range s.defs {
		it := Info{
			Name:    d.name,
			Spec:    d.spec.Spec(),
			Source:  d.spec.Source,
			Overlap: d.opt.Overlap.String(),
			Spread:  d.spread,
			Active:  d.active.Load(),
			Fired:   d.fired.Load(),
			Skipped: d.skipped.Load(),
			Failed:  d.failed.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Triggers = append(snap.Triggers, it)
	}
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].Name < snap.Triggers[j].Name })
	return snap
}
