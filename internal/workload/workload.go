// Package workload builds the incremental commands the daemon schedules.
//
// A workload kind turns a Definition into a fresh Run each time its trigger
// fires. Runs are ordinary host.RepeatingCommands backed by a ForLoop or Job.
package workload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stepwise/internal/clock"
	"stepwise/internal/eventbus"
	"stepwise/internal/host"
	"stepwise/internal/incremental"
	"stepwise/internal/stats"
	logx "stepwise/pkg/logx"
)

var (
	ErrUnknownKind  = errors.New("workload: unknown kind")
	ErrNameRequired = errors.New("workload: name required")
)

// Definition is one configured workload.
type Definition struct {
	Name   string
	Kind   string
	Budget time.Duration
	Params json.RawMessage
}

// Env carries the shared dependencies of every run.
type Env struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Recorder *stats.Recorder
	Clock    clock.Clock

	// OnFinished is called once per run, when it completes, is stopped or
	// fails. err is the failure returned to the host, if any.
	OnFinished func(r incremental.Report, err error)
}

func (e Env) loopOptions(def Definition) []incremental.Option {
	return []incremental.Option{
		incremental.WithName(def.Name),
		incremental.WithBudget(def.Budget),
		incremental.WithClock(e.Clock),
		incremental.WithLogger(e.Log),
		incremental.WithBus(e.Bus),
		incremental.WithRecorder(e.Recorder),
	}
}

// builder decodes params and constructs the loop of one run.
type builder interface {
	validate(params json.RawMessage) error
	build(def Definition, env Env) (built, error)
}

type built struct {
	loop   *incremental.Loop
	cmd    host.RepeatingCommand
	result func() any
}

var (
	kindsMu sync.RWMutex
	kinds   = map[string]builder{}
)

func register(kind string, b builder) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = b
}

func lookup(kind string) (builder, error) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	b, ok := kinds[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return b, nil
}

// Kinds lists the registered workload kinds, sorted.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks that def names a known kind with decodable params.
func Validate(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return ErrNameRequired
	}
	b, err := lookup(def.Kind)
	if err != nil {
		return err
	}
	if err := b.validate(def.Params); err != nil {
		return fmt.Errorf("workload %s: %w", def.Name, err)
	}
	return nil
}

// Build creates a fresh run of def.
func Build(def Definition, env Env) (*Run, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, ErrNameRequired
	}
	b, err := lookup(def.Kind)
	if err != nil {
		return nil, err
	}
	bt, err := b.build(def, env)
	if err != nil {
		return nil, fmt.Errorf("workload %s: %w", def.Name, err)
	}
	return &Run{
		name:       def.Name,
		kind:       def.Kind,
		loop:       bt.loop,
		cmd:        bt.cmd,
		result:     bt.result,
		onFinished: env.OnFinished,
	}, nil
}

// decodeParams strictly decodes raw into v. Empty params keep v unchanged.
func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// Run is one execution of a workload.
type Run struct {
	name string
	kind string
	loop *incremental.Loop
	cmd  host.RepeatingCommand

	result     func() any
	onFinished func(incremental.Report, error)
	reported   bool
}

func (r *Run) Execute() (bool, error) {
	defer func() {
		if p := recover(); p != nil {
			r.report(fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()
	more, err := r.cmd.Execute()
	if err != nil || !more {
		r.report(err)
	}
	return more, err
}

func (r *Run) report(err error) {
	if r.reported {
		return
	}
	r.reported = true
	if r.onFinished != nil {
		r.onFinished(r.loop.Report(), err)
	}
}

// Stop interrupts the run at its next increment. Safe for concurrent use.
func (r *Run) Stop() { r.loop.Stop() }

func (r *Run) Name() string { return r.name }

func (r *Run) Kind() string { return r.kind }

// Report is only safe on the host goroutine or after the run finished.
func (r *Run) Report() incremental.Report { return r.loop.Report() }

// Result returns the kind-specific outcome (CountResult, DigestResult).
// Like Report, read it from the host goroutine or after the run finished.
func (r *Run) Result() any {
	if r.result == nil {
		return nil
	}
	return r.result()
}
