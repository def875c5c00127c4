// Package stats records increment durations and iteration counts.
//
// It is a thin layer over go-metrics: every named loop gets a Timer for its
// increment durations plus Counters for iterations and failures. The layer
// keeps the registry out of callers' hands so the backing library can change.
package stats

import (
	"sort"
	"strings"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

const (
	incrementSuffix  = ".increment"
	iterationsSuffix = ".iterations"
	failuresSuffix   = ".failures"
)

// Recorder collects per-loop samples. A nil *Recorder is a no-op.
type Recorder struct {
	registry metrics.Registry

	mu    sync.Mutex
	names map[string]struct{}
}

// Summary is a point-in-time view of one loop's samples.
type Summary struct {
	Name       string        `json:"name"`
	Increments int64         `json:"increments"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Mean       time.Duration `json:"mean"`
	P95        time.Duration `json:"p95"`
	Iterations int64         `json:"iterations"`
	Failures   int64         `json:"failures"`
}

// NewRecorder creates a recorder on r, or on a private registry when r is nil.
func NewRecorder(r metrics.Registry) *Recorder {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Recorder{registry: r, names: map[string]struct{}{}}
}

// Registry exposes the backing registry (for exporters).
func (r *Recorder) Registry() metrics.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) note(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "anonymous"
	}
	r.mu.Lock()
	r.names[name] = struct{}{}
	r.mu.Unlock()
	return name
}

// Increment records the duration of one increment of the named loop.
func (r *Recorder) Increment(name string, d time.Duration) {
	if r == nil {
		return
	}
	name = r.note(name)
	metrics.GetOrRegisterTimer(name+incrementSuffix, r.registry).Update(d)
}

// Iterations adds n completed work units to the named loop.
func (r *Recorder) Iterations(name string, n int) {
	if r == nil || n <= 0 {
		return
	}
	name = r.note(name)
	metrics.GetOrRegisterCounter(name+iterationsSuffix, r.registry).Inc(int64(n))
}

// Failure counts one failed work unit or command.
func (r *Recorder) Failure(name string) {
	if r == nil {
		return
	}
	name = r.note(name)
	metrics.GetOrRegisterCounter(name+failuresSuffix, r.registry).Inc(1)
}

// Summary returns the samples recorded for one name.
func (r *Recorder) Summary(name string) Summary {
	s := Summary{Name: name}
	if r == nil {
		return s
	}
	if v, ok := r.registry.Get(name + incrementSuffix).(metrics.Timer); ok {
		t := v.Snapshot()
		s.Increments = t.Count()
		if s.Increments > 0 {
			s.Min = time.Duration(t.Min())
			s.Max = time.Duration(t.Max())
			s.Mean = time.Duration(t.Mean())
			s.P95 = time.Duration(t.Percentile(0.95))
		}
	}
	if v, ok := r.registry.Get(name + iterationsSuffix).(metrics.Counter); ok {
		s.Iterations = v.Count()
	}
	if v, ok := r.registry.Get(name + failuresSuffix).(metrics.Counter); ok {
		s.Failures = v.Count()
	}
	return s
}

// Snapshot returns summaries for every recorded name, sorted by name.
func (r *Recorder) Snapshot() []Summary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, n := range names {
		out = append(out, r.Summary(n))
	}
	return out
}
