package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorGather(t *testing.T) {
	t.Parallel()
	r := NewRecorder(nil)
	r.Increment("sum", 2*time.Millisecond)
	r.Increment("sum", 4*time.Millisecond)
	r.Iterations("sum", 7)
	r.Failure("sum")

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(r))
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := map[string]*dto.MetricFamily{}
	for _, mf := range mfs {
		byName[mf.GetName()] = mf
	}

	counters := map[string]float64{
		"stepwise_increments_total": 2,
		"stepwise_iterations_total": 7,
		"stepwise_failures_total":   1,
	}
	for name, want := range counters {
		mf := byName[name]
		if mf == nil || len(mf.GetMetric()) != 1 {
			t.Fatalf("%s missing or wrong cardinality: %v", name, mf)
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}

	secs := byName["stepwise_increment_seconds"]
	if secs == nil || len(secs.GetMetric()) != 4 {
		t.Fatalf("stepwise_increment_seconds = %v, want 4 series", secs)
	}
	for _, m := range secs.GetMetric() {
		var stat string
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "stat" {
				stat = lp.GetValue()
			}
		}
		if stat == "max" {
			if got := m.GetGauge().GetValue(); got != 0.004 {
				t.Fatalf("max = %v, want 0.004", got)
			}
		}
	}
}

func TestCollectorEmpty(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(NewRecorder(nil)))
	mfs, err := reg.Gather()
	if err != nil || len(mfs) != 0 {
		t.Fatalf("Gather = %v, %v, want no families", mfs, err)
	}
}
