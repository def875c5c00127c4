package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	incrementsDesc = prometheus.NewDesc(
		"stepwise_increments_total",
		"Increments executed, by loop.",
		[]string{"loop"}, nil,
	)
	incrementSecondsDesc = prometheus.NewDesc(
		"stepwise_increment_seconds",
		"Increment duration statistics, by loop.",
		[]string{"loop", "stat"}, nil,
	)
	iterationsDesc = prometheus.NewDesc(
		"stepwise_iterations_total",
		"Work units completed, by loop.",
		[]string{"loop"}, nil,
	)
	failuresDesc = prometheus.NewDesc(
		"stepwise_failures_total",
		"Failed work units or commands, by loop.",
		[]string{"loop"}, nil,
	)
)

// Collector exports a Recorder's summaries to Prometheus at scrape time.
type Collector struct {
	r *Recorder
}

func NewCollector(r *Recorder) *Collector { return &Collector{r: r} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- incrementsDesc
	ch <- incrementSecondsDesc
	ch <- iterationsDesc
	ch <- failuresDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.r.Snapshot() {
		ch <- prometheus.MustNewConstMetric(incrementsDesc, prometheus.CounterValue, float64(s.Increments), s.Name)
		ch <- prometheus.MustNewConstMetric(iterationsDesc, prometheus.CounterValue, float64(s.Iterations), s.Name)
		ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(s.Failures), s.Name)
		for _, st := range []struct {
			stat string
			v    float64
		}{
			{"min", s.Min.Seconds()},
			{"max", s.Max.Seconds()},
			{"mean", s.Mean.Seconds()},
			{"p95", s.P95.Seconds()},
		} {
			ch <- prometheus.MustNewConstMetric(incrementSecondsDesc, prometheus.GaugeValue, st.v, s.Name, st.stat)
		}
	}
}
