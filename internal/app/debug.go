package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stepwise/internal/debug"
	"stepwise/internal/stats"
	logx "stepwise/pkg/logx"
)

// debugBackend exposes the app to the debug endpoints.
type debugBackend struct{ *App }

func (b debugBackend) Status() any { return b.Snapshot() }

func newDebugService(a *App, cfg debug.Config) *debug.Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector(a.rec),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return debug.New(cfg, debugBackend{a}, metrics, a.log.With(logx.String("comp", "debug")))
}
