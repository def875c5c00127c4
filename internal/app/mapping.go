package app

import (
	"fmt"
	"strings"
	"time"

	"stepwise/internal/config"
	"stepwise/internal/debug"
	"stepwise/internal/host"
	"stepwise/internal/incremental"
	"stepwise/internal/storage"
	"stepwise/internal/trigger"
	"stepwise/internal/workload"
	logx "stepwise/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	period, err := config.ParseDurationOrDefault("logging.sampling.period", lc.Sampling.Period, time.Second)
	if err != nil {
		return logx.Config{}, err
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Format:  strings.ToLower(strings.TrimSpace(lc.Format)),
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Sampling: logx.SamplingConfig{
			DebugBurst: lc.Sampling.DebugBurst,
			Period:     period,
		},
		Alerts: logx.AlertsConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}, nil
}

func mapHostConfig(cfg *config.Config) (host.Config, error) {
	cad, err := host.ParseCadence(cfg.Host.Cadence)
	if err != nil {
		return host.Config{}, fmt.Errorf("host.cadence: %w", err)
	}
	interval, err := config.ParseDurationField("host.interval", cfg.Host.Interval)
	if err != nil {
		return host.Config{}, err
	}
	return host.Config{Cadence: cad, Interval: interval, Burst: cfg.Host.Burst}, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Timezone:        strings.TrimSpace(cfg.Trigger.Timezone),
		NoStartupSpread: cfg.Trigger.NoStartupSpread,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retain: sc.Retain}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	readTO, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// 0 leaves writes unbounded; pprof profile and trace stream for a while.
	writeTO, err := config.ParseDurationField("debug.write_timeout", dc.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	idleTO, err := config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          readTO,
		WriteTimeout:         writeTO,
		IdleTimeout:          idleTO,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	if err := debug.Validate(out); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}

func mapOverlap(raw string) trigger.OverlapPolicy {
	if strings.EqualFold(strings.TrimSpace(raw), "allow") {
		return trigger.OverlapAllow
	}
	return trigger.OverlapSkipIfRunning
}

// mapWorkload resolves one workload entry into its definition and trigger options.
func mapWorkload(cfg *config.Config, w config.WorkloadConfig) (workload.Definition, trigger.Options, error) {
	budget, err := cfg.WorkloadBudget(w, incremental.DefaultBudget)
	if err != nil {
		return workload.Definition{}, trigger.Options{}, err
	}
	def := workload.Definition{
		Name:   strings.TrimSpace(w.Name),
		Kind:   w.Kind,
		Budget: budget,
		Params: w.Params,
	}
	return def, trigger.Options{Overlap: mapOverlap(w.Overlap)}, nil
}

// validateConfig rejects configs the running app could not apply.
// config.Validate has already checked field syntax.
func validateConfig(cfg *config.Config) error {
	if _, err := mapLoggingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHostConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	for _, w := range cfg.Workloads {
		def, _, err := mapWorkload(cfg, w)
		if err != nil {
			return err
		}
		if err := workload.Validate(def); err != nil {
			return err
		}
		if _, err := trigger.ParseSchedule(w.Schedule); err != nil {
			return fmt.Errorf("workload %s: schedule: %w", def.Name, err)
		}
	}
	return nil
}
