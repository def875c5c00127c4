package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Host controls how the run-loop paces passes over registered commands.
	Host HostConfig `json:"host"`

	// Increment holds defaults shared by every workload loop.
	Increment IncrementConfig `json:"increment"`

	// Trigger controls the cron/interval trigger service.
	Trigger TriggerConfig `json:"trigger"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Debug controls the optional debug HTTP listener (pprof, status, metrics).
	Debug DebugConfig `json:"debug"`

	Workloads []WorkloadConfig `json:"workloads"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "text" (default) or "json"; it applies to the console sink.
	Format   string          `json:"format,omitempty"`
	File     LoggingFile     `json:"file"`
	Sampling LoggingSampling `json:"sampling"`
	Alerts   LoggingAlerts   `json:"alerts"`
}

// LoggingSampling caps debug records at DebugBurst per Period (default "1s").
type LoggingSampling struct {
	DebugBurst int    `json:"debug_burst,omitempty"`
	Period     string `json:"period,omitempty"`
}

// LoggingAlerts mirrors warnings and errors to stderr, rate limited.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HostConfig controls the run-loop host.
//
// Cadence is one of "idle" (default), "fixed_delay" or "fixed_period".
// Interval is a Go duration string; it is the sleep after each pass for
// fixed_delay and the pass period for fixed_period.
type HostConfig struct {
	Cadence  string `json:"cadence,omitempty"`
	Interval string `json:"interval,omitempty"`
	Burst    int    `json:"burst,omitempty"`
}

type IncrementConfig struct {
	// Budget is the default increment time budget (Go duration string, default "50ms").
	Budget string `json:"budget,omitempty"`
}

type TriggerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	NoStartupSpread bool   `json:"no_startup_spread,omitempty"`
}

// StorageConfig controls the optional run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./stepwise.db", "retain": 500 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

// DebugConfig controls the debug HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// WorkloadConfig declares one scheduled workload.
//
// Params is decoded by the workload kind; see internal/workload.
type WorkloadConfig struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Schedule string `json:"schedule"`
	// Budget overrides increment.budget for this workload.
	Budget string `json:"budget,omitempty"`
	// Overlap is "skip_if_running" (default) or "allow".
	Overlap  string          `json:"overlap,omitempty"`
	Disabled bool            `json:"disabled,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON keeps workload entries as strict as the top level; the
// generic decoder does not carry DisallowUnknownFields into nested Unmarshalers.
func (w *WorkloadConfig) UnmarshalJSON(b []byte) error {
	type plain WorkloadConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*w = WorkloadConfig(p)
	return nil
}

// Validate checks fields that can be checked without knowing workload kinds.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown %q (use text or json)", c.Logging.Format))
	}
	if c.Logging.Sampling.DebugBurst < 0 {
		errs = append(errs, errors.New("logging.sampling.debug_burst: must be >= 0"))
	}
	if _, err := ParseDurationField("logging.sampling.period", c.Logging.Sampling.Period); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Alerts.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.alerts.rate_per_sec: must be >= 0"))
	}
	if _, err := ParseDurationField("host.interval", c.Host.Interval); err != nil {
		errs = append(errs, err)
	}
	if c.Host.Burst < 0 {
		errs = append(errs, errors.New("host.burst: must be >= 0"))
	}
	if _, err := ParseDurationField("increment.budget", c.Increment.Budget); err != nil {
		errs = append(errs, err)
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range [][2]string{
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f[0], f[1]); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Debug.MutexProfileFraction < 0 {
		errs = append(errs, errors.New("debug.mutex_profile_fraction: must be >= 0"))
	}
	if c.Debug.BlockProfileRate < 0 {
		errs = append(errs, errors.New("debug.block_profile_rate: must be >= 0"))
	}
	seen := map[string]struct{}{}
	for i, w := range c.Workloads {
		path := fmt.Sprintf("workloads[%d]", i)
		name := strings.TrimSpace(w.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		default:
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
			}
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(w.Kind) == "" {
			errs = append(errs, fmt.Errorf("%s.kind: required", path))
		}
		if strings.TrimSpace(w.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		if _, err := ParseDurationField(path+".budget", w.Budget); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(w.Overlap)) {
		case "", "skip_if_running", "allow":
		default:
			errs = append(errs, fmt.Errorf("%s.overlap: unknown policy %q", path, w.Overlap))
		}
	}
	return errors.Join(errs...)
}
