package config

import (
	"encoding/json"
	"sort"
	"strings"

	logx "stepwise/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the names of workloads that were
// added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.sampling.debug_burst", newCfg.Logging.Sampling.DebugBurst),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if trimHost(oldCfg.Host) != trimHost(newCfg.Host) {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.cadence", strings.TrimSpace(newCfg.Host.Cadence)),
			logx.String("host.interval", strings.TrimSpace(newCfg.Host.Interval)),
			logx.Int("host.burst", newCfg.Host.Burst),
		)
	}

	if strings.TrimSpace(oldCfg.Increment.Budget) != strings.TrimSpace(newCfg.Increment.Budget) {
		changed = append(changed, "increment")
		attrs = append(attrs, logx.String("increment.budget", strings.TrimSpace(newCfg.Increment.Budget)))
	}

	if strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) ||
		oldCfg.Trigger.NoStartupSpread != newCfg.Trigger.NoStartupSpread {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
			logx.Bool("trigger.no_startup_spread", newCfg.Trigger.NoStartupSpread),
		)
	}

	// Nil means disabled.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", nS.Path != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
			logx.Int("storage.retain", nS.Retain),
		)
	}

	if trimDebug(oldCfg.Debug) != trimDebug(newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	workloads := diffWorkloads(oldCfg.Workloads, newCfg.Workloads)
	if len(workloads) > 0 {
		changed = append(changed, "workloads")
		attrs = append(attrs,
			logx.Int("workloads.changed_count", len(workloads)),
			logx.Int("workloads.enabled_count", countEnabled(newCfg.Workloads)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, workloads
}

func trimHost(h HostConfig) HostConfig {
	h.Cadence = strings.ToLower(strings.TrimSpace(h.Cadence))
	h.Interval = strings.TrimSpace(h.Interval)
	return h
}

func trimDebug(d DebugConfig) DebugConfig {
	d.Addr = strings.TrimSpace(d.Addr)
	d.Token = strings.TrimSpace(d.Token)
	d.ReadTimeout = strings.TrimSpace(d.ReadTimeout)
	d.WriteTimeout = strings.TrimSpace(d.WriteTimeout)
	d.IdleTimeout = strings.TrimSpace(d.IdleTimeout)
	return d
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	out := *s
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	out.Path = strings.TrimSpace(out.Path)
	out.BusyTimeout = strings.TrimSpace(out.BusyTimeout)
	return out
}

func countEnabled(ws []WorkloadConfig) int {
	n := 0
	for _, w := range ws {
		if !w.Disabled {
			n++
		}
	}
	return n
}

func byName(ws []WorkloadConfig) map[string]WorkloadConfig {
	m := make(map[string]WorkloadConfig, len(ws))
	for _, w := range ws {
		m[strings.TrimSpace(w.Name)] = w
	}
	return m
}

func diffWorkloads(oldWs, newWs []WorkloadConfig) []string {
	oldM, newM := byName(oldWs), byName(newWs)
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !sameWorkload(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameWorkload(a, b WorkloadConfig) bool {
	return strings.TrimSpace(a.Kind) == strings.TrimSpace(b.Kind) &&
		strings.TrimSpace(a.Schedule) == strings.TrimSpace(b.Schedule) &&
		strings.TrimSpace(a.Budget) == strings.TrimSpace(b.Budget) &&
		strings.TrimSpace(a.Overlap) == strings.TrimSpace(b.Overlap) &&
		a.Disabled == b.Disabled &&
		canonicalHashJSON(a.Params) == canonicalHashJSON(b.Params)
}

// canonicalHashJSON hashes JSON after canonicalizing it, so whitespace and
// key order do not count as changes. Invalid JSON is hashed as raw bytes.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
