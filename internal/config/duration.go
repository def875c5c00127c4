package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// WorkloadBudget resolves the increment budget of w: its own budget, else
// increment.budget, else def.
func (c *Config) WorkloadBudget(w WorkloadConfig, def time.Duration) (time.Duration, error) {
	base, err := ParseDurationOrDefault("increment.budget", c.Increment.Budget, def)
	if err != nil {
		return 0, err
	}
	return ParseDurationOrDefault("workloads."+w.Name+".budget", w.Budget, base)
}
