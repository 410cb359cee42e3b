package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Platform option defaults.
const (
	DefaultRetryAttempts         = 3
	DefaultStreamPollingInterval = 60  // seconds
	DefaultMaxStreams            = 0   // unlimited
	DefaultFullCheckInterval     = 300 // seconds
)

// PlatformConfig is the normalized YouTube ingestion configuration.
type PlatformConfig struct {
	Enabled               bool
	Username              string // channel handle, with or without "@"
	RetryAttempts         int    // >= 1
	StreamPollingInterval int    // seconds, >= 1
	MaxStreams            int    // >= 0, 0 = unlimited
	FullCheckInterval     int    // seconds, >= 1
	DataLoggingEnabled    bool
	DataLoggingPath       string // empty = no path
}

// Issue is one repaired or rejected option.
type Issue struct {
	Key     string
	Value   any
	Message string
}

func (i Issue) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", i.Key, i.Value, i.Message)
}

// DefaultPlatform returns the configuration used when no option is set.
func DefaultPlatform() PlatformConfig {
	return PlatformConfig{
		RetryAttempts:         DefaultRetryAttempts,
		StreamPollingInterval: DefaultStreamPollingInterval,
		MaxStreams:            DefaultMaxStreams,
		FullCheckInterval:     DefaultFullCheckInterval,
	}
}

// PollInterval returns StreamPollingInterval as a duration.
func (c PlatformConfig) PollInterval() time.Duration {
	return time.Duration(c.StreamPollingInterval) * time.Second
}

// FullCheck returns FullCheckInterval as a duration.
func (c PlatformConfig) FullCheck() time.Duration {
	return time.Duration(c.FullCheckInterval) * time.Second
}

// IsConfigured reports whether monitoring can start.
func (c PlatformConfig) IsConfigured() bool {
	return c.Enabled && strings.TrimSpace(c.Username) != ""
}

// Validate checks an already-normalized config. It reports every problem
// instead of stopping at the first one.
func (c PlatformConfig) Validate() []Issue {
	var issues []Issue
	if c.Enabled && strings.TrimSpace(c.Username) == "" {
		issues = append(issues, Issue{Key: "username", Value: c.Username, Message: "username is required when enabled"})
	}
	if c.RetryAttempts < 1 {
		issues = append(issues, Issue{Key: "retryAttempts", Value: c.RetryAttempts, Message: "must be >= 1"})
	}
	if c.StreamPollingInterval < 1 {
		issues = append(issues, Issue{Key: "streamPollingInterval", Value: c.StreamPollingInterval, Message: "must be >= 1"})
	}
	if c.MaxStreams < 0 {
		issues = append(issues, Issue{Key: "maxStreams", Value: c.MaxStreams, Message: "must be >= 0"})
	}
	if c.FullCheckInterval < 1 {
		issues = append(issues, Issue{Key: "fullCheckInterval", Value: c.FullCheckInterval, Message: "must be >= 1"})
	}
	if c.DataLoggingEnabled && strings.TrimSpace(c.DataLoggingPath) == "" {
		issues = append(issues, Issue{Key: "dataLoggingPath", Value: c.DataLoggingPath, Message: "data logging path is required when data logging is enabled"})
	}
	return issues
}

// NormalizePlatform builds a PlatformConfig from loosely typed options.
// Unknown keys are ignored, string numerics and booleans are coerced and
// invalid values are replaced by defaults. Every repair is returned as an Issue.
func NormalizePlatform(raw map[string]any) (PlatformConfig, []Issue) {
	cfg := DefaultPlatform()
	var issues []Issue

	if v, ok := raw["enabled"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			issues = append(issues, Issue{Key: "enabled", Value: v, Message: err.Error()})
		} else {
			cfg.Enabled = b
		}
	}
	if v, ok := raw["username"]; ok && v != nil {
		cfg.Username = strings.TrimSpace(fmt.Sprint(v))
	}
	if v, ok := raw["dataLoggingEnabled"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			issues = append(issues, Issue{Key: "dataLoggingEnabled", Value: v, Message: err.Error()})
		} else {
			cfg.DataLoggingEnabled = b
		}
	}
	if v, ok := raw["dataLoggingPath"]; ok && v != nil {
		cfg.DataLoggingPath = strings.TrimSpace(fmt.Sprint(v))
	}

	ints := []struct {
		key string
		min int
		dst *int
		def int
	}{
		{"retryAttempts", 1, &cfg.RetryAttempts, DefaultRetryAttempts},
		{"streamPollingInterval", 1, &cfg.StreamPollingInterval, DefaultStreamPollingInterval},
		{"maxStreams", 0, &cfg.MaxStreams, DefaultMaxStreams},
		{"fullCheckInterval", 1, &cfg.FullCheckInterval, DefaultFullCheckInterval},
	}
	for _, f := range ints {
		v, ok := raw[f.key]
		if !ok || v == nil {
			continue
		}
		n, err := coerceInt(v)
		if err != nil {
			issues = append(issues, Issue{Key: f.key, Value: v, Message: fmt.Sprintf("%v; using default %d", err, f.def)})
			continue
		}
		if n < f.min {
			issues = append(issues, Issue{Key: f.key, Value: v, Message: fmt.Sprintf("must be >= %d; using default %d", f.min, f.def)})
			continue
		}
		*f.dst = n
	}

	if cfg.Enabled && cfg.Username == "" {
		issues = append(issues, Issue{Key: "username", Value: "", Message: "username is required when enabled"})
	}
	return cfg, issues
}

func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "", "0", "false", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean")
	case int:
		return t != 0, nil
	}
	return false, fmt.Errorf("not a boolean")
}

func coerceInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t != math.Trunc(t) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(t), nil
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(f), nil
	}
	return 0, fmt.Errorf("not an integer")
}
