// Package envconfig reads process-wide defaults from WANDIFF_* environment
// variables.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
)

// Debug returns whether WANDIFF_DEBUG enables debug logging.
func Debug() bool {
	return boolVar("WANDIFF_DEBUG")
}

// LogLevel returns the slog level selected by the environment.
func LogLevel() slog.Level {
	if Debug() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// CacheThreshold returns the default step-cache skip threshold, overridable
// via WANDIFF_CACHE_THRESHOLD.
func CacheThreshold() float32 {
	if s := os.Getenv("WANDIFF_CACHE_THRESHOLD"); s != "" {
		if v, err := strconv.ParseFloat(s, 32); err == nil && v > 0 {
			return float32(v)
		}
	}
	return 0.15
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"WANDIFF_DEBUG":           {"WANDIFF_DEBUG", Debug(), "Show additional debug information (e.g. WANDIFF_DEBUG=1)"},
		"WANDIFF_CACHE_THRESHOLD": {"WANDIFF_CACHE_THRESHOLD", CacheThreshold(), "Default step-cache skip threshold"},
	}
}

func boolVar(name string) bool {
	s := os.Getenv(name)
	if s == "" {
		return false
	}

	b, err := strconv.ParseBool(s)
	if err != nil {
		// any non-empty, non-boolean value counts as set
		return true
	}
	return b
}
