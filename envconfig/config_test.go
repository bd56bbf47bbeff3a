package envconfig

import (
	"log/slog"
	"testing"
)

func TestDebug(t *testing.T) {
	cases := map[string]bool{
		"":        false,
		"0":       false,
		"false":   false,
		"1":       true,
		"true":    true,
		"verbose": true,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("WANDIFF_DEBUG", value)
			if got := Debug(); got != want {
				t.Errorf("Debug() = %v, want %v", got, want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	t.Setenv("WANDIFF_DEBUG", "")
	if got := LogLevel(); got != slog.LevelInfo {
		t.Errorf("LogLevel() = %v, want info", got)
	}

	t.Setenv("WANDIFF_DEBUG", "1")
	if got := LogLevel(); got != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, want debug", got)
	}
}

func TestCacheThreshold(t *testing.T) {
	cases := map[string]float32{
		"":     0.15,
		"0.08": 0.08,
		"-1":   0.15,
		"junk": 0.15,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("WANDIFF_CACHE_THRESHOLD", value)
			if got := CacheThreshold(); got != want {
				t.Errorf("CacheThreshold() = %v, want %v", got, want)
			}
		})
	}
}

func TestAsMap(t *testing.T) {
	m := AsMap()
	for _, name := range []string{"WANDIFF_DEBUG", "WANDIFF_CACHE_THRESHOLD"} {
		if _, ok := m[name]; !ok {
			t.Errorf("AsMap() missing %s", name)
		}
	}
}
