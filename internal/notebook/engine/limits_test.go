package engine_test

import (
	"testing"
	"time"

	"booml/internal/notebook/engine"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLimitsFromOverlay(t *testing.T) {
	l, err := engine.LimitsFrom(engine.DefaultLimits(), lookupFrom(map[string]string{
		"RUN_TIMEOUT_S":                 "30",
		"RUN_MAX_STD_BYTES":             " 1024 ",
		"RUN_MAX_FILE_BYTES":            "2048",
		"RUNTIME_STDIN_TIMEOUT_SECONDS": "",
	}))
	if err != nil {
		t.Fatalf("LimitsFrom failed: %v", err)
	}
	if l.TimeoutS != 30 || l.Timeout() != 30*time.Second {
		t.Fatalf("unexpected timeout %d", l.TimeoutS)
	}
	if l.MaxStdBytes != 1024 || l.MaxFileBytes != 2048 {
		t.Fatalf("unexpected byte limits %+v", l)
	}
	if l.StdinTimeoutSec != 600 || l.MaxCodeBytes != 200_000 {
		t.Fatalf("defaults not kept: %+v", l)
	}
}

func TestLimitsFromRejectsBadValues(t *testing.T) {
	for _, env := range []map[string]string{
		{"RUN_TIMEOUT_S": "0"},
		{"RUN_MAX_CODE_BYTES": "abc"},
		{"RUN_MAX_FILE_BYTES": "-1"},
	} {
		if _, err := engine.LimitsFrom(engine.DefaultLimits(), lookupFrom(env)); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}
