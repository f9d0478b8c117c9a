package checker_test

import (
	"context"
	"os/exec"
	"runtime"
	"testing"

	"booml/internal/evaluation/checker"
	"booml/internal/notebook/engine"
	"booml/pkg/errors"
)

func newSandboxMetric(t *testing.T) *checker.SandboxMetric {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("execution engine requires linux")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	limits := engine.DefaultLimits()
	limits.AddressSpaceBytes = 0
	eng, err := engine.New(engine.Config{}, limits)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	return checker.NewSandboxMetric(eng, t.TempDir())
}

func TestSandboxMetricReturnsMapping(t *testing.T) {
	m := newSandboxMetric(t)
	code := `
    def compute_metric(y_true, y_pred):
        hits = sum(1 for a, b in zip(y_true, y_pred) if a == b)
        print("debug line")
        return {"hits": hits, "metric": hits / len(y_true)}
`
	got, err := m.RunMetric(context.Background(), code,
		checker.NewNumericColumn(1, 0, 1, 1),
		checker.NewNumericColumn(1, 1, 1, 0))
	if err != nil {
		t.Fatalf("RunMetric failed: %v", err)
	}
	if got["metric"] != 0.5 || got["hits"] != 2.0 {
		t.Fatalf("unexpected metrics %v", got)
	}
}

func TestSandboxMetricFallbackNamesAndPairs(t *testing.T) {
	m := newSandboxMetric(t)
	got, err := m.RunMetric(context.Background(), "def evaluate(a, b):\n    return ('size', len(a))\n",
		checker.NewTextColumn("x", "y"), checker.NewTextColumn("x", "z"))
	if err != nil {
		t.Fatalf("RunMetric failed: %v", err)
	}
	if got["size"] != 2.0 {
		t.Fatalf("unexpected metrics %v", got)
	}
}

func TestSandboxMetricImportsStandardModules(t *testing.T) {
	m := newSandboxMetric(t)
	code := "import math, statistics\n" +
		"def compute_metric(y_true, y_pred):\n" +
		"    return math.sqrt(statistics.mean((float(a) - float(b)) ** 2 for a, b in zip(y_true, y_pred)))\n"
	got, err := m.RunMetric(context.Background(), code,
		checker.NewNumericColumn(0, 0, 0, 0),
		checker.NewNumericColumn(2, 2, 2, 2))
	if err != nil {
		t.Fatalf("RunMetric failed: %v", err)
	}
	if got["metric"] != 2.0 {
		t.Fatalf("unexpected metrics %v", got)
	}
}

func TestSandboxMetricErrors(t *testing.T) {
	m := newSandboxMetric(t)
	tests := []struct {
		name string
		code string
	}{
		{"empty", "   \n"},
		{"no entry point", "def helper(a, b):\n    return 1\n"},
		{"raises", "def metric(a, b):\n    raise ValueError('bad input')\n"},
		{"wrong type", "def metric(a, b):\n    return 'high'\n"},
		{"denied import", "import subprocess\ndef metric(a, b):\n    return 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RunMetric(context.Background(), tt.code,
				checker.NewNumericColumn(1), checker.NewNumericColumn(1))
			if !errors.Is(err, errors.MetricCodeFailed) {
				t.Fatalf("expected metric code failure, got %v", err)
			}
		})
	}
}
