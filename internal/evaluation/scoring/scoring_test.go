package scoring_test

import (
	"encoding/json"
	"math"
	"testing"

	"booml/internal/evaluation/scoring"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func ptr(v float64) *float64 { return &v }

func TestResolveSpec(t *testing.T) {
	cases := []struct {
		metric    string
		direction string
		ideal     *float64
		want      scoring.Spec
	}{
		{"RMSE", "", nil, scoring.Spec{Direction: scoring.Minimize, Ideal: 0, MetricName: "rmse"}},
		{"custom_loss_v2", "", nil, scoring.Spec{Direction: scoring.Minimize, Ideal: 0, MetricName: "custom_loss_v2"}},
		{"accuracy", "", nil, scoring.Spec{Direction: scoring.Maximize, Ideal: 1, MetricName: "accuracy"}},
		{"", "", nil, scoring.Spec{Direction: scoring.Maximize, Ideal: 1, MetricName: "metric"}},
		{"rmse", "maximize", ptr(10), scoring.Spec{Direction: scoring.Maximize, Ideal: 10, MetricName: "rmse"}},
		// one override alone is ignored
		{"rmse", "maximize", nil, scoring.Spec{Direction: scoring.Minimize, Ideal: 0, MetricName: "rmse"}},
		{"accuracy", "auto", ptr(5), scoring.Spec{Direction: scoring.Maximize, Ideal: 1, MetricName: "accuracy"}},
	}
	for _, tc := range cases {
		if got := scoring.ResolveSpec(tc.metric, tc.direction, tc.ideal); got != tc.want {
			t.Fatalf("ResolveSpec(%q, %q): got %+v want %+v", tc.metric, tc.direction, got, tc.want)
		}
	}
}

func TestQuality(t *testing.T) {
	if q := scoring.Quality(0.75, 1, 0.5, scoring.Maximize); !near(q, 0.5) {
		t.Fatalf("unexpected maximize quality %v", q)
	}
	if q := scoring.Quality(2, 0, 4, scoring.Minimize); !near(q, 0.5) {
		t.Fatalf("unexpected minimize quality %v", q)
	}
	if q := scoring.Quality(-3, 1, 0, scoring.Maximize); q != 0 {
		t.Fatalf("quality must clamp at 0, got %v", q)
	}
	if q := scoring.Quality(1, 1, 1, scoring.Maximize); q != 1 {
		t.Fatalf("degenerate maximize at ideal should be 1, got %v", q)
	}
	if q := scoring.Quality(0.5, 1, 1, scoring.Maximize); q != 0 {
		t.Fatalf("degenerate maximize below ideal should be 0, got %v", q)
	}
	if q := scoring.Quality(0, 0, 0, scoring.Minimize); q != 1 {
		t.Fatalf("degenerate minimize at ideal should be 1, got %v", q)
	}
}

func TestScoreFromRaw(t *testing.T) {
	spec := scoring.ResolveSpec("accuracy", "", nil)
	score, mode := scoring.ScoreFromRaw(0.8, spec, nil, nil)
	if mode != scoring.Linear || !near(score, 80) {
		t.Fatalf("unexpected linear score %v %s", score, mode)
	}

	rmse := scoring.ResolveSpec("rmse", "", nil)
	score, mode = scoring.ScoreFromRaw(0.5, rmse, nil, nil)
	if mode != scoring.Linear || !near(score, 50) {
		t.Fatalf("unexpected minimize linear score %v", score)
	}

	score, mode = scoring.ScoreFromRaw(0.75, spec, ptr(0.5), ptr(2))
	if mode != scoring.Nonlinear || !near(score, 75) {
		t.Fatalf("unexpected nonlinear score %v %s", score, mode)
	}
	// p below 1 is raised to 1
	score, _ = scoring.ScoreFromRaw(0.75, spec, ptr(0.5), ptr(0.2))
	if !near(score, 50) {
		t.Fatalf("unexpected score with small p %v", score)
	}
}

func TestNonlinearPointsEdges(t *testing.T) {
	if got := scoring.NonlinearPoints(1, 3); !near(got, 100) {
		t.Fatalf("q=1 must score 100, got %v", got)
	}
	if got := scoring.NonlinearPoints(0, 3); !near(got, 0) {
		t.Fatalf("q=0 must score 0, got %v", got)
	}
}

func TestInferCurveP(t *testing.T) {
	spec := scoring.ResolveSpec("accuracy", "", nil)
	if p := scoring.InferCurveP([]float64{0.5, 0.6}, spec, 0, 2); p != 2 {
		t.Fatalf("too few values should fall back, got %v", p)
	}
	// qualities equal raws with reference 0 and ideal 1; 0 and 1 are not usable
	raws := []float64{0, 1, 0.2, 0.4, 0.6, 0.7}
	p := scoring.InferCurveP(raws, spec, 0, 2)
	// sorted usable: 0.2 0.4 0.6 0.7, idx round(2.25)=2, q75=0.6
	want := math.Log(0.3) / math.Log(0.4)
	if !near(p, want) {
		t.Fatalf("unexpected p %v want %v", p, want)
	}
	if got := scoring.NonlinearPoints(0.6, p); !near(got, 70) {
		t.Fatalf("q75 should score 70, got %v", got)
	}
	// tiny qualities push p past the upper clamp
	if p := scoring.InferCurveP([]float64{0.01, 0.02, 0.03}, spec, 0, 2); p != 6 {
		t.Fatalf("expected clamp at 6, got %v", p)
	}
	if p := scoring.InferCurveP([]float64{0.97, 0.98, 0.99}, spec, 0, 2); p != 1.2 {
		t.Fatalf("expected clamp at 1.2, got %v", p)
	}
}

func TestExtractRawMetric(t *testing.T) {
	cases := []struct {
		name    string
		metrics map[string]any
		metric  string
		want    float64
		ok      bool
	}{
		{"raw first", map[string]any{"raw_metric": 0.3, "accuracy": 0.9}, "", 0.3, true},
		{"named", map[string]any{"my_metric": "0.42", "accuracy": 0.9}, "my_metric", 0.42, true},
		{"ladder", map[string]any{"rmse": 1.5, "accuracy": 0.9}, "", 0.9, true},
		{"final score skips mirrors", map[string]any{"score_100": 88.0, "score": 88.0, "f1": 0.7}, "", 0.7, true},
		{"any numeric", map[string]any{"b": json.Number("2"), "a": "x"}, "", 2, true},
		{"booleans are not numbers", map[string]any{"passed": true}, "", 0, false},
		{"nil", nil, "", 0, false},
	}
	for _, tc := range cases {
		got, ok := scoring.ExtractRawMetric(tc.metrics, tc.metric)
		if ok != tc.ok || (ok && !near(got, tc.want)) {
			t.Fatalf("%s: got %v %v want %v %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractScore100(t *testing.T) {
	if v, ok := scoring.ExtractScore100(map[string]any{"metric_score": 140.0}); !ok || v != 100 {
		t.Fatalf("unexpected %v %v", v, ok)
	}
	if _, ok := scoring.ExtractScore100(map[string]any{"score": 50.0}); ok {
		t.Fatalf("score alone is not a final score")
	}
}

func TestDefaults(t *testing.T) {
	if scoring.DefaultCurveP(scoring.Maximize) != 2 || scoring.DefaultCurveP(scoring.Minimize) != 3 {
		t.Fatalf("unexpected default curve p")
	}
	if ref := scoring.DefaultLinearReference(scoring.Spec{Direction: scoring.Minimize, Ideal: 2}); ref != 3 {
		t.Fatalf("unexpected minimize reference %v", ref)
	}
	if ref := scoring.DefaultLinearReference(scoring.Spec{Direction: scoring.Maximize, Ideal: 1}); ref != 0 {
		t.Fatalf("unexpected maximize reference %v", ref)
	}
}
