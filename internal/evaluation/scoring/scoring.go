// Package scoring maps raw evaluation metrics onto a 0-100 score.
package scoring

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Direction tells whether larger or smaller raw metrics are better.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
	Auto     Direction = "auto"
)

// Mode is the scoring curve that produced a score.
type Mode string

const (
	Linear    Mode = "linear"
	Nonlinear Mode = "nonlinear"
)

const (
	degenerate   = 1e-12
	targetScore  = 70.0
	minCurveP    = 1.2
	maxCurveP    = 6.0
	q75Quantile  = 0.75
	minQualities = 3
)

var (
	minimizeMetrics = mapset.NewThreadUnsafeSet(
		"mse", "rmse", "mae", "mape", "smape", "msle", "rmsle", "logloss", "log_loss", "loss", "error",
	)
	maximizeMetrics = mapset.NewThreadUnsafeSet(
		"accuracy", "f1", "f1_score", "f1_macro", "f1_micro", "f1_weighted",
		"precision", "precision_score", "precision_macro",
		"recall", "recall_score", "recall_macro",
		"auc", "auc_roc", "roc_auc", "r2", "r2_score", "exact_match", "csv_match",
	)
	minimizeTokens = []string{"loss", "error", "rmse", "mse", "mae"}
)

// Spec fixes the direction and ideal value of a metric.
type Spec struct {
	Direction  Direction `json:"direction"`
	Ideal      float64   `json:"ideal"`
	MetricName string    `json:"metric_name"`
}

// ResolveSpec picks the scoring spec for metricName. Descriptor overrides win
// only when both a concrete direction and an ideal are given.
func ResolveSpec(metricName string, direction string, ideal *float64) Spec {
	name := strings.ToLower(strings.TrimSpace(metricName))
	if name == "" {
		name = "metric"
	}
	dir := Direction(strings.ToLower(strings.TrimSpace(direction)))
	if (dir == Maximize || dir == Minimize) && ideal != nil {
		return Spec{Direction: dir, Ideal: *ideal, MetricName: name}
	}
	if minimizeMetrics.Contains(name) || containsAny(name, minimizeTokens) {
		return Spec{Direction: Minimize, Ideal: 0, MetricName: name}
	}
	return Spec{Direction: Maximize, Ideal: 1, MetricName: name}
}

// IsKnownMetric reports whether name is in one of the direction sets.
func IsKnownMetric(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	return minimizeMetrics.Contains(name) || maximizeMetrics.Contains(name)
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// DefaultCurveP is the curve exponent used when none is configured or inferred.
func DefaultCurveP(dir Direction) float64 {
	if dir == Minimize {
		return 3
	}
	return 2
}

// DefaultLinearReference is the zero-point of the linear score.
func DefaultLinearReference(spec Spec) float64 {
	if spec.Direction == Maximize {
		return 0
	}
	return spec.Ideal + 1
}

// Quality normalises raw into [0, 1] between reference (0) and ideal (1).
func Quality(raw, ideal, reference float64, dir Direction) float64 {
	var q float64
	if dir == Minimize {
		denom := reference - ideal
		if math.Abs(denom) < degenerate {
			return boolFloat(raw <= ideal)
		}
		q = (reference - raw) / denom
	} else {
		denom := ideal - reference
		if math.Abs(denom) < degenerate {
			return boolFloat(raw >= ideal)
		}
		q = (raw - reference) / denom
	}
	return clamp(q, 0, 1)
}

// LinearPoints is 100 * q.
func LinearPoints(q float64) float64 {
	return 100 * clamp(q, 0, 1)
}

// NonlinearPoints is 100 * (1 - (1-q)^p) with p at least 1.
func NonlinearPoints(q, p float64) float64 {
	return 100 * (1 - math.Pow(1-clamp(q, 0, 1), math.Max(p, 1)))
}

// ScoreFromRaw scores raw. Without a reference the linear curve is used
// against DefaultLinearReference; otherwise the nonlinear curve with curveP
// (or 1 when unset).
func ScoreFromRaw(raw float64, spec Spec, reference, curveP *float64) (float64, Mode) {
	if reference == nil {
		q := Quality(raw, spec.Ideal, DefaultLinearReference(spec), spec.Direction)
		return LinearPoints(q), Linear
	}
	q := Quality(raw, spec.Ideal, *reference, spec.Direction)
	p := 1.0
	if curveP != nil {
		p = *curveP
	}
	return NonlinearPoints(q, math.Max(p, 1)), Nonlinear
}

// InferCurveP solves NonlinearPoints(q75, p) = 70 for the 75th percentile of
// the qualities strictly inside (0, 1). With fewer than three such values,
// or a non-finite solution, it returns max(defaultP, 1).
func InferCurveP(raws []float64, spec Spec, reference, defaultP float64) float64 {
	fallback := math.Max(defaultP, 1)
	qualities := make([]float64, 0, len(raws))
	for _, raw := range raws {
		if math.IsNaN(raw) || math.IsInf(raw, 0) {
			continue
		}
		q := Quality(raw, spec.Ideal, reference, spec.Direction)
		if q > 0 && q < 1 {
			qualities = append(qualities, q)
		}
	}
	if len(qualities) < minQualities {
		return fallback
	}
	sort.Float64s(qualities)
	idx := int(math.RoundToEven(q75Quantile * float64(len(qualities)-1)))
	q75 := qualities[idx]
	if q75 <= 0 || q75 >= 1 {
		return fallback
	}
	num := math.Log(math.Max(1e-9, 1-targetScore/100))
	den := math.Log(math.Max(1e-9, 1-q75))
	if math.Abs(den) < degenerate {
		return fallback
	}
	p := num / den
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return fallback
	}
	return clamp(p, minCurveP, maxCurveP)
}

var rawMetricKeys = []string{"metric", "score", "accuracy", "f1", "auc", "rmse", "mse", "mae", "r2"}

// ExtractRawMetric finds the raw metric in a heterogeneous payload: raw_metric,
// then metricName, then the well-known keys (skipped when a final score is
// present since metric/score then hold points), then any numeric value in key order.
func ExtractRawMetric(metrics map[string]any, metricName string) (float64, bool) {
	if metrics == nil {
		return 0, false
	}
	if v, ok := ToFloat(metrics["raw_metric"]); ok {
		return v, true
	}
	if name := strings.TrimSpace(metricName); name != "" {
		if v, ok := ToFloat(metrics[name]); ok {
			return v, true
		}
	}
	_, hasScore100 := ToFloat(metrics["score_100"])
	_, hasMetricScore := ToFloat(metrics["metric_score"])
	final := hasScore100 || hasMetricScore
	if !final {
		for _, key := range rawMetricKeys {
			if v, ok := ToFloat(metrics[key]); ok {
				return v, true
			}
		}
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "score_100" || k == "metric_score" {
			continue
		}
		if final && (k == "metric" || k == "score") {
			continue
		}
		if v, ok := ToFloat(metrics[k]); ok {
			return v, true
		}
	}
	return 0, false
}

// ExtractScore100 returns score_100 or metric_score clamped to [0, 100].
func ExtractScore100(metrics map[string]any) (float64, bool) {
	for _, key := range []string{"score_100", "metric_score"} {
		if v, ok := ToFloat(metrics[key]); ok {
			return clamp(v, 0, 100), true
		}
	}
	return 0, false
}

// ToFloat converts JSON-ish numeric values. Booleans are not numbers here.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	default:
		return 0, false
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
