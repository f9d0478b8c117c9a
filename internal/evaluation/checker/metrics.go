package checker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

const logLossEps = 1e-15

type metricFunc func(yTrue, yPred Column) (float64, error)

var builtinMetrics = map[string]metricFunc{
	"accuracy":            accuracy,
	"f1":                  f1Macro,
	"f1_score":            f1Macro,
	"f1_macro":            f1Macro,
	"f1_micro":            f1Micro,
	"f1_weighted":         f1Weighted,
	"precision":           precisionMacro,
	"precision_score":     precisionMacro,
	"precision_macro":     precisionMacro,
	"precision_micro":     precisionMicro,
	"recall":              recallMacro,
	"recall_score":        recallMacro,
	"recall_macro":        recallMacro,
	"recall_micro":        recallMicro,
	"auc":                 rocAUC,
	"auc_roc":             rocAUC,
	"roc_auc":             rocAUC,
	"logloss":             logLoss,
	"log_loss":            logLoss,
	"mse":                 mse,
	"mean_squared_error":  mse,
	"rmse":                rmse,
	"mae":                 mae,
	"mean_absolute_error": mae,
	"mape":                mape,
	"r2":                  r2,
	"r2_score":            r2,
	"exact_match":         exactMatch,
	"csv_match":           exactMatch,
}

// IsBuiltin reports whether name is a built-in metric or alias.
func IsBuiltin(name string) bool {
	_, ok := builtinMetrics[normalizeName(name)]
	return ok
}

// Builtins lists the built-in metric names and aliases.
func Builtins() []string {
	names := make([]string, 0, len(builtinMetrics))
	for name := range builtinMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Calculate computes a built-in metric. Unknown names use rmse. A metric that
// cannot be computed on this data falls back to accuracy for text targets and
// rmse for numeric ones.
func Calculate(ctx context.Context, name string, yTrue, yPred Column) (float64, error) {
	key := normalizeName(name)
	fn, ok := builtinMetrics[key]
	if !ok {
		logger.Warn(ctx, "unknown metric, using rmse", zap.String("metric", name))
		fn = rmse
	}
	score, err := fn(yTrue, yPred)
	if err == nil {
		return score, nil
	}
	logger.Warn(ctx, "metric failed, falling back to default", zap.String("metric", name), zap.Error(err))
	fallback := rmse
	if !yTrue.Numeric {
		fallback = accuracy
	}
	return fallback(yTrue, yPred)
}

func checkLengths(yTrue, yPred Column) error {
	if yTrue.Len() != yPred.Len() {
		return fmt.Errorf("length mismatch: %d true values, %d predictions", yTrue.Len(), yPred.Len())
	}
	return nil
}

func numericPair(yTrue, yPred Column) ([]float64, []float64, error) {
	if err := checkLengths(yTrue, yPred); err != nil {
		return nil, nil, err
	}
	if !yTrue.Numeric || !yPred.Numeric {
		return nil, nil, fmt.Errorf("metric requires numeric values")
	}
	return yTrue.Nums, yPred.Nums, nil
}

func accuracy(yTrue, yPred Column) (float64, error) {
	if err := checkLengths(yTrue, yPred); err != nil {
		return 0, err
	}
	if yTrue.Len() == 0 {
		return 0, nil
	}
	hits := 0
	for i := 0; i < yTrue.Len(); i++ {
		if yTrue.Label(i) == yPred.Label(i) {
			hits++
		}
	}
	return float64(hits) / float64(yTrue.Len()), nil
}

func exactMatch(yTrue, yPred Column) (float64, error) {
	if yTrue.Len() != yPred.Len() {
		return 0, nil
	}
	for i := 0; i < yTrue.Len(); i++ {
		if yTrue.Label(i) != yPred.Label(i) {
			return 0, nil
		}
	}
	return 1, nil
}

type labelStats struct {
	tp, fp, fn, support int
}

func classStats(yTrue, yPred Column) ([]labelStats, error) {
	if err := checkLengths(yTrue, yPred); err != nil {
		return nil, err
	}
	labels := sortedLabels(yTrue, yPred)
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	stats := make([]labelStats, len(labels))
	for i := 0; i < yTrue.Len(); i++ {
		t, p := index[yTrue.Label(i)], index[yPred.Label(i)]
		stats[t].support++
		if t == p {
			stats[t].tp++
			continue
		}
		stats[p].fp++
		stats[t].fn++
	}
	return stats, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

type averaging int

const (
	macroAvg averaging = iota
	microAvg
	weightedAvg
)

func averaged(yTrue, yPred Column, avg averaging, per func(labelStats) (num, den int)) (float64, error) {
	stats, err := classStats(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		return 0, nil
	}
	switch avg {
	case microAvg:
		var num, den int
		for _, s := range stats {
			n, d := per(s)
			num += n
			den += d
		}
		return ratio(num, den), nil
	case weightedAvg:
		var sum float64
		var support int
		for _, s := range stats {
			n, d := per(s)
			sum += ratio(n, d) * float64(s.support)
			support += s.support
		}
		if support == 0 {
			return 0, nil
		}
		return sum / float64(support), nil
	default:
		var sum float64
		for _, s := range stats {
			n, d := per(s)
			sum += ratio(n, d)
		}
		return sum / float64(len(stats)), nil
	}
}

func f1Parts(s labelStats) (int, int)        { return 2 * s.tp, 2*s.tp + s.fp + s.fn }
func precisionParts(s labelStats) (int, int) { return s.tp, s.tp + s.fp }
func recallParts(s labelStats) (int, int)    { return s.tp, s.tp + s.fn }

func f1Macro(t, p Column) (float64, error)        { return averaged(t, p, macroAvg, f1Parts) }
func f1Micro(t, p Column) (float64, error)        { return averaged(t, p, microAvg, f1Parts) }
func f1Weighted(t, p Column) (float64, error)     { return averaged(t, p, weightedAvg, f1Parts) }
func precisionMacro(t, p Column) (float64, error) { return averaged(t, p, macroAvg, precisionParts) }
func precisionMicro(t, p Column) (float64, error) { return averaged(t, p, microAvg, precisionParts) }
func recallMacro(t, p Column) (float64, error)    { return averaged(t, p, macroAvg, recallParts) }
func recallMicro(t, p Column) (float64, error)    { return averaged(t, p, microAvg, recallParts) }

// binaryTruth maps the true labels onto 0/1 with the largest label positive.
func binaryTruth(yTrue Column) ([]bool, error) {
	labels := sortedLabels(yTrue)
	if len(labels) != 2 {
		return nil, fmt.Errorf("binary metric needs exactly two classes, got %d", len(labels))
	}
	pos := labels[1]
	out := make([]bool, yTrue.Len())
	for i := range out {
		out[i] = yTrue.Label(i) == pos
	}
	return out, nil
}

func rocAUC(yTrue, yPred Column) (float64, error) {
	if err := checkLengths(yTrue, yPred); err != nil {
		return 0, err
	}
	if !yPred.Numeric {
		return 0, fmt.Errorf("auc requires numeric scores")
	}
	truth, err := binaryTruth(yTrue)
	if err != nil {
		return 0, err
	}
	ranks := averageRanks(yPred.Nums)
	var nPos, nNeg int
	var posRanks float64
	for i, positive := range truth {
		if positive {
			nPos++
			posRanks += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5, nil
	}
	return (posRanks - float64(nPos)*float64(nPos+1)/2) / (float64(nPos) * float64(nNeg)), nil
}

// averageRanks assigns 1-based ranks, giving ties the mean of their positions.
func averageRanks(values []float64) []float64 {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })
	ranks := make([]float64, len(values))
	for start := 0; start < len(order); {
		end := start + 1
		for end < len(order) && values[order[end]] == values[order[start]] {
			end++
		}
		avg := float64(start+1+end) / 2
		for k := start; k < end; k++ {
			ranks[order[k]] = avg
		}
		start = end
	}
	return ranks
}

func logLoss(yTrue, yPred Column) (float64, error) {
	if err := checkLengths(yTrue, yPred); err != nil {
		return 0, err
	}
	if !yPred.Numeric {
		return 0, fmt.Errorf("log loss requires numeric probabilities")
	}
	truth, err := binaryTruth(yTrue)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, positive := range truth {
		p := math.Min(math.Max(yPred.Nums[i], logLossEps), 1-logLossEps)
		if positive {
			sum += math.Log(p)
		} else {
			sum += math.Log(1 - p)
		}
	}
	return -sum / float64(len(truth)), nil
}

func mse(yTrue, yPred Column) (float64, error) {
	t, p, err := numericPair(yTrue, yPred)
	if err != nil || len(t) == 0 {
		return 0, err
	}
	var sum float64
	for i := range t {
		d := t[i] - p[i]
		sum += d * d
	}
	return sum / float64(len(t)), nil
}

func rmse(yTrue, yPred Column) (float64, error) {
	v, err := mse(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(v), nil
}

func mae(yTrue, yPred Column) (float64, error) {
	t, p, err := numericPair(yTrue, yPred)
	if err != nil || len(t) == 0 {
		return 0, err
	}
	var sum float64
	for i := range t {
		sum += math.Abs(t[i] - p[i])
	}
	return sum / float64(len(t)), nil
}

// mape divides by max(|y|, machine epsilon) so zero targets stay finite.
func mape(yTrue, yPred Column) (float64, error) {
	t, p, err := numericPair(yTrue, yPred)
	if err != nil || len(t) == 0 {
		return 0, err
	}
	const eps = 2.220446049250313e-16
	var sum float64
	for i := range t {
		sum += math.Abs(t[i]-p[i]) / math.Max(math.Abs(t[i]), eps)
	}
	return sum / float64(len(t)), nil
}

func r2(yTrue, yPred Column) (float64, error) {
	t, p, err := numericPair(yTrue, yPred)
	if err != nil || len(t) == 0 {
		return 0, err
	}
	var mean float64
	for _, v := range t {
		mean += v
	}
	mean /= float64(len(t))
	var ssRes, ssTot float64
	for i := range t {
		ssRes += (t[i] - p[i]) * (t[i] - p[i])
		ssTot += (t[i] - mean) * (t[i] - mean)
	}
	if ssTot == 0 {
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}
