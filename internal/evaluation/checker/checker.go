// Package checker compares a submission CSV against the ground truth and
// computes the configured metric.
package checker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"booml/internal/evaluation/tabular"
	"booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Whole-frame comparison tolerances.
const (
	MatchRTol = 1e-6
	MatchATol = 1e-8
)

// CustomMetricName names a metric computed by descriptor code without a name.
const CustomMetricName = "custom_metric"

// Config is the part of a problem descriptor the checker reads.
type Config struct {
	IDColumn     string
	TargetColumn string
	TargetType   string
	CheckOrder   bool
	MetricName   string
	MetricCode   string
}

// Result is a successful check.
type Result struct {
	MetricName string
	Score      float64
	Metrics    map[string]any
	Rows       int
}

// MetricRunner executes descriptor-provided metric code.
type MetricRunner interface {
	RunMetric(ctx context.Context, code string, yTrue, yPred Column) (map[string]any, error)
}

// Checker scores submissions.
type Checker struct {
	custom MetricRunner
}

// New creates a checker. custom may be nil, in which case descriptors with
// metric code fail with a checker error.
func New(custom MetricRunner) *Checker {
	return &Checker{custom: custom}
}

// ResolveMetric picks the metric name and code for a descriptor.
func ResolveMetric(cfg Config) (string, string) {
	name := strings.TrimSpace(cfg.MetricName)
	if strings.TrimSpace(cfg.MetricCode) != "" {
		if name == "" {
			name = CustomMetricName
		}
		return name, cfg.MetricCode
	}
	if name != "" {
		return name, ""
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TargetType)) {
	case TargetInt, TargetStr:
		return "accuracy", ""
	default:
		return "rmse", ""
	}
}

func usesWholeFrame(name, code string) bool {
	if strings.TrimSpace(code) != "" {
		return false
	}
	switch normalizeName(name) {
	case "csv_match", "exact_match":
		return true
	}
	return false
}

func checkerErr(format string, args ...any) *errors.Error {
	return errors.Newf(errors.CheckerError, format, args...)
}

// Check loads both files and scores the submission.
func (c *Checker) Check(ctx context.Context, submissionPath, groundTruthPath string, cfg Config) (*Result, error) {
	var submission, truth *tabular.Frame
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		f, err := tabular.Load(submissionPath)
		if err != nil {
			return errors.Wrapf(err, errors.ValidationFailed, "Failed to load submission file")
		}
		submission = f
		return nil
	})
	g.Go(func() error {
		f, err := tabular.Load(groundTruthPath)
		if err != nil {
			return errors.Wrapf(err, errors.GroundTruthMissing, "Failed to load ground truth")
		}
		truth = f
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c.CheckFrames(ctx, submission, truth, cfg)
}

// CheckFrames scores already loaded frames.
func (c *Checker) CheckFrames(ctx context.Context, submission, truth *tabular.Frame, cfg Config) (*Result, error) {
	name, code := ResolveMetric(cfg)
	if usesWholeFrame(name, code) {
		return compareFrames(submission, truth, cfg, name)
	}

	report := tabular.ValidateFrame(submission, tabular.Requirements{IDColumn: cfg.IDColumn, TargetColumn: cfg.TargetColumn})
	if !report.Valid {
		return nil, errors.New(errors.ValidationFailed).
			WithMessage(strings.Join(report.Errors, "; ")).
			WithDetail("report", report)
	}
	if truth.ColumnIndex(cfg.IDColumn) < 0 {
		return nil, checkerErr("ID column %q not found in ground truth data", cfg.IDColumn)
	}
	if truth.ColumnIndex(cfg.TargetColumn) < 0 {
		return nil, checkerErr("Target column %q not found in ground truth data", cfg.TargetColumn)
	}

	rawTrue, rawPred, err := join(submission, truth, cfg)
	if err != nil {
		return nil, err
	}
	yTrue, err := coerce(rawTrue, cfg.TargetType)
	if err != nil {
		return nil, checkerErr("ground truth: %v", err)
	}
	yPred, err := coerce(rawPred, cfg.TargetType)
	if err != nil {
		return nil, checkerErr("submission: %v", err)
	}

	var metrics map[string]any
	if strings.TrimSpace(code) != "" {
		if c.custom == nil {
			return nil, checkerErr("custom metric code is not supported by this checker")
		}
		metrics, err = c.custom.RunMetric(ctx, code, yTrue, yPred)
		if err != nil {
			if errors.GetError(err) != nil {
				return nil, err
			}
			return nil, errors.Wrapf(err, errors.MetricCodeFailed, "%s", err.Error())
		}
	} else {
		score, err := Calculate(ctx, name, yTrue, yPred)
		if err != nil {
			return nil, checkerErr("metric %s: %v", name, err)
		}
		metrics = map[string]any{"metric": score, name: score}
	}

	metrics = sanitizeMetrics(metrics)
	score, ok := extractScore(metrics, name)
	if !ok {
		return nil, checkerErr("Cannot extract numeric metric from metric result")
	}
	if _, ok := metrics["metric"]; !ok {
		metrics["metric"] = score
	}
	if _, ok := metrics[name]; !ok {
		metrics[name] = score
	}
	logger.Info(ctx, "metric calculated",
		zap.String("metric", name),
		zap.Float64("score", score),
		zap.Int("rows", yTrue.Len()))
	return &Result{MetricName: name, Score: score, Metrics: metrics, Rows: yTrue.Len()}, nil
}

// join inner-joins the frames on the id column in ground-truth order and
// returns the paired target values.
func join(submission, truth *tabular.Frame, cfg Config) ([]string, []string, error) {
	subIDs, _ := submission.Column(cfg.IDColumn)
	subTargets, _ := submission.Column(cfg.TargetColumn)
	truthIDs, _ := truth.Column(cfg.IDColumn)
	truthTargets, _ := truth.Column(cfg.TargetColumn)

	byID := make(map[string][]int, len(subIDs))
	for i, id := range subIDs {
		id = strings.TrimSpace(id)
		byID[id] = append(byID[id], i)
	}

	var rawTrue, rawPred []string
	var truthOrder []string
	matched := make(map[string]bool)
	for i, id := range truthIDs {
		id = strings.TrimSpace(id)
		rows := byID[id]
		if len(rows) == 0 {
			continue
		}
		if !matched[id] {
			matched[id] = true
			truthOrder = append(truthOrder, id)
		}
		for _, r := range rows {
			rawTrue = append(rawTrue, truthTargets[i])
			rawPred = append(rawPred, subTargets[r])
		}
	}
	if len(rawTrue) == 0 {
		return nil, nil, checkerErr("No matching IDs found between submission and ground truth")
	}

	if cfg.CheckOrder {
		seen := make(map[string]bool)
		var subOrder []string
		for _, id := range subIDs {
			id = strings.TrimSpace(id)
			if matched[id] && !seen[id] {
				seen[id] = true
				subOrder = append(subOrder, id)
			}
		}
		for i := range truthOrder {
			if subOrder[i] != truthOrder[i] {
				return nil, nil, checkerErr("Submission rows are not in the expected order: row %d has id %q, expected %q", i+1, subOrder[i], truthOrder[i])
			}
		}
	}
	return rawTrue, rawPred, nil
}

// sanitizeMetrics converts every numeric value to float64.
func sanitizeMetrics(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		if f, ok := number(v); ok {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// extractScore looks for the preferred key, then the common names, then any
// numeric value in key order.
func extractScore(metrics map[string]any, preferred string) (float64, bool) {
	keys := []string{preferred, "metric", "score", "accuracy", "f1", "auc"}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if f, ok := number(metrics[k]); ok {
			return f, true
		}
	}
	rest := make([]string, 0, len(metrics))
	for k := range metrics {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		if f, ok := number(metrics[k]); ok {
			return f, true
		}
	}
	return 0, false
}

// compareFrames is the csv_match comparison: same columns, same rows and the
// same cell values within tolerance.
func compareFrames(submission, truth *tabular.Frame, cfg Config, name string) (*Result, error) {
	var missing, extra []string
	for _, col := range truth.Header {
		if submission.ColumnIndex(col) < 0 {
			missing = append(missing, col)
		}
	}
	for _, col := range submission.Header {
		if truth.ColumnIndex(col) < 0 {
			extra = append(extra, col)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		var details []string
		if len(missing) > 0 {
			details = append(details, "missing columns: "+strings.Join(missing, ", "))
		}
		if len(extra) > 0 {
			details = append(details, "unexpected columns: "+strings.Join(extra, ", "))
		}
		return nil, checkerErr("Submission columns do not match answer columns (%s)", strings.Join(details, "; "))
	}
	if len(truth.Rows) != len(submission.Rows) {
		return nil, checkerErr("Row count mismatch between submission and answer: expected %d, got %d", len(truth.Rows), len(submission.Rows))
	}

	// Reorder submission columns to the answer's order.
	subRows := make([][]string, len(submission.Rows))
	for i, row := range submission.Rows {
		out := make([]string, len(truth.Header))
		for j, col := range truth.Header {
			if idx := submission.ColumnIndex(col); idx < len(row) {
				out[j] = strings.TrimSpace(row[idx])
			}
		}
		subRows[i] = out
	}
	truthRows := make([][]string, len(truth.Rows))
	for i, row := range truth.Rows {
		out := make([]string, len(truth.Header))
		for j := range truth.Header {
			if j < len(row) {
				out[j] = strings.TrimSpace(row[j])
			}
		}
		truthRows[i] = out
	}

	idIdx := -1
	if cfg.IDColumn != "" {
		idIdx = truth.ColumnIndex(cfg.IDColumn)
	}
	if idIdx >= 0 {
		if !sameMultiset(column(truthRows, idIdx), column(subRows, idIdx)) {
			return nil, checkerErr("ID column '%s' values do not match answer", cfg.IDColumn)
		}
		if !cfg.CheckOrder {
			sortByColumn(truthRows, idIdx)
			sortByColumn(subRows, idIdx)
		}
	}

	score := 0.0
	if rowsMatch(subRows, truthRows) {
		score = 1
	}
	metrics := map[string]any{"metric": score, name: score}
	return &Result{MetricName: name, Score: score, Metrics: metrics, Rows: len(truthRows)}, nil
}

func column(rows [][]string, idx int) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row[idx]
	}
	return out
}

func sameMultiset(a, b []string) bool {
	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return len(a) == len(b)
}

// sortByColumn sorts stably; numeric ids compare by value.
func sortByColumn(rows [][]string, idx int) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i][idx], rows[j][idx]
		fa, errA := strconv.ParseFloat(a, 64)
		fb, errB := strconv.ParseFloat(b, 64)
		if errA == nil && errB == nil {
			return fa < fb
		}
		return a < b
	})
}

func rowsMatch(left, right [][]string) bool {
	for i := range left {
		for j := range left[i] {
			if !cellsMatch(left[i][j], right[i][j]) {
				return false
			}
		}
	}
	return true
}

func cellsMatch(got, want string) bool {
	if got == want {
		return true
	}
	g, errG := strconv.ParseFloat(got, 64)
	w, errW := strconv.ParseFloat(want, 64)
	if errG != nil || errW != nil {
		return false
	}
	if math.IsNaN(g) && math.IsNaN(w) {
		return true
	}
	return math.Abs(g-w) <= MatchATol+MatchRTol*math.Abs(w)
}

// Describe renders a short log line for a result.
func (r *Result) Describe() string {
	return fmt.Sprintf("Metric %s: %.4f", r.MetricName, r.Score)
}
