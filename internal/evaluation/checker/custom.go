package checker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"booml/internal/notebook/engine"
	"booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	metricInputFile = "metric_input.json"
	resultMarker    = "__booml_metric_result__ "
)

// MetricFunctionNames are tried in order to find the metric entry point.
var MetricFunctionNames = []string{"compute_metric", "calculate_metric", "metric", "evaluate"}

const metricPrelude = `import json as _metric_json
with open(%q, "r", encoding="utf-8") as _metric_fh:
    _metric_payload = _metric_json.load(_metric_fh)
try:
    import numpy as np
    y_true = np.asarray(_metric_payload["y_true"])
    y_pred = np.asarray(_metric_payload["y_pred"])
except ImportError:
    y_true = _metric_payload["y_true"]
    y_pred = _metric_payload["y_pred"]
del _metric_payload
`

const metricEpilogue = `
_metric_fn = None
for _metric_name in %s:
    _metric_candidate = globals().get(_metric_name)
    if callable(_metric_candidate):
        _metric_fn = _metric_candidate
        break
if _metric_fn is None:
    raise NameError("Metric code must define compute_metric(y_true, y_pred)")
_metric_value = _metric_fn(y_true, y_pred)
if isinstance(_metric_value, tuple):
    _metric_value = list(_metric_value)
print()
print(%q + _metric_json.dumps(_metric_value, default=float))
`

// SandboxMetric runs metric code through the notebook engine in a throwaway
// workspace with networking denied.
type SandboxMetric struct {
	eng  *engine.Engine
	root string
}

// NewSandboxMetric creates a runner that keeps its scratch workspaces under root.
func NewSandboxMetric(eng *engine.Engine, root string) *SandboxMetric {
	return &SandboxMetric{eng: eng, root: root}
}

// RunMetric executes code against the target columns.
func (s *SandboxMetric) RunMetric(ctx context.Context, code string, yTrue, yPred Column) (map[string]any, error) {
	code = dedent(code)
	if strings.TrimSpace(code) == "" {
		return nil, errors.New(errors.MetricCodeFailed).WithMessage("Metric code is empty")
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "create metric root")
	}
	dir, err := os.MkdirTemp(s.root, "metric-")
	if err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "create metric workspace")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn(ctx, "remove metric workspace failed", zap.String("dir", dir), zap.Error(err))
		}
	}()

	ws := engine.Workspace{
		Dir:         filepath.Join(dir, "workspace"),
		RunsDir:     filepath.Join(dir, "runs"),
		StatePath:   filepath.Join(dir, "state", "namespace.pkl"),
		NetOutbound: "deny",
	}
	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "create metric workspace")
	}
	payload, err := json.Marshal(map[string]any{"y_true": yTrue.Values(), "y_pred": yPred.Values()})
	if err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "encode metric input")
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, metricInputFile), payload, 0o644); err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "write metric input")
	}

	names, _ := json.Marshal(MetricFunctionNames)
	script := fmt.Sprintf(metricPrelude, metricInputFile) + code + "\n" + fmt.Sprintf(metricEpilogue, names, resultMarker)

	res, err := s.eng.Run(ctx, engine.Request{Code: script}, ws)
	if err != nil {
		return nil, err
	}
	if res.Status != engine.StatusSuccess {
		msg := res.ErrorText()
		if msg == "" {
			msg = string(res.Status)
		}
		return nil, errors.New(errors.MetricCodeFailed).
			WithMessagef("Custom metric failed: %s", msg).
			WithDetail("status", string(res.Status))
	}
	raw, ok := lastMarked(res.Stdout)
	if !ok {
		return nil, errors.New(errors.MetricCodeFailed).WithMessage("Custom metric produced no result")
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, errors.Wrapf(err, errors.MetricCodeFailed, "Custom metric result is not valid JSON")
	}
	return NormalizeMetricValue(value)
}

func lastMarked(stdout string) (string, bool) {
	var found string
	ok := false
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line, cut := strings.CutPrefix(sc.Text(), resultMarker); cut {
			found, ok = line, true
		}
	}
	return found, ok
}

// NormalizeMetricValue turns a metric function's return value into a metrics
// map: numbers become {"metric": n}, a (name, value) pair becomes {name: value}.
func NormalizeMetricValue(value any) (map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case []any:
		if len(v) == 2 {
			if name, ok := v[0].(string); ok {
				return map[string]any{name: v[1]}, nil
			}
		}
	case float64:
		return map[string]any{"metric": v}, nil
	}
	return nil, errors.New(errors.MetricCodeFailed).
		WithMessage("Metric must return a number, a mapping or a (name, value) pair")
}

// dedent removes the common leading whitespace of all non-blank lines.
func dedent(code string) string {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
