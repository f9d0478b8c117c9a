package checker

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Target types a descriptor may declare.
const (
	TargetInt   = "int"
	TargetFloat = "float"
	TargetStr   = "str"
)

// Column is one coerced target column. Nums is populated when Numeric is set.
type Column struct {
	Raw     []string
	Nums    []float64
	Numeric bool
}

// NewTextColumn builds a non-numeric column.
func NewTextColumn(values ...string) Column {
	return Column{Raw: values}
}

// NewNumericColumn builds a numeric column.
func NewNumericColumn(values ...float64) Column {
	raw := make([]string, len(values))
	for i, v := range values {
		raw[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return Column{Raw: raw, Nums: values, Numeric: true}
}

// Len is the number of values.
func (c Column) Len() int {
	return len(c.Raw)
}

// Label is the comparable form of value i. Numeric values are normalized so
// that "1" and "1.0" are the same label.
func (c Column) Label(i int) string {
	if c.Numeric {
		return strconv.FormatFloat(c.Nums[i], 'g', -1, 64)
	}
	return c.Raw[i]
}

// Values returns the column as JSON-friendly values.
func (c Column) Values() []any {
	out := make([]any, c.Len())
	for i := range out {
		if c.Numeric {
			out[i] = c.Nums[i]
		} else {
			out[i] = c.Raw[i]
		}
	}
	return out
}

// coerce converts raw target values according to the declared target type.
// An unknown or empty type is numeric when every value parses as a number.
func coerce(values []string, targetType string) (Column, error) {
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	switch strings.ToLower(strings.TrimSpace(targetType)) {
	case TargetStr:
		return Column{Raw: trimmed}, nil
	case TargetInt:
		nums, err := parseNumbers(trimmed)
		if err != nil {
			return Column{}, fmt.Errorf("cannot convert target to int: %w", err)
		}
		for i, v := range nums {
			if v != math.Trunc(v) {
				return Column{}, fmt.Errorf("cannot convert target to int: value %q is not an integer", trimmed[i])
			}
		}
		return Column{Raw: trimmed, Nums: nums, Numeric: true}, nil
	case TargetFloat:
		nums, err := parseNumbers(trimmed)
		if err != nil {
			return Column{}, fmt.Errorf("cannot convert target to float: %w", err)
		}
		return Column{Raw: trimmed, Nums: nums, Numeric: true}, nil
	default:
		if nums, err := parseNumbers(trimmed); err == nil {
			return Column{Raw: trimmed, Nums: nums, Numeric: true}, nil
		}
		return Column{Raw: trimmed}, nil
	}
}

func parseNumbers(values []string) ([]float64, error) {
	nums := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q at row %d is not a number", v, i+1)
		}
		nums[i] = f
	}
	return nums, nil
}

// sortedLabels returns the distinct labels of all columns. Numeric columns
// sort by value and text columns lexically.
func sortedLabels(cols ...Column) []string {
	seen := map[string]float64{}
	numeric := true
	for _, c := range cols {
		numeric = numeric && c.Numeric
		for i := 0; i < c.Len(); i++ {
			var v float64
			if c.Numeric {
				v = c.Nums[i]
			}
			seen[c.Label(i)] = v
		}
	}
	labels := make([]string, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	if numeric {
		sort.Slice(labels, func(i, j int) bool { return seen[labels[i]] < seen[labels[j]] })
	} else {
		sort.Strings(labels)
	}
	return labels
}
