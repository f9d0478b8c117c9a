package tabular

import (
	"fmt"
	"io"
	"sort"
)

// Validation statuses.
const (
	StatusPassed   = "passed"
	StatusWarnings = "warnings"
	StatusFailed   = "failed"
)

// Requirements lists the columns a submission must carry.
type Requirements struct {
	IDColumn     string `json:"id_column"`
	TargetColumn string `json:"target_column"`
}

// Report is the structural validation outcome of one CSV.
type Report struct {
	Valid     bool     `json:"valid"`
	Status    string   `json:"status"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	Delimiter string   `json:"delimiter"`
	Columns   []string `json:"columns"`
	RowsTotal int      `json:"rows_total"`
	UniqueIDs int      `json:"unique_ids"`
}

// Validate checks the header, duplicate columns, required columns and row count.
func Validate(r io.Reader, req Requirements) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}
	frame, err := Read(r, -1)
	if err != nil {
		report.Errors = append(report.Errors, "Cannot read file or invalid encoding")
		return report.finish()
	}
	return ValidateFrame(frame, req)
}

// ValidateFrame runs the same checks as Validate on an already loaded frame.
func ValidateFrame(frame *Frame, req Requirements) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}
	report.Delimiter = string(frame.Delimiter)
	report.Columns = frame.Header
	report.RowsTotal = len(frame.Rows)
	if len(frame.Header) == 0 {
		report.Errors = append(report.Errors, "Missing CSV header row")
		return report.finish()
	}

	seen := map[string]int{}
	for _, col := range frame.Header {
		seen[col]++
	}
	var dups []string
	for col, n := range seen {
		if n > 1 {
			dups = append(dups, col)
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		report.Errors = append(report.Errors, fmt.Sprintf("Duplicate column names in header: %v", dups))
	}

	var missing []string
	for _, col := range []string{req.IDColumn, req.TargetColumn} {
		if col != "" && seen[col] == 0 {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("Missing required columns: %v", missing))
	}

	if len(frame.Rows) == 0 {
		report.Errors = append(report.Errors, "File contains no data rows")
	}

	if ids, ok := frame.Column(req.IDColumn); ok && req.IDColumn != "" {
		unique := map[string]struct{}{}
		for _, id := range ids {
			unique[id] = struct{}{}
		}
		report.UniqueIDs = len(unique)
		if len(unique) != len(ids) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("Column %q contains %d duplicate ids", req.IDColumn, len(ids)-len(unique)))
		}
	}
	return report.finish()
}

func (r Report) finish() Report {
	r.Valid = len(r.Errors) == 0
	switch {
	case !r.Valid:
		r.Status = StatusFailed
	case len(r.Warnings) > 0:
		r.Status = StatusWarnings
	default:
		r.Status = StatusPassed
	}
	return r
}
