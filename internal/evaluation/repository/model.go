package repository

import (
	"time"

	"booml/pkg/errors"
)

// Status is the evaluation state of a submission.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusAccepted        Status = "accepted"
	StatusFailed          Status = "failed"
	StatusValidationError Status = "validation_error"
	StatusValidated       Status = "validated"
)

// Terminal reports whether s ends an evaluation.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusFailed, StatusValidationError, StatusValidated:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// ValidTransition enforces that every terminal status is reached from running.
// A terminal submission may be re-evaluated by moving it back to running.
func ValidTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	switch {
	case to == StatusRunning:
		return from == StatusPending || from == StatusRunning || from.Terminal()
	case to.Terminal():
		return from == StatusRunning
	case to == StatusPending:
		return from == StatusPending
	}
	return false
}

// Submission is one uploaded prediction file.
type Submission struct {
	ID        int64          `json:"id"`
	ProblemID int64          `json:"problem_id"`
	FilePath  string         `json:"file_path"`
	Status    Status         `json:"status"`
	Metrics   map[string]any `json:"metrics"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProblemDescriptor describes how submissions of a problem are scored.
type ProblemDescriptor struct {
	ProblemID      int64    `json:"problem_id"`
	IDColumn       string   `json:"id_column"`
	TargetColumn   string   `json:"target_column"`
	IDType         string   `json:"id_type"`
	TargetType     string   `json:"target_type"`
	CheckOrder     bool     `json:"check_order"`
	MetricName     string   `json:"metric_name"`
	MetricCode     string   `json:"metric_code"`
	ScoreDirection string   `json:"score_direction"`
	ScoreIdeal     *float64 `json:"score_ideal,omitempty"`
	ScoreReference *float64 `json:"score_reference,omitempty"`
	ScoreCurveP    *float64 `json:"score_curve_p,omitempty"`
	AnswerPath     string   `json:"answer_path"`
	TestPath       string   `json:"test_path"`
}

// GroundTruthPath prefers the answer file and falls back to the test file.
func (d *ProblemDescriptor) GroundTruthPath() (string, error) {
	if d.AnswerPath != "" {
		return d.AnswerPath, nil
	}
	if d.TestPath != "" {
		return d.TestPath, nil
	}
	return "", errors.Newf(errors.GroundTruthMissing, "problem %d has no answer or test file", d.ProblemID)
}
