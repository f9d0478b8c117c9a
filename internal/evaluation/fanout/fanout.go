// Package fanout pushes evaluation events to websocket groups, either in
// process or across instances through redis pub/sub or NATS.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// Event types.
const (
	TypeSubmissionMetric = "submission.metric"
	TypeSubmissionUpdate = "submission.update"
)

// Event is one message delivered to a group.
type Event struct {
	Type         string         `json:"type"`
	SubmissionID int64          `json:"submission_id"`
	MetricName   string         `json:"metric_name,omitempty"`
	MetricScore  *float64       `json:"metric_score,omitempty"`
	Status       string         `json:"status,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

// SubmissionGroup is the group of a single submission.
func SubmissionGroup(submissionID int64) string {
	return fmt.Sprintf("submission_%d", submissionID)
}

// ProblemGroup is the group following every submission of a problem.
func ProblemGroup(problemID int64) string {
	return fmt.Sprintf("problem_submissions_%d", problemID)
}

// MetricEvent reports the final metric of a submission.
func MetricEvent(submissionID int64, metricName string, score float64) Event {
	return Event{Type: TypeSubmissionMetric, SubmissionID: submissionID, MetricName: metricName, MetricScore: &score}
}

// UpdateEvent reports a status change of a submission.
func UpdateEvent(submissionID int64, status string, metrics map[string]any) Event {
	return Event{Type: TypeSubmissionUpdate, SubmissionID: submissionID, Status: status, Metrics: metrics}
}

// Publisher delivers events to a group. Delivery is best effort: failures
// are logged and never returned.
type Publisher interface {
	Publish(ctx context.Context, group string, event Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(ctx context.Context, group string, event Event) {
	logger.Debug(ctx, "fanout disabled, event dropped", zap.String("group", group), zap.String("type", event.Type))
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, group string, event Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, group, event)
		}
	}
}

// Or returns p, or Nop when p is nil.
func Or(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

func encode(ctx context.Context, group string, event Event) ([]byte, bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Warn(ctx, "encode fanout event failed", zap.String("group", group), zap.Error(err))
		return nil, false
	}
	return payload, true
}
