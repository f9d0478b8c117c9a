package contextkey

import "context"

// Key is a distinct type to avoid context key collisions across packages.
type Key string

const (
	TraceID      Key = "trace_id"
	RequestID    Key = "request_id"
	SessionID    Key = "session_id"
	RunID        Key = "run_id"
	SubmissionID Key = "submission_id"
)

// With returns a child context carrying value under k.
func With(ctx context.Context, k Key, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, k, value)
}
