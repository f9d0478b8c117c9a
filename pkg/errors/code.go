package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Submission & Evaluation errors
// 14000-14999: Notebook execution errors
// 15000-15999: VM & Session lifecycle errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Submission & Evaluation Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound ErrorCode = 13000
	ProblemNotFound    ErrorCode = 13001
	GroundTruthMissing ErrorCode = 13002

	// Evaluation (13100-13199)
	EvaluationQueueFull ErrorCode = 13100
	CheckerError        ErrorCode = 13101
	MetricCodeFailed    ErrorCode = 13102

	// ========== Notebook Execution Errors (14000-14999) ==========

	// Run (14000-14099)
	PayloadTooLarge  ErrorCode = 14001
	SandboxViolation ErrorCode = 14002
	ExecTimeout      ErrorCode = 14003
	OOMOrKilled      ErrorCode = 14004
	NonzeroExit      ErrorCode = 14005
	RunInProgress    ErrorCode = 14006
	SessionNotFound  ErrorCode = 14007
	RunNotFound      ErrorCode = 14008
	InvalidRunState  ErrorCode = 14009

	// ========== VM & Session Lifecycle Errors (15000-15999) ==========

	VMInitFailed     ErrorCode = 15000
	VMNotFound       ErrorCode = 15001
	VMBackendInvalid ErrorCode = 15002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Submission
	SubmissionNotFound: "Submission not found",
	ProblemNotFound:    "Problem not found",
	GroundTruthMissing: "Ground truth file is not available",

	// Evaluation
	EvaluationQueueFull: "Evaluation queue is full, please try again later",
	CheckerError:        "Metric computation failed",
	MetricCodeFailed:    "Custom metric code failed",

	// Run
	PayloadTooLarge:  "Code payload is too large",
	SandboxViolation: "Operation denied by sandbox policy",
	ExecTimeout:      "Execution timed out",
	OOMOrKilled:      "Process was killed",
	NonzeroExit:      "Process exited with non-zero status",
	RunInProgress:    "Another run is active for this session",
	SessionNotFound:  "Session not found",
	RunNotFound:      "Run not found",
	InvalidRunState:  "Operation is not valid in the current run state",

	// VM
	VMInitFailed:     "Failed to initialize session VM",
	VMNotFound:       "VM not found",
	VMBackendInvalid: "Unsupported VM backend",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Kind returns the stable, transport-independent error kind reported to clients.
func (c ErrorCode) Kind() string {
	switch c {
	case Success:
		return ""
	case PayloadTooLarge:
		return "payload_too_large"
	case SandboxViolation:
		return "sandbox_violation"
	case ExecTimeout, Timeout:
		return "timeout"
	case OOMOrKilled:
		return "oom_or_killed"
	case NonzeroExit:
		return "nonzero_exit"
	case CheckerError, MetricCodeFailed:
		return "checker_error"
	case RunInProgress:
		return "run_in_progress"
	case NotFound, SessionNotFound, RunNotFound, SubmissionNotFound, ProblemNotFound, VMNotFound, RecordNotFound:
		return "not_found"
	case InvalidRunState, InvalidParams:
		return "validation_error"
	}
	if c >= 10300 && c < 10400 {
		return "validation_error"
	}
	return "internal"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden, c == SandboxViolation:
		return 403
	case c.Kind() == "not_found":
		return 404
	case c == RunInProgress, c == InvalidRunState, c == LockFailed:
		return 409
	case c == PayloadTooLarge:
		return 413
	case c == TooManyRequests, c == EvaluationQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout, c == ExecTimeout:
		return 504
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == CheckerError, c == MetricCodeFailed:
		return 400
	default:
		return 500
	}
}

var kindCodes = map[string]ErrorCode{
	"payload_too_large": PayloadTooLarge,
	"sandbox_violation": SandboxViolation,
	"timeout":           ExecTimeout,
	"oom_or_killed":     OOMOrKilled,
	"nonzero_exit":      NonzeroExit,
	"checker_error":     CheckerError,
	"run_in_progress":   RunInProgress,
	"not_found":         NotFound,
	"validation_error":  ValidationFailed,
	"internal":          InternalServerError,
}

// CodeForKind maps an error kind received from a peer back to a code.
func CodeForKind(kind string) ErrorCode {
	if code, ok := kindCodes[kind]; ok {
		return code
	}
	return InternalServerError
}
