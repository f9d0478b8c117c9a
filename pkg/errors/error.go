package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

const maxStackDepth = 10

// Error carries an ErrorCode through the call chain.
type Error struct {
	Code    ErrorCode
	Message string                 // overrides Code.Message() when set
	Details map[string]interface{} // reported to clients as "details"
	Err     error
	Stack   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind is the client-facing kind of the error code.
func (e *Error) Kind() string {
	return e.Code.Kind()
}

func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Details: make(map[string]interface{}),
		Err:     cause,
		Stack:   getStack(3),
	}
}

// New creates an Error with the default message of code.
func New(code ErrorCode) *Error {
	return newError(code, code.Message(), nil)
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code to err. An *Error is re-coded in place.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.Code = code
		return e
	}
	return newError(code, err.Error(), err)
}

// Wrapf wraps err with code and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(code, fmt.Sprintf(format, args...), err)
}

// FromPeer rebuilds an error received over a wire protocol. A known code
// wins; otherwise the kind picks a representative code.
func FromPeer(code ErrorCode, kind, message string) *Error {
	if _, known := errorMessages[code]; !known || code == Success || (kind != "" && code.Kind() != kind) {
		code = CodeForKind(kind)
	}
	if message == "" {
		message = code.Message()
	}
	return newError(code, message, nil)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

// GetCode returns the code of the first *Error in err's chain, Success for
// nil and InternalServerError for foreign errors.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// GetError returns err as an *Error, wrapping foreign errors as internal.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	var e *Error
	if stderrors.As(err, &e) {
		out := *e
		out.Message = err.Error()
		out.Err = err
		return &out
	}
	return Wrap(err, InternalServerError)
}

// Is reports whether err's chain holds an *Error with code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// KindOf returns the client-facing kind of err.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	return GetCode(err).Kind()
}

func getStack(skip int) string {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// BadRequest creates an InvalidParams error.
func BadRequest(msg string) *Error {
	return New(InvalidParams).WithMessage(msg)
}

// NotFoundError creates a NotFound error for resource.
func NotFoundError(resource string) *Error {
	return Newf(NotFound, "%s not found", resource)
}

// Violation creates a sandbox policy error.
func Violation(format string, args ...interface{}) *Error {
	return Newf(SandboxViolation, format, args...)
}

// InternalError wraps err as InternalServerError.
func InternalError(err error) *Error {
	if err == nil {
		return New(InternalServerError)
	}
	return Wrap(err, InternalServerError)
}

// ValidationError reports an invalid field.
func ValidationError(field, reason string) *Error {
	return New(ValidationFailed).
		WithDetail("field", field).
		WithDetail("reason", reason)
}
