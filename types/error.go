package types

import "fmt"

// ErrorCode represents a unified error code across the control plane.
// The wire surface exposes the stable subset invalid_argument | not_found |
// conflict | internal; the remaining codes classify internal recovery paths.
type ErrorCode string

// Caller-visible error codes.
const (
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotFound        ErrorCode = "not_found"
	ErrConflict        ErrorCode = "conflict"
	ErrInternal        ErrorCode = "internal"
)

// Execution error codes. These never reach the API envelope directly:
// retryable failures are absorbed by the retry loop, terminal failures end the
// run, and replay divergence is surfaced as internal.
const (
	ErrRetryableFailure ErrorCode = "retryable_failure"
	ErrTerminalFailure  ErrorCode = "terminal_failure"
	ErrReplayDivergence ErrorCode = "replay_divergence"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"retryable,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetails adds free-form detail text to the error.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable || e.Code == ErrRetryableFailure
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsConflict reports whether err carries the conflict code.
func IsConflict(err error) bool {
	return GetErrorCode(err) == ErrConflict
}

// IsNotFound reports whether err carries the not_found code.
func IsNotFound(err error) bool {
	return GetErrorCode(err) == ErrNotFound
}
