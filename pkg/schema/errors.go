package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeConfig             = "CONFIG_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeOperatorFailed     = "OPERATOR_FAILED"
	ErrCodeWorkerLost         = "WORKER_LOST"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeSecretNotFound     = "SECRET_NOT_FOUND"
	ErrCodeSecretAccessDenied = "SECRET_ACCESS_DENIED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeVault              = "VAULT_ERROR"
)

// nonRetryable lists codes whose failures do not get better on a second try.
var nonRetryable = map[string]bool{
	ErrCodeValidation:         true,
	ErrCodeConfig:             true,
	ErrCodeNotFound:           true,
	ErrCodeConflict:           true,
	ErrCodeInvalidTransition:  true,
	ErrCodeCycleDetected:      true,
	ErrCodeRetryExhausted:     true,
	ErrCodeCancelled:          true,
	ErrCodeSecretAccessDenied: true,
}

// Error is the structured error type used across the engine, the store
// and operators. It is persisted as JSON on failed task rows.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  int64          `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.TaskID != 0 {
		return fmt.Sprintf("[%s] task %d: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code, so sentinel values such as
// ErrConflict work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// IsRetryable reports whether a failure with this code may succeed on retry.
func (e *Error) IsRetryable() bool {
	return !nonRetryable[e.Code]
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *Error) WithTask(taskID int64) *Error {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Sentinels for errors.Is checks. They carry only a code.
var (
	ErrNotFound           = &Error{Code: ErrCodeNotFound}
	ErrConflict           = &Error{Code: ErrCodeConflict}
	ErrSecretNotFound     = &Error{Code: ErrCodeSecretNotFound}
	ErrSecretAccessDenied = &Error{Code: ErrCodeSecretAccessDenied}
)

// AsError converts any error into an *Error, wrapping foreign errors with
// the given fallback code.
func AsError(err error, fallback string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallback, Message: err.Error(), Cause: err}
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
