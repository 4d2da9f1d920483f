package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeConflict          = "CONCURRENCY_CONFLICT"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExecutor          = "EXECUTOR_ERROR"
)

// Error is the structured error type returned by every procman operation.
type Error struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	StepSequence int            `json:"step_sequence,omitempty"`
	Cause        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepSequence > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepSequence, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may succeed when attempted again
// after reloading state. Usage errors never are.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step sequence to the error.
func (e *Error) WithStep(sequence int) *Error {
	e.StepSequence = sequence
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

// HasCode reports whether err (or any error it wraps) is an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
