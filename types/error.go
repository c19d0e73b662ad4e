package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Domain error codes
const (
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrNotOwner           ErrorCode = "NOT_OWNER"
	ErrAlreadyResolved    ErrorCode = "ALREADY_RESOLVED"
	ErrWrongRecipient     ErrorCode = "WRONG_RECIPIENT"
	ErrCapabilityMismatch ErrorCode = "CAPABILITY_MISMATCH"
	ErrCapacityExceeded   ErrorCode = "CAPACITY_EXCEEDED"
	ErrValidation         ErrorCode = "VALIDATION"
)

// Infrastructure error codes
const (
	ErrTransientStoreFailure ErrorCode = "TRANSIENT_STORE_FAILURE"
	ErrInternalError         ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
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

// NotFoundError reports an unknown task, agent, workflow, handoff or blocker.
func NotFoundError(kind, key string) *Error {
	return Errorf(ErrNotFound, "%s %q not found", kind, key)
}

// ValidationError reports malformed input.
func ValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// TransientStoreError wraps a storage failure that is safe to retry.
func TransientStoreError(cause error) *Error {
	return NewError(ErrTransientStoreFailure, "storage backend unavailable").
		WithCause(cause).
		WithRetryable(true)
}

// AsError extracts the structured error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}
