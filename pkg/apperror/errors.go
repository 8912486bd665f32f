// Package apperror provides coded application errors shared by the service
// and its HTTP layer, together with the mapping of codes to HTTP statuses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific application error code.
type ErrorCode string

const (
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidPagination ErrorCode = "INVALID_PAGINATION"
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeMethodNotAllowed  ErrorCode = "METHOD_NOT_ALLOWED"

	// Simulation lifecycle
	CodeSimulationInvalid ErrorCode = "SIMULATION_INVALID"
	CodeSimulationRunning ErrorCode = "SIMULATION_RUNNING"
)

// Error is a custom error type that includes an ErrorCode, message,
// an optional field, additional details and an underlying cause.
type Error struct {
	Code    ErrorCode      // Code is a unique identifier for the type of error.
	Message string         // Message is a human-readable description of the error.
	Field   string         // Field indicates which input field caused the error, if applicable.
	Details map[string]any // Details provides additional structured information about the error.
	Cause   error          // Cause is the underlying error that triggered this application error.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidArgument, CodeInvalidPagination:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeSimulationInvalid, CodeSimulationRunning:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new application error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewWithField creates a new application error bound to an input field.
func NewWithField(code ErrorCode, message, field string) *Error {
	e := New(code, message)
	e.Field = field
	return e
}

// Wrap creates a new application error that wraps an existing error.
func Wrap(cause error, code ErrorCode, message string) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithDetails adds a key-value pair to the error's details map.
func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// Is checks if err is an application error with a matching ErrorCode.
func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error, CodeInternal for foreign errors.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status for any error; foreign errors are 500.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// PublicMessage returns a message that is safe to show to API clients.
// Messages of internal errors are replaced so store details do not leak.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != CodeInternal {
		return appErr.Message
	}
	return "internal error"
}

// Predefined errors for common scenarios.
var (
	ErrSimulationNotFound = New(CodeNotFound, "simulation not found")
	ErrUnauthenticated    = New(CodeUnauthenticated, "authentication required")
	ErrRateLimited        = New(CodeRateLimited, "rate limit exceeded")
)
