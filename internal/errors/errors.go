// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeUnauthenticated indicates a credential that failed verification (HTTP 401)
	TypeUnauthenticated ErrorType = "unauthenticated"
	// TypeExpired indicates an expired credential (HTTP 401)
	TypeExpired ErrorType = "expired"
	// TypeMalformed indicates a credential or message that could not be parsed (HTTP 400)
	TypeMalformed ErrorType = "malformed"
	// TypeForbidden indicates an authenticated actor outside its allowed workspaces (HTTP 403)
	TypeForbidden ErrorType = "forbidden"
	// TypeRateLimited indicates an admission denial, recoverable by waiting (HTTP 429)
	TypeRateLimited ErrorType = "rate_limited"
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeTransport indicates a connection-level failure that forces teardown
	TypeTransport ErrorType = "transport"
	// TypeBusUnavailable indicates the shared bus is unreachable; delivery degrades to local-only
	TypeBusUnavailable ErrorType = "bus_unavailable"
	// TypeInternal indicates a server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeUnauthenticated, TypeExpired:
		return http.StatusUnauthorized
	case TypeMalformed, TypeValidation:
		return http.StatusBadRequest
	case TypeForbidden:
		return http.StatusForbidden
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeBusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UnauthenticatedError creates a new credential-verification error (HTTP 401).
func UnauthenticatedError(message string, cause error) *Error {
	return &Error{Type: TypeUnauthenticated, Message: message, Cause: cause, Context: make(map[string]any)}
}

// ExpiredError creates a new expired-credential error (HTTP 401).
func ExpiredError(message string) *Error {
	return &Error{Type: TypeExpired, Message: message, Context: make(map[string]any)}
}

// MalformedError creates a new unparsable-input error (HTTP 400).
func MalformedError(message string, cause error) *Error {
	return &Error{Type: TypeMalformed, Message: message, Cause: cause, Context: make(map[string]any)}
}

// ForbiddenError creates a new workspace-authorization error (HTTP 403).
func ForbiddenError(message string) *Error {
	return &Error{Type: TypeForbidden, Message: message, Context: make(map[string]any)}
}

// RateLimitedError creates a new admission-denial error (HTTP 429).
// retryAfterSeconds is surfaced to the caller in the response.
func RateLimitedError(retryAfterSeconds int) *Error {
	e := &Error{Type: TypeRateLimited, Message: "rate limit exceeded", Context: make(map[string]any)}
	return e.WithContext("retry_after", retryAfterSeconds)
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return &Error{Type: TypeValidation, Message: message, Context: make(map[string]any)}
}

// TransportError creates a new transport error. Not surfaced over HTTP;
// recorded as the connection's close reason.
func TransportError(message string, cause error) *Error {
	return &Error{Type: TypeTransport, Message: message, Cause: cause, Context: make(map[string]any)}
}

// BusUnavailableError creates a new bus-outage error (HTTP 503).
func BusUnavailableError(cause error) *Error {
	return &Error{Type: TypeBusUnavailable, Message: "event bus unavailable", Cause: cause, Context: make(map[string]any)}
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause, Context: make(map[string]any)}
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
