package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Store-level sentinel errors. Adapters wrap them so callers can branch with
// errors.Is without knowing the backend.
var (
	// ErrNotFound indicates that the requested document does not exist or is
	// not visible to the viewer.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write loses an optimistic concurrency race.
	ErrConflict = errors.New("document update conflict")

	// ErrForbidden is returned when the viewer lacks the required permission.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized is returned when credentials are missing or invalid.
	ErrUnauthorized = errors.New("authentication required")
)

// APIError is the stable, structured error payload returned to clients:
//
//	{ "@type": "Error", "statusCode": 400, "description": "..." }
type APIError struct {
	Type        string `json:"@type"`
	StatusCode  int    `json:"statusCode"`
	Description string `json:"description"`

	cause error
}

// Error implements error.
func (e *APIError) Error() string {
	if e.cause != nil && e.cause.Error() != e.Description {
		return fmt.Sprintf("%d %s: %v", e.StatusCode, e.Description, e.cause)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Description)
}

// Unwrap exposes the underlying cause.
func (e *APIError) Unwrap() error { return e.cause }

// NewError builds an APIError with a formatted description. Unknown status
// codes are normalized to 500.
func NewError(status int, format string, args ...any) *APIError {
	return &APIError{
		Type:        "Error",
		StatusCode:  NormalizeStatus(status),
		Description: fmt.Sprintf(format, args...),
	}
}

// WrapError builds an APIError around cause, using the cause message as the
// description.
func WrapError(status int, cause error) *APIError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &APIError{
		Type:        "Error",
		StatusCode:  NormalizeStatus(status),
		Description: msg,
		cause:       cause,
	}
}

// NormalizeStatus maps status codes unknown to net/http to 500.
func NormalizeStatus(status int) int {
	if http.StatusText(status) == "" {
		return http.StatusInternalServerError
	}
	return status
}

// AsAPIError maps any error onto the API error taxonomy. APIErrors anywhere in
// the chain are returned as-is; store sentinels map to their nearest HTTP
// status; everything else is a 500.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return WrapError(http.StatusNotFound, err)
	case errors.Is(err, ErrConflict):
		return WrapError(http.StatusConflict, err)
	case errors.Is(err, ErrForbidden):
		return WrapError(http.StatusForbidden, err)
	case errors.Is(err, ErrUnauthorized):
		return WrapError(http.StatusUnauthorized, err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(http.StatusGatewayTimeout, err)
	}
	return WrapError(http.StatusInternalServerError, err)
}

// StatusOf returns the HTTP status AsAPIError would assign to err.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return AsAPIError(err).StatusCode
}
