package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is the structured error body returned by every endpoint.
// The wire shape is {ok:false, error:..., code:...} so clients can
// distinguish failure classes without parsing message text.
type APIError struct {
	StatusCode int    `json:"-"`
	OK         bool   `json:"ok"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"error"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters
func New(statusCode int, code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// Predefined error responses for common scenarios
var (
	// 400 Bad Request
	ErrInvalidRequest = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrMissingKey     = New(http.StatusBadRequest, "MISSING_KEY", "License key is required")
	ErrMissingID      = New(http.StatusBadRequest, "MISSING_ID", "License ID required")

	// 401 Unauthorized
	ErrNoToken      = New(http.StatusUnauthorized, "NO_TOKEN", "No token provided")
	ErrInvalidToken = New(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
	ErrInvalidKey   = New(http.StatusUnauthorized, "INVALID_KEY", "Invalid license key")

	// 403 Forbidden
	ErrLicenseRevoked = New(http.StatusForbidden, "LICENSE_REVOKED", "This license has been revoked. Please contact support.")
	ErrLicenseExpired = New(http.StatusForbidden, "LICENSE_EXPIRED", "This license has expired. Please contact support.")

	// 404 Not Found
	ErrLicenseNotFound = New(http.StatusNotFound, "LICENSE_NOT_FOUND", "License not found")

	// 500 Internal Server Error
	ErrInternalServer = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrStorage        = New(http.StatusInternalServerError, "STORAGE_ERROR", "Failed to persist license state")
)

// RateLimited creates a 429 response carrying the retry-after estimate
// in its message, matching the activation contract.
func RateLimited(message string) *APIError {
	return New(http.StatusTooManyRequests, "RATE_LIMITED", message)
}

// InvalidRequestWithError creates an invalid request error wrapping a
// bind failure.
func InvalidRequestWithError(err error) *APIError {
	return New(http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("Invalid request: %v", err))
}

// Is matches APIErrors by code so service failures can be tested with
// errors.Is regardless of message wrapping.
func (e *APIError) Is(target error) bool {
	var apiErr *APIError
	if !errors.As(target, &apiErr) {
		return false
	}
	return e.Code == apiErr.Code
}

// FromError maps an arbitrary error to an APIError, defaulting to an
// internal server error for anything untyped. Storage failures must
// surface as 5xx, never be swallowed.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternalServer
}
