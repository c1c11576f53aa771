// Package errors defines the single discriminated error type returned by
// every core operation. Transport translates it to an HTTP status at one
// boundary layer; business logic only ever sees the machine-readable code.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
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
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Error codes. These are the wire-visible taxonomy; handlers and services
// must not invent codes outside this set.
const (
	CodeInvalidClient        = "invalid_client"
	CodeInvalidRequest       = "invalid_request"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInsufficientScope    = "insufficient_scope"
	CodeUserTypeNotAllowed   = "user_type_not_allowed"
	CodeGeographicRestricted = "geographic_restriction"
	CodePermissionDenied     = "permission_denied"
	CodePaymentRequired      = "payment_required"
	CodePaymentFailed        = "payment_failed"
	CodeLicenseNotFound      = "license_not_found"
	CodeLicenseInactive      = "license_inactive"
	CodeInvalidURL           = "invalid_url"
	CodeInvalidEvents        = "invalid_events"
	CodeSubscriptionNotFound = "subscription_not_found"
	CodeConflict             = "conflict"
	CodeInternal             = "internal_error"
)

// Predefined errors for common scenarios
var (
	ErrInvalidClient = New(http.StatusUnauthorized, CodeInvalidClient, "Client authentication failed")
	ErrInvalidRequest = New(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format")
	ErrUnsupportedGrantType = New(http.StatusBadRequest, CodeUnsupportedGrantType, "Grant type is not supported")
	ErrInsufficientScope = New(http.StatusForbidden, CodeInsufficientScope, "Token scope does not cover the request")
	ErrUserTypeNotAllowed = New(http.StatusForbidden, CodeUserTypeNotAllowed, "License does not permit this user type")
	ErrGeographicRestricted = New(http.StatusForbidden, CodeGeographicRestricted, "License restricts this geography")
	ErrPermissionDenied = New(http.StatusForbidden, CodePermissionDenied, "License does not grant the requested permission")
	ErrPaymentRequired = New(http.StatusPaymentRequired, CodePaymentRequired, "Payment is required before access can be granted")
	ErrPaymentFailed = New(http.StatusUnprocessableEntity, CodePaymentFailed, "Payment processing failed")
	ErrLicenseNotFound = New(http.StatusNotFound, CodeLicenseNotFound, "License not found")
	ErrLicenseInactive = New(http.StatusForbidden, CodeLicenseInactive, "License has been deactivated")
	ErrInvalidURL = New(http.StatusBadRequest, CodeInvalidURL, "Webhook URL is not parsable")
	ErrInvalidEvents = New(http.StatusBadRequest, CodeInvalidEvents, "One or more event types are not recognized")
	ErrSubscriptionNotFound = New(http.StatusNotFound, CodeSubscriptionNotFound, "Webhook subscription not found")
	ErrConflict = New(http.StatusConflict, CodeConflict, "Resource was modified concurrently")
	ErrInternal = New(http.StatusInternalServerError, CodeInternal, "Internal server error")
)

// ValidationError represents a single field validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InvalidRequestWithError creates an invalid request error carrying the
// underlying cause as detail.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// ErrValidation creates a validation error with field details
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// NewValidationErrors creates a request error from multiple field failures
func NewValidationErrors(errors []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Request validation failed", errors)
}

// LicenseNotFoundError creates a license not found error naming the id
func LicenseNotFoundError(licenseID string) *APIError {
	return NewWithDetails(http.StatusNotFound, CodeLicenseNotFound, "License not found", licenseID)
}

// InternalError wraps an unexpected failure. The underlying cause is only
// attached in development mode; production callers see the generic message
// while the full error goes to the log.
func InternalError(err error, development bool) *APIError {
	if development && err != nil {
		return NewWithDetails(http.StatusInternalServerError, CodeInternal, "Internal server error", err.Error())
	}
	return ErrInternal
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   err,
	}
}

// Render implements the render.Renderer interface
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(NewErrorResponse(err))
}

// IsCode reports whether err is an *APIError carrying the given code.
func IsCode(err error, code string) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.ErrorCode == code
}

// FromDecisionCode maps a policy decision code to its boundary error.
func FromDecisionCode(code string) *APIError {
	switch code {
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeUserTypeNotAllowed:
		return ErrUserTypeNotAllowed
	case CodeGeographicRestricted:
		return ErrGeographicRestricted
	case CodePaymentRequired:
		return ErrPaymentRequired
	case CodePaymentFailed:
		return ErrPaymentFailed
	case CodeLicenseInactive:
		return ErrLicenseInactive
	default:
		return New(http.StatusForbidden, code, fmt.Sprintf("Access denied: %s", code))
	}
}
