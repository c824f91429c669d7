package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEvent  ErrorCode = "validation_invalid_event_type"
	ErrCodeValidationInvalidTarget ErrorCode = "validation_invalid_target"
	ErrCodeValidationPayloadSize   ErrorCode = "validation_payload_too_large"

	// Security rejection (403)
	ErrCodeSecurityRejected         ErrorCode = "security_validation_failed"
	ErrCodeSecurityTenantRequired   ErrorCode = "security_tenant_context_required"
	ErrCodeSecurityCrossTenant      ErrorCode = "cross_tenant_access_denied"
	ErrCodeSecurityBlockedEntity    ErrorCode = "security_entity_blocked"
	ErrCodeSecurityPIIViolation     ErrorCode = "security_pii_violation"
	ErrCodePermissionRole           ErrorCode = "permission_role_insufficient"
	ErrCodePermissionTenantMismatch ErrorCode = "permission_tenant_mismatch"

	// Throughput (429)
	ErrCodeRateLimit         ErrorCode = "rate_limit_exceeded"
	ErrCodeSecurityRateLimit ErrorCode = "security_rate_limit_exceeded"

	// Not Found (404)
	ErrCodeNotFoundNotification ErrorCode = "not_found_notification"
	ErrCodeNotFoundTenant       ErrorCode = "not_found_tenant"
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"

	// Conflict (409)
	ErrCodeConflictDuplicate ErrorCode = "conflict_duplicate_notification"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalPipeline   ErrorCode = "internal_pipeline_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamAdapter    ErrorCode = "upstream_adapter_unavailable"
	ErrCodeUpstreamResolver   ErrorCode = "upstream_resolver_unavailable"
	ErrCodeUpstreamScheduler  ErrorCode = "upstream_scheduler_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case c == ErrCodeRateLimit, c == ErrCodeSecurityRateLimit:
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "security_"),
		strings.HasPrefix(s, "permission_"),
		c == ErrCodeSecurityCrossTenant:
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the
// pipeline. All domain and handler errors should be expressed as AppError to
// enable consistent error formatting, HTTP status mapping, and error chain
// support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged
// in, without mutating the original.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
