package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents connection-related errors
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeRateLimit represents rate limit errors
	ErrTypeRateLimit ErrorType = "rate_limit"

	// ErrTypeNotAuthorized means no credential record exists for the tenant;
	// the tenant must complete the authorization flow before any call can be made
	ErrTypeNotAuthorized ErrorType = "not_authorized"
	// ErrTypeCredentialRevoked means the tenant's credential was explicitly revoked;
	// terminal until the tenant re-authorizes
	ErrTypeCredentialRevoked ErrorType = "credential_revoked"
	// ErrTypeRefreshFailed means the provider rejected the refresh token
	// (invalid_grant); the credential is marked expired and is not auto-retried
	ErrTypeRefreshFailed ErrorType = "refresh_failed"
	// ErrTypeRefreshUnavailable means the refresh could not be completed due to a
	// transient provider condition (network, 5xx, rate limit); retryable by the caller
	ErrTypeRefreshUnavailable ErrorType = "refresh_unavailable"
	// ErrTypeVersionConflict means an optimistic-concurrency write lost to a
	// concurrent winner; resolved internally by re-reading, never surfaced to callers
	ErrTypeVersionConflict ErrorType = "version_conflict"
	// ErrTypeCallUnauthorized means the downstream API rejected even a freshly
	// refreshed token; surfaced after exactly one corrective retry
	ErrTypeCallUnauthorized ErrorType = "call_unauthorized"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// RateLimitError creates a new rate limit error
func RateLimitError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimit,
		Message: fmt.Sprintf("rate limit exceeded for %s", resource),
	}
}

// NotAuthorizedError creates an error for a tenant with no credential record
func NotAuthorizedError(tenantID string) *AppError {
	return &AppError{
		Type:    ErrTypeNotAuthorized,
		Message: fmt.Sprintf("tenant %s has no credential on file", tenantID),
	}
}

// CredentialRevokedError creates an error for a revoked credential
func CredentialRevokedError(tenantID string) *AppError {
	return &AppError{
		Type:    ErrTypeCredentialRevoked,
		Message: fmt.Sprintf("credential for tenant %s has been revoked", tenantID),
	}
}

// RefreshFailedError creates an error for a terminally rejected refresh token
func RefreshFailedError(tenantID string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeRefreshFailed,
		Message: fmt.Sprintf("refresh token for tenant %s was rejected", tenantID),
		Cause:   cause,
	}
}

// RefreshUnavailableError creates a retryable error for a transient refresh failure
func RefreshUnavailableError(tenantID string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeRefreshUnavailable,
		Message: fmt.Sprintf("token refresh for tenant %s temporarily unavailable", tenantID),
		Cause:   cause,
	}
}

// VersionConflictError creates an error for a lost optimistic-concurrency write
func VersionConflictError(tenantID string) *AppError {
	return &AppError{
		Type:    ErrTypeVersionConflict,
		Message: fmt.Sprintf("credential for tenant %s was modified concurrently", tenantID),
	}
}

// CallUnauthorizedError creates an error for a downstream call rejected after retry
func CallUnauthorizedError(tenantID string) *AppError {
	return &AppError{
		Type:    ErrTypeCallUnauthorized,
		Message: fmt.Sprintf("downstream API rejected refreshed token for tenant %s", tenantID),
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsRetryable reports whether the caller may usefully retry the operation on
// its own schedule. Terminal conditions (revoked, refresh rejected, missing
// credential) return false.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrTypeConnection, ErrTypeTimeout, ErrTypeRateLimit, ErrTypeRefreshUnavailable:
		return true
	default:
		return false
	}
}
