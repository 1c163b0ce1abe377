package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the retrieval stack.
type ErrorCode string

// Request validation error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrConfiguration  ErrorCode = "CONFIGURATION_ERROR"
	ErrTenantMismatch ErrorCode = "TENANT_MISMATCH"
)

// Retrieval pipeline error codes
const (
	ErrEmbeddingFailure   ErrorCode = "EMBEDDING_FAILURE"
	ErrUpstreamTransient  ErrorCode = "UPSTREAM_TRANSIENT"
	ErrPlannerFailure     ErrorCode = "PLANNER_FAILURE"
	ErrRerankFailure      ErrorCode = "RERANK_FAILURE"
	ErrSignatureMismatch  ErrorCode = "SIGNATURE_MISMATCH"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Upstream provider error codes
const (
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrForbidden       ErrorCode = "FORBIDDEN"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
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

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in the chain carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
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

// NewConfigurationError 用于拒绝非法的 scope 配置（例如 institutional 缺少 tenant_id）。
func NewConfigurationError(message string) *Error {
	return NewError(ErrConfiguration, message).WithHTTPStatus(400)
}

// NewTenantMismatchError 请求上下文中的租户与显式过滤条件不一致。
func NewTenantMismatchError(ctxTenant, filterTenant string) *Error {
	return NewError(ErrTenantMismatch,
		fmt.Sprintf("tenant mismatch: request=%q filter=%q", ctxTenant, filterTenant)).
		WithHTTPStatus(403)
}

// NewEmbeddingFailure 查询向量缺失，检索无法继续。
func NewEmbeddingFailure(message string, cause error) *Error {
	return NewError(ErrEmbeddingFailure, message).WithCause(cause).WithHTTPStatus(502)
}

// NewUpstreamTransientError wraps a recoverable backend failure.
func NewUpstreamTransientError(message string, cause error) *Error {
	return NewError(ErrUpstreamTransient, message).WithCause(cause).WithRetryable(true)
}
