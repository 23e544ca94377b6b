// Package errcode defines the cross-boundary error taxonomy: stable error
// codes, their retryability defaults, and the HTTP status mapping used by the
// control API and by adapters reporting results back to the orchestrator.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

// Validation and lookup codes.
const (
	InvalidManifest  Code = "INVALID_MANIFEST"
	ValidationFailed Code = "VALIDATION_FAILED"
	Unauthorized     Code = "UNAUTHORIZED"
	Forbidden        Code = "FORBIDDEN"
	StudyNotFound    Code = "STUDY_NOT_FOUND"
	JobNotFound      Code = "JOB_NOT_FOUND"
	InvalidRequest   Code = "INVALID_REQUEST"
)

// Retryable execution codes.
const (
	RateLimited        Code = "RATE_LIMITED"
	NetworkError       Code = "NETWORK_ERROR"
	Timeout            Code = "TIMEOUT"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	InvalidResponse    Code = "INVALID_RESPONSE"
	SessionExpired     Code = "SESSION_EXPIRED"
	TemporaryFailure   Code = "TEMPORARY_FAILURE"
	ProxyError         Code = "PROXY_ERROR"
	SurfaceUnavailable Code = "SURFACE_UNAVAILABLE"
)

// Non-retryable execution codes.
const (
	AuthFailed      Code = "AUTH_FAILED"
	QuotaExceeded   Code = "QUOTA_EXCEEDED"
	ContentBlocked  Code = "CONTENT_BLOCKED"
	CaptchaRequired Code = "CAPTCHA_REQUIRED"
)

// System codes.
const (
	InternalError  Code = "INTERNAL_ERROR"
	DatabaseError  Code = "DATABASE_ERROR"
	SessionInvalid Code = "SESSION_INVALID"
)

// retryableDefaults is the default retryability table. CONTENT_BLOCKED and
// CAPTCHA_REQUIRED stay non-retryable here; callers that want them retried
// override via retry.Policy.RetryConditions.
var retryableDefaults = map[Code]bool{
	RateLimited:        true,
	NetworkError:       true,
	Timeout:            true,
	ServiceUnavailable: true,
	InvalidResponse:    true,
	SessionExpired:     true,
	TemporaryFailure:   true,
	ProxyError:         true,
	SurfaceUnavailable: true,

	AuthFailed:      false,
	QuotaExceeded:   false,
	InvalidRequest:  false,
	ContentBlocked:  false,
	CaptchaRequired: false,
}

// httpStatus maps codes to HTTP statuses for API boundary parity.
var httpStatus = map[Code]int{
	InvalidManifest:  http.StatusBadRequest,
	ValidationFailed: http.StatusBadRequest,
	InvalidRequest:   http.StatusBadRequest,

	Unauthorized: http.StatusUnauthorized,
	Forbidden:    http.StatusForbidden,

	StudyNotFound: http.StatusNotFound,
	JobNotFound:   http.StatusNotFound,

	RateLimited:   http.StatusTooManyRequests,
	QuotaExceeded: http.StatusTooManyRequests,

	TemporaryFailure:   http.StatusServiceUnavailable,
	Timeout:            http.StatusServiceUnavailable,
	SurfaceUnavailable: http.StatusServiceUnavailable,

	InternalError:   http.StatusInternalServerError,
	DatabaseError:   http.StatusInternalServerError,
	SessionInvalid:  http.StatusInternalServerError,
	ProxyError:      http.StatusInternalServerError,
	CaptchaRequired: http.StatusInternalServerError,
	ContentBlocked:  http.StatusInternalServerError,
	NetworkError:    http.StatusInternalServerError,
	InvalidResponse: http.StatusInternalServerError,
	SessionExpired:  http.StatusInternalServerError,
	ServiceUnavailable: http.StatusServiceUnavailable,
}

// IsRetryable reports the default retryability of a code.
// Unknown codes are treated as retryable TEMPORARY_FAILURE-like conditions.
func IsRetryable(c Code) bool {
	if v, ok := retryableDefaults[c]; ok {
		return v
	}
	return true
}

// HTTPStatus returns the HTTP status for a code, defaulting to 500.
func HTTPStatus(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the structured error carried across the API and adapter boundary.
type Error struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	HTTPStatus  int            `json:"httpStatus"`
	Retryable   bool           `json:"retryable"`
	UserMessage string         `json:"userMessage,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two *Error values by code, so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an Error with defaults derived from the code.
func New(c Code, msg string) *Error {
	return &Error{
		Code:       c,
		Message:    msg,
		HTTPStatus: HTTPStatus(c),
		Retryable:  IsRetryable(c),
	}
}

// Newf creates an Error with a formatted message.
func Newf(c Code, format string, args ...any) *Error {
	return New(c, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping a cause.
func Wrap(c Code, msg string, cause error) *Error {
	e := New(c, msg)
	e.Cause = cause
	return e
}

// CodeOf extracts the taxonomy code from an error chain.
// Plain errors classify as INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
