// Package apierr defines the closed error vocabulary of the service
// boundary. Every error that crosses the HTTP surface is one of these
// kinds; the HTTP layer translates them to the unified error body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, snake_case error code.
type Kind string

const (
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindInvalidToken         Kind = "invalid_token"
	KindTokenExpired         Kind = "token_expired"
	KindAppDisabled          Kind = "app_disabled"
	KindInsufficientScope    Kind = "insufficient_scope"
	KindLoginMethodDisabled  Kind = "login_method_disabled"
	KindUserNotBound         Kind = "user_not_bound"
	KindAccountLocked        Kind = "account_locked"
	KindAccountNotActive     Kind = "account_not_active"
	KindCodeInvalidOrExpired Kind = "code_invalid_or_expired"
	KindUserNotFound         Kind = "user_not_found"
	KindConflictEmail        Kind = "conflict_email"
	KindConflictUsername     Kind = "conflict_username"
	KindConflictPhone        Kind = "conflict_phone"
	KindPasswordWeak         Kind = "password_weak"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindCodeSendRateLimited  Kind = "code_send_rate_limited"
	KindRequestQuotaExceeded Kind = "request_quota_exceeded"
	KindTokenQuotaExceeded   Kind = "token_quota_exceeded"
	KindQuotaNotConfigured   Kind = "quota_not_configured"
	KindValidation           Kind = "validation_error"
	KindUpstream             Kind = "upstream_error"
	KindServiceUnavailable   Kind = "service_unavailable"
)

// defaultStatus maps each kind to its HTTP status. The two dual-status
// kinds (code_invalid_or_expired, user_not_found) default to their login
// flavor; the register/profile constructors override.
var defaultStatus = map[Kind]int{
	KindInvalidCredentials:   http.StatusUnauthorized,
	KindInvalidToken:         http.StatusUnauthorized,
	KindTokenExpired:         http.StatusUnauthorized,
	KindAppDisabled:          http.StatusForbidden,
	KindInsufficientScope:    http.StatusForbidden,
	KindLoginMethodDisabled:  http.StatusBadRequest,
	KindUserNotBound:         http.StatusForbidden,
	KindAccountLocked:        http.StatusForbidden,
	KindAccountNotActive:     http.StatusForbidden,
	KindCodeInvalidOrExpired: http.StatusUnauthorized,
	KindUserNotFound:         http.StatusUnauthorized,
	KindConflictEmail:        http.StatusConflict,
	KindConflictUsername:     http.StatusConflict,
	KindConflictPhone:        http.StatusConflict,
	KindPasswordWeak:         http.StatusBadRequest,
	KindRateLimitExceeded:    http.StatusTooManyRequests,
	KindCodeSendRateLimited:  http.StatusTooManyRequests,
	KindRequestQuotaExceeded: http.StatusTooManyRequests,
	KindTokenQuotaExceeded:   http.StatusTooManyRequests,
	KindQuotaNotConfigured:   http.StatusForbidden,
	KindValidation:           http.StatusUnprocessableEntity,
	KindUpstream:             http.StatusBadGateway,
	KindServiceUnavailable:   http.StatusServiceUnavailable,
}

// Error is the single error type crossing the service boundary.
type Error struct {
	Code    Kind
	Status  int
	Message string
	Details map[string]any
	Err     error // wrapped cause, never serialized
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with its default status.
func New(kind Kind, message string) *Error {
	return &Error{Code: kind, Status: defaultStatus[kind], Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Err = cause
	return e
}

// WithDetails attaches structured detail fields; returns the receiver for
// chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// From extracts an *Error from err, or converts it. Unknown errors become
// service_unavailable so internals never leak to clients.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(KindServiceUnavailable, "an internal error occurred", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == kind
}

// Convenience constructors for the common kinds.

func InvalidCredentials(msg string) *Error { return New(KindInvalidCredentials, msg) }
func InvalidToken(msg string) *Error       { return New(KindInvalidToken, msg) }
func TokenExpired(msg string) *Error       { return New(KindTokenExpired, msg) }
func AppDisabled() *Error                  { return New(KindAppDisabled, "application is disabled") }
func InsufficientScope(scope string) *Error {
	return New(KindInsufficientScope, "application lacks the required scope").
		WithDetails(map[string]any{"required_scope": scope})
}
func LoginMethodDisabled(method string) *Error {
	return New(KindLoginMethodDisabled, "login method is not enabled for this application").
		WithDetails(map[string]any{"method": method})
}
func UserNotBound() *Error {
	return New(KindUserNotBound, "user is not bound to the calling application")
}
func AccountLocked() *Error {
	return New(KindAccountLocked, "account is temporarily locked")
}
func AccountNotActive() *Error {
	return New(KindAccountNotActive, "account is not active")
}
func PasswordWeak(msg string) *Error { return New(KindPasswordWeak, msg) }
func Validation(msg string) *Error   { return New(KindValidation, msg) }
func Upstream(msg string, cause error) *Error {
	return Wrap(KindUpstream, msg, cause)
}
func ServiceUnavailable(msg string, cause error) *Error {
	return Wrap(KindServiceUnavailable, msg, cause)
}

// CodeInvalidLogin is the login flavor of a bad verification code (401).
func CodeInvalidLogin() *Error {
	return New(KindCodeInvalidOrExpired, "verification code is invalid or expired")
}

// CodeInvalidRegister is the registration flavor (400).
func CodeInvalidRegister() *Error {
	e := New(KindCodeInvalidOrExpired, "verification code is invalid or expired")
	e.Status = http.StatusBadRequest
	return e
}

// UserNotFoundLogin is the login flavor (401); the message deliberately
// matches invalid credentials to prevent user enumeration.
func UserNotFoundLogin() *Error {
	e := New(KindUserNotFound, "invalid credentials")
	return e
}

// UserNotFoundProfile is the lookup flavor (404).
func UserNotFoundProfile() *Error {
	e := New(KindUserNotFound, "user not found")
	e.Status = http.StatusNotFound
	return e
}
