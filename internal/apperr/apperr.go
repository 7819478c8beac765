// Package apperr defines the typed error kinds the request plane produces
// and their HTTP status / severity mappings. Handlers never leak raw
// upstream payloads; everything crossing the API boundary is one of these.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a request-plane failure class.
type Kind string

const (
	KindMissingToken    Kind = "MissingToken"
	KindInvalidToken    Kind = "InvalidToken"
	KindExpiredToken    Kind = "ExpiredToken"
	KindWrongTokenKind  Kind = "WrongTokenKind"
	KindAuthFailed      Kind = "AuthFailed"
	KindUserInactive    Kind = "UserInactive"
	KindTenantUnknown   Kind = "TenantUnknown"
	KindTenantSuspended Kind = "TenantSuspended"
	KindTenantDeleted   Kind = "TenantDeleted"
	KindRateLimited     Kind = "RateLimited"

	KindUnknownOperation Kind = "UnknownOperation"
	KindInvalidPayload   Kind = "InvalidPayload"
	KindModelForbidden   Kind = "ModelForbidden"

	KindUpstreamAuthFailed  Kind = "UpstreamAuthFailed"
	KindUpstreamTimeout     Kind = "UpstreamTimeout"
	KindUpstreamUnreachable Kind = "UpstreamUnreachable"
	KindUpstreamError       Kind = "UpstreamError"

	KindCryptoError Kind = "CryptoError"
	KindInternal    Kind = "InternalError"
)

// Error is a typed failure with an HTTP mapping. RetryAfter is only set for
// rate-limit denials (seconds until the nearest bucket resets).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int
	wrapped    error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a typed error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: cause}
}

// From extracts a typed error from err, or wraps it as InternalError.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(KindInternal, "internal error", err)
}

// HTTPStatus maps the kind to its response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindMissingToken, KindInvalidToken, KindExpiredToken, KindWrongTokenKind,
		KindAuthFailed, KindUserInactive, KindTenantUnknown:
		return http.StatusUnauthorized
	case KindTenantSuspended:
		return http.StatusForbidden
	case KindTenantDeleted:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnknownOperation, KindInvalidPayload, KindModelForbidden:
		return http.StatusBadRequest
	case KindUpstreamAuthFailed, KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Severity classifies the error for the error ledger. Rate-limit denials
// return an empty severity: they are expected back-pressure and are tracked
// by metrics only, never recorded.
func (e *Error) Severity() string {
	switch e.Kind {
	case KindRateLimited:
		return ""
	case KindCryptoError, KindInternal:
		return "critical"
	case KindUpstreamError, KindUpstreamUnreachable, KindUpstreamAuthFailed, KindUpstreamTimeout:
		return "high"
	default:
		return "low"
	}
}
