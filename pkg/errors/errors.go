package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable string discriminant for bridge errors.
// The set is part of the wire contract and must not change across releases.
type Kind string

const (
	KindInvalidArgument     Kind = "InvalidArgument"
	KindDeviceUnknown       Kind = "DeviceUnknown"
	KindSessionUnknown      Kind = "SessionUnknown"
	KindSessionEnded        Kind = "SessionEnded"
	KindAuthInvalid         Kind = "AuthInvalid"
	KindRateLimited         Kind = "RateLimited"
	KindProviderRateLimited Kind = "ProviderRateLimited"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderError       Kind = "ProviderError"
	KindTimeout             Kind = "Timeout"
	KindToolLoopExceeded    Kind = "ToolLoopExceeded"
	KindPayloadTooLarge     Kind = "PayloadTooLarge"
	KindInternal            Kind = "Internal"
)

// Error is the application error carried from the core to the HTTP surface.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for RateLimited / ProviderRateLimited
	Details    any           // original provider code or field path, never dropped
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithDetails attaches details (e.g. the provider's native error code).
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithRetryAfter attaches a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts the *Error from a chain, or wraps err as Internal.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// HTTPStatus maps an error kind to its HTTP status code.
// This is the only place in the codebase that knows about status codes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindDeviceUnknown, KindSessionUnknown:
		return http.StatusNotFound
	case KindSessionEnded, KindToolLoopExceeded:
		return http.StatusConflict
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindRateLimited, KindProviderRateLimited:
		return http.StatusTooManyRequests
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderError:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
