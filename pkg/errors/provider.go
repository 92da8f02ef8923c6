package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure surfaced to a page context
type Kind string

const (
	KindUserRejected        Kind = "UserRejected"
	KindNotConnected        Kind = "NotConnected"
	KindSigningFailed       Kind = "SigningFailed"
	KindInvalidOrigin       Kind = "InvalidOrigin"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindTimeout             Kind = "Timeout"
	KindUnsupportedMethod   Kind = "UnsupportedMethod"
	KindInternal            Kind = "Internal"
)

// EIP-1193 provider error codes, so page scripts written against the
// common provider conventions can branch on numbers as well as kinds.
var kindCodes = map[Kind]int{
	KindUserRejected:        4001,
	KindNotConnected:        4100,
	KindUnsupportedMethod:   4200,
	KindProviderUnavailable: 4900,
	KindSigningFailed:       -32603,
	KindInternal:            -32603,
	KindTimeout:             4001,
	KindInvalidOrigin:       4100,
}

// ProviderError is the only error shape that crosses the bridge
type ProviderError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`

	cause error
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the backend cause; it is never serialized
func (e *ProviderError) Unwrap() error {
	return e.cause
}

// Is matches any ProviderError of the same kind
func (e *ProviderError) Is(target error) bool {
	var pe *ProviderError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Kind == e.Kind && pe.Message == ""
}

// NewProviderError creates a ProviderError with the conventional code for kind
func NewProviderError(kind Kind, message string) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, Code: CodeFor(kind)}
}

// Wrap attaches a backend cause that stays on this side of the bridge
func (e *ProviderError) Wrap(cause error) *ProviderError {
	e.cause = cause
	return e
}

// CodeFor returns the numeric code for a kind, 0 when unknown
func CodeFor(kind Kind) int {
	return kindCodes[kind]
}

// Sentinels for errors.Is checks; they carry no message
var (
	ErrUserRejected        = &ProviderError{Kind: KindUserRejected}
	ErrNotConnected        = &ProviderError{Kind: KindNotConnected}
	ErrSigningFailed       = &ProviderError{Kind: KindSigningFailed}
	ErrProviderUnavailable = &ProviderError{Kind: KindProviderUnavailable}
	ErrUnsupportedMethod   = &ProviderError{Kind: KindUnsupportedMethod}
	ErrInternal            = &ProviderError{Kind: KindInternal}
)

// UserRejected creates an error for a declined connection or signature
func UserRejected(message string) *ProviderError {
	if message == "" {
		message = "user rejected the request"
	}
	return NewProviderError(KindUserRejected, message)
}

// ApprovalTimedOut reports a timed-out prompt; it surfaces as UserRejected
func ApprovalTimedOut() *ProviderError {
	return NewProviderError(KindUserRejected, "approval timed out")
}

// NotConnected creates an error for signing without an active session
func NotConnected(origin string) *ProviderError {
	return NewProviderError(KindNotConnected, fmt.Sprintf("origin %s is not connected", origin))
}

// SigningFailed creates an error for a signing service failure
func SigningFailed(cause error) *ProviderError {
	return NewProviderError(KindSigningFailed, "signing failed").Wrap(cause)
}

// ProviderUnavailable creates an error for an unreachable backend
func ProviderUnavailable(detail string) *ProviderError {
	if detail == "" {
		detail = "provider unavailable"
	}
	return NewProviderError(KindProviderUnavailable, detail)
}

// UnsupportedMethod creates an error for a method outside the provider surface
func UnsupportedMethod(method string) *ProviderError {
	return NewProviderError(KindUnsupportedMethod, fmt.Sprintf("method %q is not supported", method))
}

// Internal creates an error for a backend failure; the cause is not exposed
func Internal(cause error) *ProviderError {
	return NewProviderError(KindInternal, "internal error").Wrap(cause)
}

// IsProviderError checks if an error is a ProviderError
func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ToProviderError maps any backend error onto the page-facing taxonomy.
// Context cancellation means the page context went away; everything
// unclassified is reported as Internal without leaking its text.
func ToProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	if pe, ok := IsProviderError(err); ok {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return UserRejected("request cancelled")
	}
	return Internal(err)
}
