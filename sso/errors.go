package sso

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can map them to transport
// responses without matching on message text.
type Kind string

const (
	KindConfig     Kind = "config"
	KindNetwork    Kind = "network"
	KindProtocol   Kind = "protocol"
	KindValidation Kind = "validation"
	KindFlowState  Kind = "flow_state"
	KindUserDenied Kind = "user_denied"
)

// Error is the engine's externally surfaced error. Message is safe to show
// to operators: it never carries client secrets, raw tokens, or key material.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind and message so sentinel values like
// ErrKeyNotFound survive wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Message == other.Message
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the engine kind from an error chain. Unclassified errors
// report KindProtocol, the conservative choice for unexpected IdP behaviour.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}

// Sentinel errors referenced across the engine.
var (
	// ErrKeyNotFound is returned when a kid is absent from the provider's
	// JWKS even after a forced refetch.
	ErrKeyNotFound = &Error{Kind: KindValidation, Message: "key not found"}

	// ErrInvalidState is returned when a callback presents a state that is
	// unknown, expired, or already consumed.
	ErrInvalidState = &Error{Kind: KindFlowState, Message: "Invalid or expired state parameter"}

	// ErrNonceMismatch is returned when the ID token's nonce disagrees with
	// the one issued at authorization time.
	ErrNonceMismatch = &Error{Kind: KindValidation, Message: "Nonce mismatch"}

	// ErrDeviceCodeExpired terminates a device flow whose code lapsed before
	// the user completed authorization.
	ErrDeviceCodeExpired = &Error{Kind: KindFlowState, Message: "device code expired"}

	// ErrAccessDenied terminates a device flow the user explicitly rejected.
	ErrAccessDenied = &Error{Kind: KindUserDenied, Message: "user denied the authorization request"}
)
