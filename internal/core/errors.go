package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the runtime surfaces to callers.
// Components never invent ad-hoc kinds; the orchestrator switches on these
// to decide retry vs. terminal-failure behavior.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION"
	KindPolicyDenied       ErrorKind = "POLICY_DENIED"
	KindApprovalRequired   ErrorKind = "APPROVAL_REQUIRED"
	KindConflict           ErrorKind = "CONFLICT"
	KindLock               ErrorKind = "LOCK"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindCancelled          ErrorKind = "CANCELLED"
	KindResourceLimit      ErrorKind = "RESOURCE_LIMIT"
	KindGateFailed         ErrorKind = "GATE_FAILED"
	KindVerificationFailed ErrorKind = "VERIFICATION_FAILED"
	KindStorage            ErrorKind = "STORAGE"
	KindIntegrity          ErrorKind = "INTEGRITY"
	KindInternal           ErrorKind = "INTERNAL"
)

// Error is the typed domain error. The Kind is machine-readable; Message is
// the one-line human form carried to terminal run results.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	// Details carries structured context (zone, resource, limit values).
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches a structured detail and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Untyped errors report KindInternal; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the orchestrator may retry the operation that
// produced err. Only storage hiccups and timeouts are safe to retry; policy,
// approval, validation, and integrity failures are terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindTimeout:
		return true
	}
	return false
}
