// Package toolerr provides structured error types for tool invocation and
// sampling failures. Error preserves error chains and supports
// errors.Is/As, and carries the §7 error-kind taxonomy so handlers can
// branch on it (e.g. responding to a context-length-exceeded Error with a
// Compact decision) without string-matching messages.
package toolerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per §7's error taxonomy.
type Kind string

const (
	// KindTransient covers network timeouts, connection resets, provider
	// 5xx, and rate-limit responses: retry with backoff, surface as a
	// runtime error if retries are exhausted.
	KindTransient Kind = "transient"
	// KindContextLengthExceeded signals the provider rejected the request
	// because the transcript no longer fits the model's context window.
	KindContextLengthExceeded Kind = "context_length_exceeded"
	// KindToolError is a normal tool-reported failure (is_error=true).
	KindToolError Kind = "tool_error"
	// KindPolicyDeniedContinue is a reserved policy denial that the loop
	// treats like a tool error: the turn continues.
	KindPolicyDeniedContinue Kind = "policy_denied_continue"
	// KindPolicyDeniedAbort is a reserved policy denial that ends the run.
	KindPolicyDeniedAbort Kind = "policy_denied_abort"
	// KindPolicyEvaluatorError is a policy program crash, treated as abort.
	KindPolicyEvaluatorError Kind = "policy_evaluator_error"
	// KindInvariantViolation marks a programming error — duplicate mount
	// prefix, an unknown call_id, and the like — that must never be
	// swallowed.
	KindInvariantViolation Kind = "invariant_violation"
)

// Error represents a structured failure that preserves message and causal
// context while implementing the standard error interface. Errors may be
// nested via Cause to retain diagnostics across retries and tool hops.
type Error struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Kind classifies the failure per §7.
	Kind Kind
	// Cause links to the underlying error, enabling chains via Unwrap.
	Cause *Error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = "tool error"
	}
	return &Error{Message: message, Kind: kind}
}

// NewWithCause constructs an Error that wraps an underlying error. The
// cause is converted into an Error chain so kind/message metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Message: message, Kind: kind, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an Error chain, defaulting to
// KindTransient when the error carries no more specific classification.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Message: err.Error(),
		Kind:    KindTransient,
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the result as
// an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, toolerr.New(toolerr.KindContextLengthExceeded, ""))
// to branch on classification without caring about the message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == other.Kind
}
