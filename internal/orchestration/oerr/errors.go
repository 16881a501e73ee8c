// Package oerr provides kind-tagged errors for the orchestration core.
// Every error surfaced to a caller carries a Kind plus structured context
// (component, operation, entity IDs) so transports can map it to a wire
// response without string matching.
package oerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// Validation indicates malformed or out-of-range input. Not retryable.
	Validation Kind = "validation"
	// NotFound indicates a referenced entity does not exist. Not retryable.
	NotFound Kind = "not_found"
	// PermissionDenied indicates a session/owner mismatch. Not retryable.
	PermissionDenied Kind = "permission_denied"
	// Conflict indicates a state conflict, including illegal transitions.
	Conflict Kind = "conflict"
	// Timeout indicates a deadline expired. Retryable once per policy.
	Timeout Kind = "timeout"
	// RateLimited indicates the caller polled too fast. Not retryable.
	RateLimited Kind = "rate_limited"
	// DependencyCycle indicates a requires-edge cycle was detected.
	DependencyCycle Kind = "dependency_cycle"
	// ResourceExhausted indicates a bounded resource ran out (IDs, queue slots).
	ResourceExhausted Kind = "resource_exhausted"
	// Internal indicates an unexpected failure. Retried once, then surfaced.
	Internal Kind = "internal"
)

// Error is a kind-tagged error with structured context.
type Error struct {
	Kind      Kind
	Component string         // e.g. "job", "agent", "lifecycle"
	Operation string         // e.g. "GetJobResult", "AssignTask"
	EntityIDs []string       // IDs of the entities involved
	Metadata  map[string]any // extra structured context, may be nil
	Err       error          // wrapped cause, may be nil
	msg       string
}

// E creates a new Error.
func E(kind Kind, component, operation, msg string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		msg:       msg,
	}
}

// WithEntities attaches entity IDs and returns the error for chaining.
func (e *Error) WithEntities(ids ...string) *Error {
	e.EntityIDs = append(e.EntityIDs, ids...)
	return e
}

// WithMeta attaches a metadata key/value pair and returns the error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Wrap records the underlying cause and returns the error for chaining.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Component != "" || e.Operation != "" {
		fmt.Fprintf(&b, " [%s.%s]", e.Component, e.Operation)
	}
	if e.msg != "" {
		b.WriteString(": ")
		b.WriteString(e.msg)
	}
	if len(e.EntityIDs) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.EntityIDs, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind: two oerr.Errors are equivalent when their kinds match.
// This lets callers write errors.Is(err, oerr.E(oerr.NotFound, "", "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from an error chain.
// Returns Internal for errors that carry no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the propagation policy permits one retry.
// Only Timeout and Internal qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, Internal:
		return true
	default:
		return false
	}
}
