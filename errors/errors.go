// Package errors provides custom error types for the entity kit.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"        // entity does not exist remotely
	KindValidation      Kind = "VALIDATION"       // remote rejected the payload
	KindTimeout         Kind = "TIMEOUT"          // remote call exceeded its deadline
	KindNetwork         Kind = "NETWORK"          // transient transport failure
	KindConflict        Kind = "CONFLICT"         // version mismatch with the remote store
	KindExpired         Kind = "EXPIRED"          // undo window has passed
	KindAlreadyResolved Kind = "ALREADY_RESOLVED" // conflict record was consumed already
	KindInvalid         Kind = "INVALID"          // caller misuse / misconfiguration
	KindInternal        Kind = "INTERNAL"         // unexpected internal failure
)

// Op identifies the operation during which an error occurred.
type Op string

// Component identifies the subsystem that generated the error
// (e.g. "cache", "batch", "coordinator", "reconciler", "remote/sqlite").
type Component string

// KitError is the structured error used throughout the entity kit.
type KitError struct {
	// Operation during which the error occurred
	Op Op

	// Component that generated the error
	Component Component

	// Kind classifies the error
	Kind Kind

	// Whether the operation can be retried
	Retryable bool

	// Underlying error
	Err error

	// Optional free-form message
	Message string

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *KitError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "[%s]", e.Component)
	}
	if e.Kind != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "<%s>", e.Kind)
	}
	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "unknown error"
	}
	return b.String()
}

func (e *KitError) Unwrap() error {
	return e.Err
}

// E builds a KitError from its arguments. Arguments may appear in any order:
// Op, Component, Kind, error (wrapped cause), string (message),
// map[string]interface{} (metadata). Unknown argument types are ignored rather
// than panicking so call sites stay terse.
//
//	return errors.E(errors.Op("cache.Put"), errors.Component("cache"),
//		errors.KindConflict, err, "optimistic entry present")
func E(args ...interface{}) *KitError {
	e := &KitError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *KitError:
			e.Err = a
			if e.Kind == "" {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			e.Message = a
		case map[string]interface{}:
			e.Metadata = a
		}
	}
	e.Retryable = defaultRetryable(e.Kind)
	return e
}

func defaultRetryable(k Kind) bool {
	switch k {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns the empty Kind when err carries no classification.
func KindOf(err error) Kind {
	var ke *KitError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err (or any wrapped cause) carries the given Kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether an error is marked retryable.
func IsRetryable(err error) bool {
	var ke *KitError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// Convenience constructors for the common kinds.

// NewNotFound creates a not-found error for the given entity id.
func NewNotFound(op Op, component Component, id string) *KitError {
	return E(op, component, KindNotFound, fmt.Sprintf("entity %q not found", id))
}

// NewValidation creates a validation error with the remote's reason.
func NewValidation(op Op, component Component, cause error) *KitError {
	return E(op, component, KindValidation, cause)
}

// NewNetwork creates a retryable transport error.
func NewNetwork(op Op, component Component, cause error) *KitError {
	return E(op, component, KindNetwork, cause)
}

// NewTimeout creates a retryable timeout error.
func NewTimeout(op Op, component Component, cause error) *KitError {
	return E(op, component, KindTimeout, cause)
}

// NewConflict creates a version-conflict error.
func NewConflict(op Op, component Component, cause error) *KitError {
	return E(op, component, KindConflict, cause)
}
