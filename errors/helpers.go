package errors

import (
	"context"
	"errors"
)

// WrapOpComponent provides a convenience helper to wrap errors with consistent
// Op and Component propagation. If err is nil, returns nil.
func WrapOpComponent(err error, op Op, component Component) error {
	if err == nil {
		return nil
	}
	return E(op, component, err)
}

// WrapOpComponentKind wraps err with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Op, component Component, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(op, component, kind, err)
}

// FromContext classifies a context error: deadline exceeded maps to
// KindTimeout, cancellation passes through unclassified.
func FromContext(err error, op Op, component Component) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return E(op, component, KindTimeout, err)
	}
	return E(op, component, err)
}
