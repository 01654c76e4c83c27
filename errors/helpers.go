package errors

import "errors"

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind provides a convenience helper to wrap errors with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}

// Invalid builds a non-retryable parameter error.
func Invalid(op, component, msg string) error {
	e := NewValidationError(Operation(op), errors.New(msg))
	e.Component = component
	return e
}

// Storage wraps a store failure with the component that hit it. If err is
// nil, returns nil.
func Storage(err error, op, component string) error {
	if err == nil {
		return nil
	}
	e := NewStorageError(Operation(op), err)
	e.Component = component
	return e
}
