// Package errors provides custom error types for the offline sync engine
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeLocked            ErrorCode = "LOCKED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
)

// Operation represents the type of sync operation
type Operation string

// Op is the builder argument naming an operation. It is the same type as
// Operation so both spellings can be passed to E.
type Op = Operation

const (
	OpSync            Operation = "sync"
	OpPush            Operation = "push"
	OpPull            Operation = "pull"
	OpStore           Operation = "store"
	OpLoad            Operation = "load"
	OpQuery           Operation = "query"
	OpConflictResolve Operation = "conflict_resolve"
	OpTransport       Operation = "transport"
	OpClose           Operation = "close"
)

// Component names the subsystem that produced an error.
type Component string

// Kind classifies an error so callers can branch on it without string matching.
type Kind string

const (
	KindInvalid   Kind = "invalid"
	KindNotFound  Kind = "not_found"
	KindInternal  Kind = "internal"
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindConflict  Kind = "conflict"
	KindLocked    Kind = "locked"
	KindDuplicate Kind = "duplicate"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Kind of failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from a variadic list of parts. Recognized argument
// types are Operation, Component, Kind, ErrorCode, error and string. Strings
// are recorded as the "detail" metadata entry.
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			// Inherit classification from a wrapped SyncError when not already set.
			if e.Kind == "" {
				e.Kind = a.Kind
			}
			if e.Code == "" {
				e.Code = a.Code
			}
			e.Retryable = e.Retryable || a.Retryable
			e.Err = a
		case error:
			e.Err = a
		case string:
			if e.Metadata == nil {
				e.Metadata = make(map[string]interface{})
			}
			e.Metadata["detail"] = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(string(e.Kind))
	}
	return e
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "sync",
		Kind:      KindConflict,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindTransport,
		Err:       cause,
		Retryable: true,
	}
}

// NewMalformedPayloadError reports a server response that could not be decoded.
func NewMalformedPayloadError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeMalformedPayload,
		Op:        op,
		Component: "transport",
		Kind:      KindInternal,
		Err:       cause,
	}
}

// NewLockedError reports that the offline service is busy with a sync pass.
func NewLockedError(op Operation, component string) *SyncError {
	return &SyncError{
		Code:      ErrCodeLocked,
		Op:        op,
		Component: component,
		Kind:      KindLocked,
		Err:       errors.New("synchronization in progress"),
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind reports whether any SyncError in err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Kind == kind {
			return true
		}
		err = syncErr.Err
	}
	return false
}

// KindOf returns the first non-empty kind in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return ""
		}
		if syncErr.Kind != "" {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return ""
}
