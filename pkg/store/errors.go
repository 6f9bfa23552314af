// Package store holds the error taxonomy shared by every filecollection store.
//
// The chunk store, lock manager, document store, upload sessions and the
// authorization gate all report business failures as *StoreError values so
// the HTTP layer can translate them to status codes without knowing which
// component produced them. Infrastructure failures (disk, network, driver)
// are returned wrapped and unclassified.
package store

import (
	"errors"
	"fmt"
)

// StoreError represents a domain error from a store operation.
//
// These are business logic errors (file not found, lease not obtainable,
// digest mismatch, etc.) as opposed to infrastructure errors (network
// failure, disk error).
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Resource identifies the file or lease the error refers to (if any)
	Resource string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Resource != "" {
		return e.Code.String() + ": " + e.Message + ": " + e.Resource
	}
	return e.Code.String() + ": " + e.Message
}

// Is reports whether target is a *StoreError with the same code.
//
// This allows errors.Is(err, &StoreError{Code: ErrNotFound}) style checks,
// although IsCode is the preferred helper.
func (e *StoreError) Is(target error) bool {
	var other *StoreError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrUnknown is never produced by stores; it is what CodeOf reports for
	// errors that are not a *StoreError.
	ErrUnknown ErrorCode = iota

	// ErrValidation indicates a schema or read-only field violation
	ErrValidation

	// ErrAuthorization indicates the operation was denied by the gate
	ErrAuthorization

	// ErrLockTimeout indicates a lease could not be obtained in time
	ErrLockTimeout

	// ErrConflict indicates a duplicate upload session or concurrent finalize
	ErrConflict

	// ErrIntegrity indicates a digest/size mismatch or a chunk sequence gap
	ErrIntegrity

	// ErrNotFound indicates a filter resolved to zero or several documents
	ErrNotFound
)

// String returns the taxonomy name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrValidation:
		return "ValidationError"
	case ErrAuthorization:
		return "AuthorizationError"
	case ErrLockTimeout:
		return "LockTimeoutError"
	case ErrConflict:
		return "ConflictError"
	case ErrIntegrity:
		return "IntegrityError"
	case ErrNotFound:
		return "NotFoundError"
	default:
		return "UnknownError"
	}
}

// Errorf creates a *StoreError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ResourceError creates a *StoreError bound to a resource identifier.
func ResourceError(code ErrorCode, resource, message string) error {
	return &StoreError{Code: code, Message: message, Resource: resource}
}

// CodeOf extracts the ErrorCode from err, looking through wrapped errors.
// Returns ErrUnknown for nil or unclassified errors.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrUnknown
}

// IsCode reports whether err (or any error it wraps) is a *StoreError with
// the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
