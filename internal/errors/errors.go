// Package errors defines structured error types for the object cache and the
// row store.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindNotFound is returned when a row id does not exist in its table.
	KindNotFound Kind = "NOT_FOUND"
	// KindBorrowConflict is returned when the single-writer/multi-reader rule is violated.
	KindBorrowConflict Kind = "BORROW_CONFLICT"
	// KindUseAfterDelete is returned when a deleted record is accessed.
	KindUseAfterDelete Kind = "USE_AFTER_DELETE"
	// KindIDNotYetAssigned is returned when the id of an uncommitted record is requested.
	KindIDNotYetAssigned Kind = "ID_NOT_YET_ASSIGNED"
	// KindTransactionClosed is returned for any use of a committed or rolled back transaction.
	KindTransactionClosed Kind = "TRANSACTION_CLOSED"
	// KindSchemaMismatch is returned when a descriptor and the stored table disagree.
	KindSchemaMismatch Kind = "SCHEMA_MISMATCH"
	// KindStorageFailure is returned when the underlying store fails.
	KindStorageFailure Kind = "STORAGE_FAILURE"
	// KindLockConflict is returned when the store or connection is already in use.
	KindLockConflict Kind = "LOCK_CONFLICT"
	// KindInvalidRecord is returned when a record type cannot be mapped.
	KindInvalidRecord Kind = "INVALID_RECORD"
)

// Error is a classified error with optional details and a wrapped cause.
type Error struct {
	kind       Kind
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf creates a new Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// Details returns additional error details. The map may be nil.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error of the same kind, so that sentinel
// values can be matched with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return ""
}

// IsMisuse reports whether err signals a violation of the aliasing contract.
// Such errors are programming mistakes and must never be retried.
func IsMisuse(err error) bool {
	switch KindOf(err) {
	case KindBorrowConflict, KindUseAfterDelete:
		return true
	default:
		return false
	}
}

// Predefined constructors for common cases.

// NotFound creates a NotFound error for the given table and id.
func NotFound(table string, id int64) *Error {
	return Newf(KindNotFound, "%s row %d not found", table, id).
		WithDetail("table", table).
		WithDetail("id", id)
}

// SchemaMismatch creates a SchemaMismatch error for a table.
func SchemaMismatch(table, message string) *Error {
	return Newf(KindSchemaMismatch, "table %s: %s", table, message).WithDetail("table", table)
}

// Storage wraps an underlying failure as StorageFailure.
func Storage(message string, err error) *Error {
	return New(KindStorageFailure, message).Wrap(err)
}
