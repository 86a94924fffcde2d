package orm

import (
	"github.com/maruel/ormdb/internal/errors"
)

// ErrorKind classifies the errors returned by this package.
type ErrorKind = errors.Kind

// Error kinds.
const (
	KindNotFound          = errors.KindNotFound
	KindBorrowConflict    = errors.KindBorrowConflict
	KindUseAfterDelete    = errors.KindUseAfterDelete
	KindIDNotYetAssigned  = errors.KindIDNotYetAssigned
	KindTransactionClosed = errors.KindTransactionClosed
	KindSchemaMismatch    = errors.KindSchemaMismatch
	KindStorageFailure    = errors.KindStorageFailure
	KindLockConflict      = errors.KindLockConflict
	KindInvalidRecord     = errors.KindInvalidRecord
)

// Error is the concrete type of every classified error.
type Error = errors.Error

// Sentinels for use with errors.Is. They match any error of the same kind.
var (
	ErrNotFound          = errors.New(errors.KindNotFound, "not found")
	ErrBorrowConflict    = errors.New(errors.KindBorrowConflict, "borrow conflict")
	ErrUseAfterDelete    = errors.New(errors.KindUseAfterDelete, "use after delete")
	ErrIDNotYetAssigned  = errors.New(errors.KindIDNotYetAssigned, "id not yet assigned")
	ErrTransactionClosed = errors.New(errors.KindTransactionClosed, "transaction closed")
	ErrSchemaMismatch    = errors.New(errors.KindSchemaMismatch, "schema mismatch")
	ErrStorageFailure    = errors.New(errors.KindStorageFailure, "storage failure")
	ErrLockConflict      = errors.New(errors.KindLockConflict, "lock conflict")
	ErrInvalidRecord     = errors.New(errors.KindInvalidRecord, "invalid record")
)

// KindOf returns the kind of err, or "" if it is not classified.
func KindOf(err error) ErrorKind {
	return errors.KindOf(err)
}

// IsMisuse reports whether err is a BorrowConflict or UseAfterDelete. These
// are programming errors and must not be retried.
func IsMisuse(err error) bool {
	return errors.IsMisuse(err)
}

// classify wraps errors from a custom store that carry no kind.
func classify(err error, msg string) error {
	if err == nil || errors.KindOf(err) != "" {
		return err
	}
	return errors.Storage(msg, err)
}
