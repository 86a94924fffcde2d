package orm

import (
	"github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/mapping"
)

// Handle is a reference to a cached record of type T. Handles are cheap to
// copy and any number may exist; all handles to the same row in a transaction
// share one record.
type Handle[T any] struct {
	tx   *Transaction
	s    *slot
	d    *mapping.Descriptor[T]
	data *T
}

// ID returns the row id. A record created in this transaction has no id
// until Commit succeeds; after that the id remains readable.
func (h *Handle[T]) ID() (RowID, error) {
	if h.tx.status == StatusCommitted && h.s.assigned {
		return h.s.id, nil
	}
	if err := h.tx.check(); err != nil {
		return 0, err
	}
	if !h.s.assigned {
		return 0, errors.New(errors.KindIDNotYetAssigned, "record is not committed yet").
			WithDetail("table", h.s.schema.Table)
	}
	return h.s.id, nil
}

// State returns the origin of the record.
func (h *Handle[T]) State() (Origin, error) {
	if err := h.tx.check(); err != nil {
		return 0, err
	}
	return h.s.origin, nil
}

// Borrow takes a read view. It fails with BorrowConflict while a write view
// is outstanding and with UseAfterDelete once the record is deleted.
func (h *Handle[T]) Borrow() (*ReadView[T], error) {
	if err := h.tx.check(); err != nil {
		return nil, err
	}
	if err := h.s.guard.AcquireShared(); err != nil {
		return nil, h.annotate(err)
	}
	h.tx.views++
	return &ReadView[T]{h: h}, nil
}

// BorrowMut takes the write view. It fails with BorrowConflict while any
// other view is outstanding and with UseAfterDelete once the record is
// deleted.
func (h *Handle[T]) BorrowMut() (*WriteView[T], error) {
	if err := h.tx.check(); err != nil {
		return nil, err
	}
	if err := h.s.guard.AcquireExclusive(); err != nil {
		return nil, h.annotate(err)
	}
	h.tx.views++
	return &WriteView[T]{h: h}, nil
}

// MustBorrow is like Borrow but panics on error.
func (h *Handle[T]) MustBorrow() *ReadView[T] {
	v, err := h.Borrow()
	if err != nil {
		panic(err)
	}
	return v
}

// MustBorrowMut is like BorrowMut but panics on error.
func (h *Handle[T]) MustBorrowMut() *WriteView[T] {
	v, err := h.BorrowMut()
	if err != nil {
		panic(err)
	}
	return v
}

// Read calls fn with a copy of the record, holding a read view for the
// duration of the call.
func (h *Handle[T]) Read(fn func(T) error) error {
	v, err := h.Borrow()
	if err != nil {
		return err
	}
	defer v.Release()
	return fn(v.Value())
}

// Write calls fn with the live record, holding the write view for the
// duration of the call. The pointer must not be retained after fn returns.
func (h *Handle[T]) Write(fn func(*T) error) error {
	v, err := h.BorrowMut()
	if err != nil {
		return err
	}
	defer v.Release()
	return fn(v.Ptr())
}

// Delete marks the record for deletion. It fails with BorrowConflict while a
// view is outstanding. A record created in this transaction is simply never
// inserted.
func (h *Handle[T]) Delete() error {
	if err := h.tx.check(); err != nil {
		return err
	}
	if err := h.s.guard.MarkDeleted(); err != nil {
		return h.annotate(err)
	}
	h.s.origin = OriginDeleted
	return nil
}

func (h *Handle[T]) annotate(err error) error {
	if e, ok := err.(*errors.Error); ok {
		e.WithDetail("table", h.s.schema.Table)
		if h.s.assigned {
			e.WithDetail("id", h.s.id)
		}
	}
	return err
}

// ReadView is a shared borrow of a record.
type ReadView[T any] struct {
	h        *Handle[T]
	released bool
}

// Value returns a copy of the record, or the zero value once released.
func (v *ReadView[T]) Value() T {
	if v.released {
		var zero T
		return zero
	}
	return *v.h.d.Clone(v.h.data)
}

// Release returns the borrow. It is idempotent.
func (v *ReadView[T]) Release() {
	if v.released {
		return
	}
	v.released = true
	// The guard holds this borrow until the first Release.
	if err := v.h.s.guard.ReleaseShared(); err != nil {
		panic(err)
	}
	v.h.tx.views--
}

// WriteView is the exclusive borrow of a record.
type WriteView[T any] struct {
	h        *Handle[T]
	released bool
}

// Ptr returns the live record, or nil once released. Changes are visible
// through every handle to the record.
func (v *WriteView[T]) Ptr() *T {
	if v.released {
		return nil
	}
	return v.h.data
}

// Release returns the borrow and marks a fetched record as modified. It is
// idempotent.
func (v *WriteView[T]) Release() {
	if v.released {
		return
	}
	v.released = true
	// The guard holds this borrow until the first Release.
	if err := v.h.s.guard.ReleaseExclusive(); err != nil {
		panic(err)
	}
	v.h.tx.views--
	if v.h.s.origin == OriginFetchedClean {
		v.h.s.origin = OriginFetchedDirty
	}
}
