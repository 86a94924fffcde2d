package orm

import (
	"cmp"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/maruel/ksid"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/borrow"
	"github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/internal/rowstore"
	"github.com/maruel/ormdb/mapping"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	// StatusActive accepts operations.
	StatusActive Status = iota
	// StatusCommitted means every change was persisted.
	StatusCommitted
	// StatusRolledBack means every change was discarded.
	StatusRolledBack
	// StatusFailed means Commit failed and nothing was persisted.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled back"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Origin records where a cached record came from and what commit must do
// with it.
type Origin int

const (
	// OriginNew is a record created in this transaction; commit inserts it.
	OriginNew Origin = iota
	// OriginFetchedClean is a loaded record never mutably borrowed; commit
	// skips it.
	OriginFetchedClean
	// OriginFetchedDirty is a loaded record that was mutably borrowed; commit
	// updates it.
	OriginFetchedDirty
	// OriginDeleted is a deleted record; commit removes it if it was persisted.
	OriginDeleted
)

func (o Origin) String() string {
	switch o {
	case OriginNew:
		return "new"
	case OriginFetchedClean:
		return "fetched clean"
	case OriginFetchedDirty:
		return "fetched dirty"
	case OriginDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

type slotKey struct {
	typ reflect.Type
	id  RowID
}

// slot is the single authoritative in-memory copy of one record.
type slot struct {
	schema   mapping.Schema
	id       RowID
	assigned bool
	origin   Origin
	guard    borrow.Guard
	// data is the *T of the record type.
	data any
	// row extracts the current column values of the cached record.
	row func() []codec.Value
}

// Transaction is a unit of work. It owns the identity map: every record it
// hands out lives in exactly one slot until the transaction ends.
//
// A Transaction is not safe for concurrent use.
type Transaction struct {
	conn   *Connection
	id     ksid.ID
	log    *slog.Logger
	status Status

	// slots holds records that have a row id: fetched ones.
	slots map[slotKey]*slot
	// pending holds created records in creation order.
	pending []*slot
	// views counts outstanding borrows across every slot.
	views int
}

// ID returns the transaction identifier used in logs.
func (tx *Transaction) ID() ksid.ID {
	return tx.id
}

// Status returns the lifecycle state.
func (tx *Transaction) Status() Status {
	return tx.status
}

func (tx *Transaction) check() error {
	if tx.status != StatusActive {
		return errors.Newf(errors.KindTransactionClosed, "transaction is %s", tx.status).
			WithDetail("tx", tx.id.String())
	}
	return nil
}

// Create registers rec as a new record. The transaction keeps its own copy;
// later changes to rec are not seen. The row id is assigned by Commit.
func Create[T any](tx *Transaction, rec T) (*Handle[T], error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	d, err := mapping.For[T]()
	if err != nil {
		return nil, err
	}
	schema := d.Schema()
	if err := tx.conn.ensure(schema); err != nil {
		return nil, err
	}
	data := d.Clone(&rec)
	s := &slot{
		schema: schema,
		origin: OriginNew,
		data:   data,
		row:    func() []codec.Value { return d.Row(data) },
	}
	tx.pending = append(tx.pending, s)
	return &Handle[T]{tx: tx, s: s, d: d, data: data}, nil
}

// Get returns the record of type T with the given id. Repeated calls for the
// same id return handles to the same cached record.
func Get[T any](tx *Transaction, id RowID) (*Handle[T], error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	d, err := mapping.For[T]()
	if err != nil {
		return nil, err
	}
	key := slotKey{typ: reflect.TypeFor[T](), id: id}
	if s, ok := tx.slots[key]; ok {
		if s.origin == OriginDeleted {
			return nil, errors.NotFound(d.Table, id).WithDetail("deleted", true)
		}
		return &Handle[T]{tx: tx, s: s, d: d, data: s.data.(*T)}, nil
	}
	schema := d.Schema()
	if err := tx.conn.ensure(schema); err != nil {
		return nil, err
	}
	row, err := tx.conn.store.Fetch(schema, id)
	if err != nil {
		return nil, classify(err, "failed to fetch row")
	}
	data, err := d.Load(row)
	if err != nil {
		return nil, err
	}
	s := &slot{
		schema:   schema,
		id:       id,
		assigned: true,
		origin:   OriginFetchedClean,
		data:     data,
		row:      func() []codec.Value { return d.Row(data) },
	}
	tx.slots[key] = s
	return &Handle[T]{tx: tx, s: s, d: d, data: data}, nil
}

// Commit persists every change atomically, then ends the transaction.
//
// Inserts run first in creation order, then updates, then deletes, the latter
// two ordered by table and id. On failure nothing is persisted, the
// transaction ends with StatusFailed and the error is a StorageFailure.
//
// Commit refuses to run while a view is outstanding; the transaction stays
// usable in that case.
func (tx *Transaction) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	if tx.views > 0 {
		return errors.Newf(errors.KindBorrowConflict, "%d views are still outstanding", tx.views).
			WithDetail("tx", tx.id.String())
	}

	var inserts, updates, deletes []*slot
	for _, s := range tx.pending {
		if s.origin == OriginNew {
			inserts = append(inserts, s)
		}
	}
	for _, s := range tx.slots {
		switch s.origin {
		case OriginFetchedDirty:
			updates = append(updates, s)
		case OriginDeleted:
			deletes = append(deletes, s)
		}
	}
	byTableID := func(a, b *slot) int {
		return cmp.Or(cmp.Compare(a.schema.Table, b.schema.Table), cmp.Compare(a.id, b.id))
	}
	slices.SortFunc(updates, byTableID)
	slices.SortFunc(deletes, byTableID)

	ids, err := tx.apply(inserts, updates, deletes)
	if err != nil {
		tx.end(StatusFailed)
		tx.log.Warn("orm: commit failed", "tx", tx.id, "err", err)
		return errors.Storage("commit failed", err).WithDetail("tx", tx.id.String())
	}
	for i, s := range inserts {
		s.id = ids[i]
		s.assigned = true
	}
	tx.end(StatusCommitted)
	tx.log.Debug("orm: commit", "tx", tx.id, "inserts", len(inserts), "updates", len(updates), "deletes", len(deletes))
	return nil
}

// apply runs every statement in one physical transaction.
func (tx *Transaction) apply(inserts, updates, deletes []*slot) ([]RowID, error) {
	if len(inserts)+len(updates)+len(deletes) == 0 {
		return nil, nil
	}
	ptx, err := tx.conn.store.Begin()
	if err != nil {
		return nil, err
	}
	ids, err := applyTo(ptx, inserts, updates, deletes)
	if err == nil {
		err = ptx.Commit()
	}
	if err != nil {
		if err2 := ptx.Abort(); err2 != nil {
			tx.log.Warn("orm: abort failed", "tx", tx.id, "err", err2)
		}
		return nil, err
	}
	return ids, nil
}

func applyTo(ptx rowstore.Tx, inserts, updates, deletes []*slot) ([]RowID, error) {
	ids := make([]RowID, 0, len(inserts))
	for _, s := range inserts {
		id, err := ptx.Insert(s.schema, s.row())
		if err != nil {
			return nil, fmt.Errorf("insert into %s: %w", s.schema.Table, err)
		}
		ids = append(ids, id)
	}
	for _, s := range updates {
		if err := ptx.Update(s.schema, s.id, s.row()); err != nil {
			return nil, fmt.Errorf("update %s row %d: %w", s.schema.Table, s.id, err)
		}
	}
	for _, s := range deletes {
		if err := ptx.Delete(s.schema, s.id); err != nil {
			return nil, fmt.Errorf("delete %s row %d: %w", s.schema.Table, s.id, err)
		}
	}
	return ids, nil
}

// Rollback discards every change and ends the transaction. It never touches
// storage and is a no-op on an ended transaction.
func (tx *Transaction) Rollback() {
	if tx.status != StatusActive {
		return
	}
	tx.end(StatusRolledBack)
	tx.log.Debug("orm: rollback", "tx", tx.id)
}

func (tx *Transaction) end(s Status) {
	tx.status = s
	tx.slots = nil
	tx.pending = nil
	tx.conn.release(tx)
}
