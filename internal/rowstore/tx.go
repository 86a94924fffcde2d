package rowstore

import (
	"encoding/json"

	"github.com/maruel/ksid"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/mapping"
)

// dbTx stages copy-on-write images of the tables it touches.
type dbTx struct {
	db     *DB
	id     ksid.ID
	staged map[string]*table
	done   bool
}

func newTx(db *DB) *dbTx {
	return &dbTx{db: db, id: ksid.NewID(), staged: make(map[string]*table)}
}

// ID returns the transaction id recorded in the commit journal.
func (tx *dbTx) ID() ksid.ID {
	return tx.id
}

// Insert stages a new row and returns the id it will have once committed.
func (tx *dbTx) Insert(schema mapping.Schema, row []codec.Value) (RowID, error) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	t, err := tx.stage(&schema)
	if err != nil {
		return 0, err
	}
	cells, err := encodeRow(&schema, row)
	if err != nil {
		return 0, err
	}
	id := t.header.NextID
	t.header.NextID++
	t.rows[id] = cells
	return id, nil
}

// Update stages new values for an existing row.
func (tx *dbTx) Update(schema mapping.Schema, id RowID, row []codec.Value) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	t, err := tx.stage(&schema)
	if err != nil {
		return err
	}
	if _, ok := t.rows[id]; !ok {
		return errors.NotFound(schema.Table, id)
	}
	cells, err := encodeRow(&schema, row)
	if err != nil {
		return err
	}
	t.rows[id] = cells
	return nil
}

// Delete stages the removal of a row.
func (tx *dbTx) Delete(schema mapping.Schema, id RowID) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	t, err := tx.stage(&schema)
	if err != nil {
		return err
	}
	if _, ok := t.rows[id]; !ok {
		return errors.NotFound(schema.Table, id)
	}
	delete(t.rows, id)
	return nil
}

// Commit atomically persists every staged table. On failure the store is
// unchanged and the transaction is finished.
func (tx *dbTx) Commit() error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if err := tx.check(); err != nil {
		return err
	}
	defer tx.finish()
	return tx.db.commit(tx)
}

// Abort discards every staged change. It is a no-op once finished.
func (tx *dbTx) Abort() error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.db.log.Debug("rowstore: abort", "tx", tx.id, "tables", len(tx.staged))
	tx.finish()
	return nil
}

// finish releases the store's transaction slot. Must hold db.mu.
func (tx *dbTx) finish() {
	tx.done = true
	tx.staged = nil
	if tx.db.tx == tx {
		tx.db.tx = nil
	}
}

func (tx *dbTx) check() error {
	if tx.done {
		return errors.New(errors.KindTransactionClosed, "physical transaction is finished")
	}
	return tx.db.usable()
}

// stage returns the transaction's private copy of a table. Must hold db.mu.
func (tx *dbTx) stage(schema *mapping.Schema) (*table, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if t, ok := tx.staged[schema.Table]; ok {
		return t, nil
	}
	t, err := tx.db.lookup(schema)
	if err != nil {
		return nil, err
	}
	c := t.clone()
	tx.staged[schema.Table] = c
	return c, nil
}

func encodeRow(schema *mapping.Schema, row []codec.Value) ([]json.RawMessage, error) {
	cells, err := codec.EncodeRow(schema.Kinds(), row)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return nil, e.WithDetail("table", schema.Table)
		}
		return nil, err
	}
	return cells, nil
}
