package orm

import (
	"errors"
	"fmt"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/rowstore"
	"github.com/maruel/ormdb/mapping"
)

var errInjected = errors.New("injected failure")

// faultyStore fails the first physical operation named by failOn.
type faultyStore struct {
	rowstore.Store
	failOn string
}

func (f *faultyStore) trip(op string) error {
	if f.failOn == op {
		return fmt.Errorf("%s: %w", op, errInjected)
	}
	return nil
}

func (f *faultyStore) Begin() (rowstore.Tx, error) {
	if err := f.trip("begin"); err != nil {
		return nil, err
	}
	tx, err := f.Store.Begin()
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, f: f}, nil
}

type faultyTx struct {
	rowstore.Tx
	f *faultyStore
}

func (t *faultyTx) Insert(s mapping.Schema, row []codec.Value) (rowstore.RowID, error) {
	if err := t.f.trip("insert"); err != nil {
		return 0, err
	}
	return t.Tx.Insert(s, row)
}

func (t *faultyTx) Update(s mapping.Schema, id rowstore.RowID, row []codec.Value) error {
	if err := t.f.trip("update"); err != nil {
		return err
	}
	return t.Tx.Update(s, id, row)
}

func (t *faultyTx) Delete(s mapping.Schema, id rowstore.RowID) error {
	if err := t.f.trip("delete"); err != nil {
		return err
	}
	return t.Tx.Delete(s, id)
}

func (t *faultyTx) Commit() error {
	if err := t.f.trip("commit"); err != nil {
		return err
	}
	return t.Tx.Commit()
}
