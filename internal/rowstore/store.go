package rowstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/mapping"
)

// RowID is the integer primary key of a row. Ids start at 1.
type RowID = int64

// Store is the relational backend the object cache talks to.
type Store interface {
	// EnsureTable creates the table if absent, or verifies that the stored
	// columns match exactly.
	EnsureTable(schema mapping.Schema) error
	// Fetch returns the committed row.
	Fetch(schema mapping.Schema, id RowID) ([]codec.Value, error)
	// Begin starts a physical transaction. Only one may be open at a time.
	Begin() (Tx, error)
	Close() error
}

// Tx is a physical transaction. Nothing is visible to Fetch until Commit.
type Tx interface {
	Insert(schema mapping.Schema, row []codec.Value) (RowID, error)
	Update(schema mapping.Schema, id RowID, row []codec.Value) error
	Delete(schema mapping.Schema, id RowID) error
	Commit() error
	Abort() error
}

// Options configures a DB.
type Options struct {
	// Sync forces an fsync of every file written by a commit.
	Sync bool
	// Logger receives debug and recovery messages. Defaults to slog.Default().
	Logger *slog.Logger
	// ReadOnly loads the tables without running recovery. EnsureTable and
	// Begin fail. Use it to inspect a store another process may be writing.
	ReadOnly bool
}

// Row is a decoded row, used for inspection.
type Row struct {
	ID     RowID
	Values []codec.Value
}

// DB is a directory of JSONL tables.
//
// It is safe for concurrent use; physical transactions are serialized.
type DB struct {
	dir  string
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	tables map[string]*table
	tx     *dbTx
	closed bool
	// broken is set when a commit passed its commit point but could not be
	// fully applied on disk. Recovery on the next Open completes it.
	broken error
	failAt func(stage string) error
}

var _ Store = (*DB)(nil)

// Open opens or creates the store in dir, recovering any interrupted commit.
func Open(dir string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	db := &DB{
		dir:    dir,
		opts:   opts,
		log:    opts.Logger,
		tables: make(map[string]*table),
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // data directory
			return nil, errors.Storage("failed to create data directory", err).WithDetail("dir", dir)
		}
		if err := db.recover(); err != nil {
			return nil, errors.Storage("failed to recover", err).WithDetail("dir", dir)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Storage("failed to list data directory", err).WithDetail("dir", dir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tableExt) {
			continue
		}
		t, err := loadTable(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Storage("failed to load table", err).WithDetail("file", e.Name())
		}
		db.tables[t.name] = t
		db.log.Debug("rowstore: loaded table", "table", t.name, "rows", len(t.rows))
	}
	return db, nil
}

// Dir returns the data directory.
func (db *DB) Dir() string {
	return db.dir
}

// EnsureTable creates the table if absent. It is not transactional: a created
// table persists even if the enclosing transaction is rolled back.
func (db *DB) EnsureTable(schema mapping.Schema) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	if t, ok := db.tables[schema.Table]; ok {
		return compareSchema(t.header.Columns, &schema)
	}
	if db.opts.ReadOnly {
		return errors.New(errors.KindStorageFailure, "store is read-only").WithDetail("table", schema.Table)
	}
	t := &table{
		name: schema.Table,
		header: schemaHeader{
			Version: currentVersion,
			Columns: slices.Clone(schema.Columns),
			NextID:  1,
		},
		rows: make(map[RowID][]json.RawMessage),
	}
	data, err := t.encode()
	if err != nil {
		return errors.Storage("failed to encode table", err).WithDetail("table", schema.Table)
	}
	if err := writeFileAtomic(tablePath(db.dir, t.name), data, db.opts.Sync); err != nil {
		return errors.Storage("failed to create table", err).WithDetail("table", schema.Table)
	}
	db.tables[t.name] = t
	db.log.Debug("rowstore: created table", "table", t.name, "columns", len(schema.Columns))
	return nil
}

// Fetch returns the committed row id of the table.
func (db *DB) Fetch(schema mapping.Schema, id RowID) ([]codec.Value, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return nil, err
	}
	t, err := db.lookup(&schema)
	if err != nil {
		return nil, err
	}
	cells, ok := t.rows[id]
	if !ok {
		return nil, errors.NotFound(schema.Table, id)
	}
	values, err := codec.DecodeRow(schema.Kinds(), cells)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			return nil, e.WithDetail("table", schema.Table).WithDetail("id", id)
		}
		return nil, err
	}
	return values, nil
}

// Begin starts a physical transaction.
func (db *DB) Begin() (Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return nil, err
	}
	if db.opts.ReadOnly {
		return nil, errors.New(errors.KindStorageFailure, "store is read-only")
	}
	if db.broken != nil {
		return nil, errors.Storage("store needs recovery; reopen it", db.broken)
	}
	if db.tx != nil {
		return nil, errors.New(errors.KindLockConflict, "a transaction is already open")
	}
	db.tx = newTx(db)
	db.log.Debug("rowstore: begin", "tx", db.tx.id)
	return db.tx, nil
}

// Tables returns the schema of every table, sorted by name.
func (db *DB) Tables() []mapping.Schema {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]mapping.Schema, 0, len(db.tables))
	for _, t := range db.tables {
		out = append(out, t.schema())
	}
	slices.SortFunc(out, func(a, b mapping.Schema) int { return strings.Compare(a.Table, b.Table) })
	return out
}

// Rows returns every committed row of a table, sorted by id.
func (db *DB) Rows(name string) (mapping.Schema, []Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[name]
	if !ok {
		return mapping.Schema{}, nil, errors.SchemaMismatch(name, "no such table")
	}
	schema := t.schema()
	kinds := schema.Kinds()
	ids := t.sortedIDs()
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		values, err := codec.DecodeRow(kinds, t.rows[id])
		if err != nil {
			return schema, nil, fmt.Errorf("row %d: %w", id, err)
		}
		rows = append(rows, Row{ID: id, Values: values})
	}
	return schema, rows, nil
}

// Close aborts any open transaction and releases the store.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	if db.tx != nil {
		db.log.Warn("rowstore: closing with an open transaction", "tx", db.tx.id)
		db.tx.done = true
		db.tx = nil
	}
	db.closed = true
	db.tables = nil
	return nil
}

func (db *DB) usable() error {
	if db.closed {
		return errors.New(errors.KindStorageFailure, "store is closed")
	}
	return nil
}

// lookup returns the committed table matching schema. Must hold db.mu.
func (db *DB) lookup(schema *mapping.Schema) (*table, error) {
	t, ok := db.tables[schema.Table]
	if !ok {
		return nil, errors.SchemaMismatch(schema.Table, "no such table")
	}
	if err := compareSchema(t.header.Columns, schema); err != nil {
		return nil, err
	}
	return t, nil
}
