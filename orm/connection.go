package orm

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/ksid"

	"github.com/maruel/ormdb/internal/config"
	"github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/internal/rowstore"
	"github.com/maruel/ormdb/mapping"
)

// RowID is the integer primary key of a persisted record.
type RowID = rowstore.RowID

// Store is the relational backend of a Connection.
type Store = rowstore.Store

// Option configures Open and NewConnection.
type Option func(*options)

type options struct {
	logger *slog.Logger
	sync   bool
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSync sets whether every file written by a commit is fsynced. Defaults
// to config.Default().Sync.
func WithSync(sync bool) Option {
	return func(o *options) {
		o.sync = sync
	}
}

// WithConfig applies the storage settings of a loaded configuration. The
// logger and its level stay the caller's choice; see OpenConfig for DataDir.
func WithConfig(c *config.Config) Option {
	return func(o *options) {
		o.sync = c.Sync
	}
}

func newOptions(opts []Option) *options {
	o := &options{sync: config.Default().Sync}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Connection owns a row store and hands out transactions, one at a time.
type Connection struct {
	store Store
	log   *slog.Logger

	mu      sync.Mutex
	ensured map[string][]mapping.ColumnSpec
	live    *Transaction
	closed  bool
}

// Open opens or creates the database in directory path.
func Open(path string, opts ...Option) (*Connection, error) {
	o := newOptions(opts)
	db, err := rowstore.Open(path, rowstore.Options{Sync: o.sync, Logger: o.logger})
	if err != nil {
		return nil, err
	}
	return &Connection{store: db, log: o.logger, ensured: map[string][]mapping.ColumnSpec{}}, nil
}

// OpenConfig opens the database described by c.
func OpenConfig(c *config.Config, opts ...Option) (*Connection, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Storage("invalid configuration", err)
	}
	return Open(c.DataDir, append([]Option{WithConfig(c)}, opts...)...)
}

// NewConnection wraps an existing store.
func NewConnection(store Store, opts ...Option) *Connection {
	o := newOptions(opts)
	return &Connection{store: store, log: o.logger, ensured: map[string][]mapping.ColumnSpec{}}
}

// Begin starts a transaction. Only one transaction may be live at a time.
func (c *Connection) Begin() (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New(errors.KindStorageFailure, "connection is closed")
	}
	if c.live != nil {
		return nil, errors.New(errors.KindLockConflict, "a transaction is already live").
			WithDetail("tx", c.live.id.String())
	}
	tx := &Transaction{
		conn:  c,
		id:    ksid.NewID(),
		log:   c.log,
		slots: map[slotKey]*slot{},
	}
	c.live = tx
	c.log.Debug("orm: begin", "tx", tx.id)
	return tx, nil
}

// Close rolls back the live transaction, if any, and closes the store.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := c.live
	c.mu.Unlock()
	if live != nil {
		live.Rollback()
	}
	return c.store.Close()
}

// ensure creates or verifies the table once per connection.
func (c *Connection) ensure(schema mapping.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.ensured[schema.Table]; ok && slices.Equal(cols, schema.Columns) {
		return nil
	}
	if err := c.store.EnsureTable(schema); err != nil {
		return classify(err, "failed to ensure table")
	}
	c.ensured[schema.Table] = slices.Clone(schema.Columns)
	return nil
}

func (c *Connection) release(tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == tx {
		c.live = nil
	}
}
