// Package mapping describes how a Go record type maps onto a table.
//
// A [Descriptor] is static, once-per-type metadata: the table name and the
// ordered list of columns, each with its kind and a get/set accessor pair.
// Descriptors can be written by hand with the typed column helpers, or built
// by reflection with [Reflect]. [For] returns the descriptor registered for a
// type, building and caching one on first use.
package mapping

import (
	"fmt"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/errors"
)

// ColumnSpec is the storage-facing part of a column.
type ColumnSpec struct {
	Name        string     `json:"name"`
	Kind        codec.Kind `json:"type"`
	Description string     `json:"description,omitempty"`
}

// Schema is the storage-facing description of a table.
type Schema struct {
	Table   string
	Columns []ColumnSpec
}

// Kinds returns the column kinds in order.
func (s *Schema) Kinds() []codec.Kind {
	kinds := make([]codec.Kind, len(s.Columns))
	for i, c := range s.Columns {
		kinds[i] = c.Kind
	}
	return kinds
}

// Column maps one field of T onto a column.
type Column[T any] struct {
	Name        string
	Kind        codec.Kind
	Description string
	Get         func(*T) codec.Value
	Set         func(*T, codec.Value) error
}

// Descriptor maps record type T onto a table. Column order must match the
// physical table and must not change for the lifetime of the descriptor.
type Descriptor[T any] struct {
	Table   string
	Columns []Column[T]
}

// Validate checks that the descriptor is well-formed.
func (d *Descriptor[T]) Validate() error {
	if d.Table == "" {
		return errors.New(errors.KindInvalidRecord, "descriptor has no table name")
	}
	if !validIdentifier(d.Table) {
		return errors.Newf(errors.KindInvalidRecord, "invalid table name %q", d.Table)
	}
	seen := make(map[string]bool, len(d.Columns))
	for i, c := range d.Columns {
		if c.Name == "" {
			return errors.Newf(errors.KindInvalidRecord, "table %s: column %d: name is required", d.Table, i)
		}
		if seen[c.Name] {
			return errors.Newf(errors.KindInvalidRecord, "table %s: duplicate column %q", d.Table, c.Name)
		}
		seen[c.Name] = true
		if !c.Kind.Valid() {
			return errors.Newf(errors.KindInvalidRecord, "table %s: column %s: invalid kind", d.Table, c.Name)
		}
		if c.Get == nil || c.Set == nil {
			return errors.Newf(errors.KindInvalidRecord, "table %s: column %s: accessors are required", d.Table, c.Name)
		}
	}
	return nil
}

// Schema returns the storage-facing schema.
func (d *Descriptor[T]) Schema() Schema {
	s := Schema{Table: d.Table, Columns: make([]ColumnSpec, len(d.Columns))}
	for i, c := range d.Columns {
		s.Columns[i] = ColumnSpec{Name: c.Name, Kind: c.Kind, Description: c.Description}
	}
	return s
}

// Row extracts the column values of rec in column order.
func (d *Descriptor[T]) Row(rec *T) []codec.Value {
	row := make([]codec.Value, len(d.Columns))
	for i, c := range d.Columns {
		row[i] = c.Get(rec)
	}
	return row
}

// Load builds a new record from a row in column order.
func (d *Descriptor[T]) Load(row []codec.Value) (*T, error) {
	if len(row) != len(d.Columns) {
		return nil, errors.SchemaMismatch(d.Table, fmt.Sprintf("row has %d values, want %d", len(row), len(d.Columns)))
	}
	rec := new(T)
	if err := d.assign(rec, row); err != nil {
		return nil, err
	}
	return rec, nil
}

// Clone returns a deep copy of rec. Mapped byte slices are not shared with
// the original.
//
// A column's Set must accept every value its Get returns; Clone panics
// otherwise.
func (d *Descriptor[T]) Clone(rec *T) *T {
	c := *rec
	// Values returned by Get own their bytes, so assigning them back detaches
	// the copy.
	if err := d.assign(&c, d.Row(rec)); err != nil {
		panic(err)
	}
	return &c
}

func (d *Descriptor[T]) assign(rec *T, row []codec.Value) error {
	for i, c := range d.Columns {
		if err := c.Set(rec, row[i]); err != nil {
			if e, ok := err.(*errors.Error); ok {
				e.WithDetail("table", d.Table).WithDetail("column", c.Name)
			}
			return err
		}
	}
	return nil
}

// Text returns a text column.
func Text[T any](name string, get func(*T) string, set func(*T, string)) Column[T] {
	return Column[T]{
		Name: name,
		Kind: codec.Text,
		Get:  func(r *T) codec.Value { return codec.TextValue(get(r)) },
		Set: func(r *T, v codec.Value) error {
			s, err := v.Text()
			if err != nil {
				return err
			}
			set(r, s)
			return nil
		},
	}
}

// Bytes returns a byte sequence column.
func Bytes[T any](name string, get func(*T) []byte, set func(*T, []byte)) Column[T] {
	return Column[T]{
		Name: name,
		Kind: codec.Bytes,
		Get:  func(r *T) codec.Value { return codec.BytesValue(get(r)) },
		Set: func(r *T, v codec.Value) error {
			b, err := v.Bytes()
			if err != nil {
				return err
			}
			set(r, b)
			return nil
		},
	}
}

// Int64 returns a 64-bit integer column.
func Int64[T any](name string, get func(*T) int64, set func(*T, int64)) Column[T] {
	return Column[T]{
		Name: name,
		Kind: codec.Int64,
		Get:  func(r *T) codec.Value { return codec.Int64Value(get(r)) },
		Set: func(r *T, v codec.Value) error {
			i, err := v.Int64()
			if err != nil {
				return err
			}
			set(r, i)
			return nil
		},
	}
}

// Float64 returns a 64-bit float column.
func Float64[T any](name string, get func(*T) float64, set func(*T, float64)) Column[T] {
	return Column[T]{
		Name: name,
		Kind: codec.Float64,
		Get:  func(r *T) codec.Value { return codec.Float64Value(get(r)) },
		Set: func(r *T, v codec.Value) error {
			f, err := v.Float64()
			if err != nil {
				return err
			}
			set(r, f)
			return nil
		},
	}
}

// Bool returns a boolean column.
func Bool[T any](name string, get func(*T) bool, set func(*T, bool)) Column[T] {
	return Column[T]{
		Name: name,
		Kind: codec.Bool,
		Get:  func(r *T) codec.Value { return codec.BoolValue(get(r)) },
		Set: func(r *T, v codec.Value) error {
			b, err := v.Bool()
			if err != nil {
				return err
			}
			set(r, b)
			return nil
		},
	}
}

// validIdentifier reports whether s is usable as a table file name.
func validIdentifier(s string) bool {
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}
