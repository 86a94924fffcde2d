// Reading and writing table files.

package rowstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/mapping"
)

// currentVersion is the current version of the table file format.
const currentVersion = "1.0"

const (
	tableExt = ".jsonl"
	tmpExt   = ".tmp"
)

// schemaHeader is the first line of a table file.
type schemaHeader struct {
	Version string               `json:"version"`
	Columns []mapping.ColumnSpec `json:"columns"`
	NextID  RowID                `json:"next_id"`
}

// Validate checks that the schema header is well-formed.
func (h *schemaHeader) Validate() error {
	if h.Version == "" {
		return fmt.Errorf("schema version is required")
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if !col.Kind.Valid() {
			return fmt.Errorf("column %d: type is required", i)
		}
	}
	return nil
}

// rowLine is one persisted row.
type rowLine struct {
	ID    RowID             `json:"id"`
	Cells []json.RawMessage `json:"cells"`
}

// table is the in-memory image of one table file.
type table struct {
	name   string
	header schemaHeader
	rows   map[RowID][]json.RawMessage
}

func (t *table) clone() *table {
	c := &table{name: t.name, header: t.header, rows: make(map[RowID][]json.RawMessage, len(t.rows))}
	c.header.Columns = slices.Clone(t.header.Columns)
	for id, cells := range t.rows {
		// Cell slices are replaced wholesale on update, never mutated.
		c.rows[id] = cells
	}
	return c
}

func (t *table) schema() mapping.Schema {
	return mapping.Schema{Table: t.name, Columns: slices.Clone(t.header.Columns)}
}

func (t *table) sortedIDs() []RowID {
	ids := make([]RowID, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func tablePath(dir, name string) string {
	return filepath.Join(dir, name+tableExt)
}

// loadTable reads a table file.
func loadTable(path string) (*table, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from the store directory
	if err != nil {
		return nil, fmt.Errorf("failed to open table file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	t := &table{
		name: strings.TrimSuffix(filepath.Base(path), tableExt),
		rows: make(map[RowID][]json.RawMessage),
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<30)
	first := true
	var maxID RowID
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			if err := json.Unmarshal(line, &t.header); err != nil {
				return nil, fmt.Errorf("failed to unmarshal schema header in %s: %w", path, err)
			}
			if err := t.header.Validate(); err != nil {
				return nil, fmt.Errorf("invalid schema header in %s: %w", path, err)
			}
			continue
		}
		var row rowLine
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row in %s: %w", path, err)
		}
		if row.ID < 1 {
			return nil, fmt.Errorf("invalid row id %d in %s", row.ID, path)
		}
		if _, dup := t.rows[row.ID]; dup {
			return nil, fmt.Errorf("duplicate row id %d in %s", row.ID, path)
		}
		if len(row.Cells) != len(t.header.Columns) {
			return nil, fmt.Errorf("row %d in %s has %d cells, want %d", row.ID, path, len(row.Cells), len(t.header.Columns))
		}
		t.rows[row.ID] = row.Cells
		maxID = max(maxID, row.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table file %s: %w", path, err)
	}
	if first {
		return nil, fmt.Errorf("table file %s has no schema header", path)
	}
	t.header.NextID = max(t.header.NextID, maxID+1, 1)
	return t, nil
}

// encode serializes the table, rows sorted by id.
func (t *table) encode() ([]byte, error) {
	var buf bytes.Buffer
	writer := bufio.NewWriter(&buf)
	enc := json.NewEncoder(writer)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&t.header); err != nil {
		return nil, fmt.Errorf("failed to marshal schema header: %w", err)
	}
	for _, id := range t.sortedIDs() {
		if err := enc.Encode(&rowLine{ID: id, Cells: t.rows[id]}); err != nil {
			return nil, fmt.Errorf("failed to marshal row %d: %w", id, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFile writes data to path, optionally syncing it to stable storage.
func writeFile(path string, data []byte, sync bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // path is built from the store directory
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to sync %s: %w", path, err)
		}
	}
	return f.Close()
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, sync bool) error {
	tmp := path + tmpExt
	if err := writeFile(tmp, data, sync); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // store directory
	if err != nil {
		return err
	}
	defer func() {
		_ = d.Close()
	}()
	return d.Sync()
}

// compareSchema checks that a stored table matches the wanted schema exactly:
// same column names, order and kinds. Descriptions are informational.
func compareSchema(stored []mapping.ColumnSpec, want *mapping.Schema) error {
	for i, w := range want.Columns {
		if i >= len(stored) {
			return errors.SchemaMismatch(want.Table, fmt.Sprintf("missing column %s", w.Name)).
				WithDetail("column", w.Name)
		}
		s := stored[i]
		if s.Name != w.Name {
			return errors.SchemaMismatch(want.Table, fmt.Sprintf("column %d is %s, want %s", i, s.Name, w.Name)).
				WithDetail("column", w.Name)
		}
		if s.Kind != w.Kind {
			return errors.SchemaMismatch(want.Table, fmt.Sprintf("column %s is %s, want %s", w.Name, s.Kind, w.Kind)).
				WithDetail("column", w.Name).
				WithDetail("expected", w.Kind.String()).
				WithDetail("got", s.Kind.String())
		}
	}
	if len(stored) > len(want.Columns) {
		return errors.SchemaMismatch(want.Table, fmt.Sprintf("unexpected column %s", stored[len(want.Columns)].Name)).
			WithDetail("column", stored[len(want.Columns)].Name)
	}
	return nil
}
