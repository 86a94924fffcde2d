package rowstore

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maruel/ormdb/codec"
	ormerrors "github.com/maruel/ormdb/internal/errors"
	"github.com/maruel/ormdb/mapping"
)

var accounts = mapping.Schema{
	Table: "accounts",
	Columns: []mapping.ColumnSpec{
		{Name: "owner", Kind: codec.Text},
		{Name: "balance", Kind: codec.Int64},
	},
}

func account(owner string, balance int64) []codec.Value {
	return []codec.Value{codec.TextValue(owner), codec.Int64Value(balance)}
}

func openTest(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir, Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func mustEnsure(t *testing.T, db *DB, s mapping.Schema) {
	t.Helper()
	if err := db.EnsureTable(s); err != nil {
		t.Fatalf("EnsureTable(%s) failed: %v", s.Table, err)
	}
}

func insert(t *testing.T, db *DB, rows ...[]codec.Value) []RowID {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	var ids []RowID
	for _, r := range rows {
		id, err := tx.Insert(accounts, r)
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return ids
}

func wantRow(t *testing.T, db *DB, id RowID, want []codec.Value) {
	t.Helper()
	got, err := db.Fetch(accounts, id)
	if err != nil {
		t.Fatalf("Fetch(%d) failed: %v", id, err)
	}
	if len(got) != len(want) {
		t.Fatalf("Fetch(%d) = %v, want %v", id, got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("Fetch(%d) = %v, want %v", id, got, want)
		}
	}
}

func wantKind(t *testing.T, err error, want ormerrors.Kind) {
	t.Helper()
	if got := ormerrors.KindOf(err); got != want {
		t.Fatalf("error = %v, want kind %s", err, want)
	}
}

func TestEnsureTable(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	mustEnsure(t, db, accounts)
	mustEnsure(t, db, accounts)
	mustEnsure(t, db, mapping.Schema{Table: "empty"})

	t.Run("mismatch", func(t *testing.T) {
		tests := []struct {
			name    string
			columns []mapping.ColumnSpec
			column  string
		}{
			{"kind", []mapping.ColumnSpec{{Name: "owner", Kind: codec.Text}, {Name: "balance", Kind: codec.Float64}}, "balance"},
			{"name", []mapping.ColumnSpec{{Name: "owner", Kind: codec.Text}, {Name: "amount", Kind: codec.Int64}}, "amount"},
			{"missing", []mapping.ColumnSpec{{Name: "owner", Kind: codec.Text}, {Name: "balance", Kind: codec.Int64}, {Name: "note", Kind: codec.Text}}, "note"},
			{"extra", []mapping.ColumnSpec{{Name: "owner", Kind: codec.Text}}, "balance"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := db.EnsureTable(mapping.Schema{Table: "accounts", Columns: tt.columns})
				wantKind(t, err, ormerrors.KindSchemaMismatch)
				var e *ormerrors.Error
				if !errors.As(err, &e) || e.Details()["column"] != tt.column {
					t.Errorf("error = %v, want column %s", err, tt.column)
				}
			})
		}
	})

	t.Run("description ignored", func(t *testing.T) {
		s := mapping.Schema{Table: "accounts", Columns: []mapping.ColumnSpec{
			{Name: "owner", Kind: codec.Text, Description: "Holder"},
			{Name: "balance", Kind: codec.Int64},
		}}
		mustEnsure(t, db, s)
	})

	t.Run("persisted", func(t *testing.T) {
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
		db2 := openTest(t, dir)
		got := db2.Tables()
		if len(got) != 2 || got[0].Table != "accounts" || got[1].Table != "empty" {
			t.Fatalf("Tables() = %+v", got)
		}
		if len(got[0].Columns) != 2 || got[0].Columns[1].Kind != codec.Int64 {
			t.Errorf("columns = %+v", got[0].Columns)
		}
	})
}

func TestCommit(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	mustEnsure(t, db, accounts)

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := tx.Insert(accounts, account("ann", 100))
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}
	if _, err := db.Fetch(accounts, id); ormerrors.KindOf(err) != ormerrors.KindNotFound {
		t.Errorf("uncommitted row visible: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	wantRow(t, db, 1, account("ann", 100))

	t.Run("finished", func(t *testing.T) {
		_, err := tx.Insert(accounts, account("x", 0))
		wantKind(t, err, ormerrors.KindTransactionClosed)
		wantKind(t, tx.Commit(), ormerrors.KindTransactionClosed)
		if err := tx.Abort(); err != nil {
			t.Errorf("Abort after Commit = %v", err)
		}
	})

	ids := insert(t, db, account("bob", 5), account("cid", 7))
	if ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("ids = %v", ids)
	}

	tx, err = db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Update(accounts, 1, account("ann", 90)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Delete(accounts, 3); err != nil {
		t.Fatal(err)
	}
	wantKind(t, tx.Update(accounts, 3, account("cid", 0)), ormerrors.KindNotFound)
	wantKind(t, tx.Delete(accounts, 42), ormerrors.KindNotFound)
	_, err = tx.Insert(accounts, []codec.Value{codec.TextValue("x")})
	wantKind(t, err, ormerrors.KindSchemaMismatch)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	t.Run("reopen", func(t *testing.T) {
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
		db2 := openTest(t, dir)
		wantRow(t, db2, 1, account("ann", 90))
		wantRow(t, db2, 2, account("bob", 5))
		if _, err := db2.Fetch(accounts, 3); ormerrors.KindOf(err) != ormerrors.KindNotFound {
			t.Errorf("deleted row: %v", err)
		}
		// Ids are never reused, even after the highest row was deleted.
		if ids := insert(t, db2, account("dee", 1)); ids[0] != 4 {
			t.Errorf("id after delete = %d, want 4", ids[0])
		}
		_, rows, err := db2.Rows("accounts")
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 3 || rows[0].ID != 1 || rows[1].ID != 2 || rows[2].ID != 4 {
			t.Errorf("Rows() = %+v", rows)
		}
	})
}

func TestAbort(t *testing.T) {
	db := openTest(t, t.TempDir())
	mustEnsure(t, db, accounts)
	insert(t, db, account("ann", 1))

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Begin(); ormerrors.KindOf(err) != ormerrors.KindLockConflict {
		t.Errorf("second Begin = %v, want lock conflict", err)
	}
	if err := tx.Update(accounts, 1, account("ann", 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Insert(accounts, account("bob", 3)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Abort(); err != nil {
		t.Errorf("second Abort = %v", err)
	}
	wantRow(t, db, 1, account("ann", 1))
	if _, err := db.Fetch(accounts, 2); ormerrors.KindOf(err) != ormerrors.KindNotFound {
		t.Errorf("aborted insert visible: %v", err)
	}
	// The slot is free again.
	if ids := insert(t, db, account("cid", 4)); ids[0] != 2 {
		t.Errorf("id after abort = %d, want 2", ids[0])
	}
}

func TestFetch(t *testing.T) {
	db := openTest(t, t.TempDir())
	mustEnsure(t, db, accounts)
	insert(t, db, account("ann", 1))

	_, err := db.Fetch(accounts, 9)
	wantKind(t, err, ormerrors.KindNotFound)
	_, err = db.Fetch(mapping.Schema{Table: "nope"}, 1)
	wantKind(t, err, ormerrors.KindSchemaMismatch)
	_, err = db.Fetch(mapping.Schema{Table: "accounts", Columns: []mapping.ColumnSpec{
		{Name: "owner", Kind: codec.Bytes},
		{Name: "balance", Kind: codec.Int64},
	}}, 1)
	wantKind(t, err, ormerrors.KindSchemaMismatch)

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = db.Fetch(accounts, 1)
	wantKind(t, err, ormerrors.KindStorageFailure)
}

func TestLoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no header", ""},
		{"bad header", "{\n"},
		{"no version", `{"columns":[]}` + "\n"},
		{"bad row", `{"version":"1.0","columns":[{"name":"a","type":"int64"}]}` + "\n" + "[1]\n"},
		{"cell count", `{"version":"1.0","columns":[{"name":"a","type":"int64"}]}` + "\n" + `{"id":1,"cells":[]}` + "\n"},
		{"duplicate id", `{"version":"1.0","columns":[]}` + "\n" + `{"id":1,"cells":[]}` + "\n" + `{"id":1,"cells":[]}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "t.jsonl"), []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Open(dir, Options{Logger: slog.New(slog.DiscardHandler)})
			wantKind(t, err, ormerrors.KindStorageFailure)
		})
	}

	t.Run("next_id from rows", func(t *testing.T) {
		dir := t.TempDir()
		content := `{"version":"1.0","columns":[],"next_id":1}` + "\n" + `{"id":7,"cells":[]}` + "\n"
		if err := os.WriteFile(filepath.Join(dir, "t.jsonl"), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		db := openTest(t, dir)
		tx, err := db.Begin()
		if err != nil {
			t.Fatal(err)
		}
		id, err := tx.Insert(mapping.Schema{Table: "t"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if id != 8 {
			t.Errorf("id = %d, want 8", id)
		}
		_ = tx.Abort()
	})
}

func tmpFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpExt) || e.Name() == journalName {
			out = append(out, e.Name())
		}
	}
	return out
}

var errCrash = errors.New("crash")

func TestRecovery(t *testing.T) {
	people := mapping.Schema{Table: "people", Columns: []mapping.ColumnSpec{{Name: "name", Kind: codec.Text}}}

	setup := func(t *testing.T) (string, *DB) {
		dir := t.TempDir()
		db := openTest(t, dir)
		mustEnsure(t, db, accounts)
		mustEnsure(t, db, people)
		insert(t, db, account("ann", 100), account("bob", 0))
		return dir, db
	}
	transfer := func(t *testing.T, db *DB) error {
		tx, err := db.Begin()
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Update(accounts, 1, account("ann", 50)); err != nil {
			t.Fatal(err)
		}
		if err := tx.Update(accounts, 2, account("bob", 50)); err != nil {
			t.Fatal(err)
		}
		if _, err := tx.Insert(people, []codec.Value{codec.TextValue("carol")}); err != nil {
			t.Fatal(err)
		}
		return tx.Commit()
	}

	t.Run("before journal", func(t *testing.T) {
		dir, db := setup(t)
		db.failAt = func(stage string) error {
			if stage == "tables" {
				return errCrash
			}
			return nil
		}
		err := transfer(t, db)
		wantKind(t, err, ormerrors.KindStorageFailure)
		if !errors.Is(err, errCrash) {
			t.Errorf("error = %v, want wrapped crash", err)
		}
		if got := tmpFiles(t, dir); len(got) != 0 {
			t.Errorf("leftover files: %v", got)
		}
		wantRow(t, db, 1, account("ann", 100))
		db.failAt = nil
		if err := transfer(t, db); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		wantRow(t, db, 1, account("ann", 50))
	})

	t.Run("after journal", func(t *testing.T) {
		dir, db := setup(t)
		db.failAt = func(stage string) error {
			if stage == "journal" {
				return errCrash
			}
			return nil
		}
		if err := transfer(t, db); err != nil {
			t.Fatalf("durable commit reported %v", err)
		}
		if got := tmpFiles(t, dir); len(got) != 3 {
			t.Errorf("files = %v, want 2 temp tables and the journal", got)
		}
		_, err := db.Begin()
		wantKind(t, err, ormerrors.KindStorageFailure)
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}

		db2 := openTest(t, dir)
		wantRow(t, db2, 1, account("ann", 50))
		wantRow(t, db2, 2, account("bob", 50))
		if _, rows, err := db2.Rows("people"); err != nil || len(rows) != 1 {
			t.Errorf("people = %v, %v", rows, err)
		}
		if got := tmpFiles(t, dir); len(got) != 0 {
			t.Errorf("leftover files: %v", got)
		}
	})

	t.Run("partially applied", func(t *testing.T) {
		dir, db := setup(t)
		db.failAt = func(stage string) error {
			if stage == "journal" {
				return errCrash
			}
			return nil
		}
		if err := transfer(t, db); err != nil {
			t.Fatal(err)
		}
		_ = db.Close()
		// One of the renames happened before the interruption.
		live := tablePath(dir, "accounts")
		if err := os.Rename(live+tmpExt, live); err != nil {
			t.Fatal(err)
		}
		db2 := openTest(t, dir)
		wantRow(t, db2, 2, account("bob", 50))
	})

	t.Run("corrupt temp file", func(t *testing.T) {
		dir, db := setup(t)
		db.failAt = func(stage string) error {
			if stage == "journal" {
				return errCrash
			}
			return nil
		}
		if err := transfer(t, db); err != nil {
			t.Fatal(err)
		}
		_ = db.Close()
		if err := os.WriteFile(tablePath(dir, "people")+tmpExt, []byte("garbage\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := Open(dir, Options{Logger: slog.New(slog.DiscardHandler)})
		wantKind(t, err, ormerrors.KindStorageFailure)
	})

	t.Run("stray temp files", func(t *testing.T) {
		dir, db := setup(t)
		_ = db.Close()
		for _, name := range []string{"accounts.jsonl.tmp", "commit.journal.tmp"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		db2 := openTest(t, dir)
		wantRow(t, db2, 1, account("ann", 100))
		if got := tmpFiles(t, dir); len(got) != 0 {
			t.Errorf("leftover files: %v", got)
		}
	})
}

func TestReadOnly(t *testing.T) {
	dir := t.TempDir()
	db := openTest(t, dir)
	mustEnsure(t, db, accounts)
	insert(t, db, account("ann", 1))
	if err := os.WriteFile(filepath.Join(dir, "accounts.jsonl.tmp"), []byte("in flight"), 0o600); err != nil {
		t.Fatal(err)
	}

	ro, err := Open(dir, Options{Logger: slog.New(slog.DiscardHandler), ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ro.Close() }()
	wantRow(t, ro, 1, account("ann", 1))
	mustEnsure(t, ro, accounts)
	wantKind(t, ro.EnsureTable(mapping.Schema{Table: "other"}), ormerrors.KindStorageFailure)
	_, err = ro.Begin()
	wantKind(t, err, ormerrors.KindStorageFailure)
	// Another writer's temp file is left alone.
	if got := tmpFiles(t, dir); len(got) != 1 {
		t.Errorf("files = %v", got)
	}
	if _, err := Open(filepath.Join(dir, "missing"), Options{ReadOnly: true}); ormerrors.KindOf(err) != ormerrors.KindStorageFailure {
		t.Errorf("Open(missing) = %v", err)
	}
}
