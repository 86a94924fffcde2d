// Commit journal and crash recovery.

package rowstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maruel/ksid"
	"golang.org/x/crypto/blake2b"

	"github.com/maruel/ormdb/internal/errors"
)

const journalName = "commit.journal"

// journal lists the temp files of one commit. Once installed, the commit is
// durable: recovery renames every listed file into place.
type journal struct {
	Version string         `json:"version"`
	Tx      ksid.ID        `json:"tx"`
	Tables  []journalEntry `json:"tables"`
}

type journalEntry struct {
	Table    string `json:"table"`
	Checksum string `json:"checksum"`
}

func checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// commit writes the staged tables of tx. Must hold db.mu.
func (db *DB) commit(tx *dbTx) error {
	if len(tx.staged) == 0 {
		db.log.Debug("rowstore: empty commit", "tx", tx.id)
		return nil
	}
	names := make([]string, 0, len(tx.staged))
	for name := range tx.staged {
		names = append(names, name)
	}
	slices.Sort(names)

	j := journal{Version: currentVersion, Tx: tx.id}
	var written []string
	discard := func() {
		for _, p := range written {
			_ = os.Remove(p)
		}
	}
	for _, name := range names {
		data, err := tx.staged[name].encode()
		if err != nil {
			discard()
			return errors.Storage("failed to encode table", err).WithDetail("table", name)
		}
		tmp := tablePath(db.dir, name) + tmpExt
		if err := writeFile(tmp, data, db.opts.Sync); err != nil {
			discard()
			return errors.Storage("failed to write table", err).WithDetail("table", name)
		}
		written = append(written, tmp)
		j.Tables = append(j.Tables, journalEntry{Table: name, Checksum: checksum(data)})
	}
	if err := db.hook("tables"); err != nil {
		discard()
		return errors.Storage("failed to write table", err)
	}
	data, err := json.Marshal(&j)
	if err != nil {
		discard()
		return errors.Storage("failed to encode journal", err)
	}
	if err := writeFileAtomic(filepath.Join(db.dir, journalName), data, db.opts.Sync); err != nil {
		discard()
		return errors.Storage("failed to write journal", err)
	}

	// The commit is durable from here on.
	for _, name := range names {
		db.tables[name] = tx.staged[name]
	}
	err = db.hook("journal")
	if err == nil {
		err = db.applyJournal(&j)
	}
	if err != nil {
		db.broken = err
		db.log.Error("rowstore: commit is durable but was not applied; reopen to recover", "tx", tx.id, "err", err)
		return nil
	}
	db.log.Debug("rowstore: commit", "tx", tx.id, "tables", names)
	return nil
}

// applyJournal renames every temp file listed in j into place, then removes
// the journal. It is idempotent.
func (db *DB) applyJournal(j *journal) error {
	for _, e := range j.Tables {
		live := tablePath(db.dir, e.Table)
		tmp := live + tmpExt
		data, err := os.ReadFile(tmp) //nolint:gosec // path is built from the store directory
		switch {
		case err == nil:
			if got := checksum(data); got != e.Checksum {
				return fmt.Errorf("checksum mismatch for %s: got %s, want %s", tmp, got, e.Checksum)
			}
			if err := os.Rename(tmp, live); err != nil {
				return fmt.Errorf("failed to rename %s: %w", tmp, err)
			}
		case os.IsNotExist(err):
			// Already renamed before the interruption.
			data, err := os.ReadFile(live) //nolint:gosec // path is built from the store directory
			if err != nil {
				return fmt.Errorf("journal lists %s but neither it nor its temp file is readable: %w", live, err)
			}
			if got := checksum(data); got != e.Checksum {
				return fmt.Errorf("checksum mismatch for %s: got %s, want %s", live, got, e.Checksum)
			}
		default:
			return fmt.Errorf("failed to read %s: %w", tmp, err)
		}
	}
	if db.opts.Sync {
		if err := syncDir(db.dir); err != nil {
			return fmt.Errorf("failed to sync directory: %w", err)
		}
	}
	if err := os.Remove(filepath.Join(db.dir, journalName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

// recover completes an interrupted commit and discards the leftovers of an
// incomplete one. It runs before any table is loaded.
func (db *DB) recover() error {
	data, err := os.ReadFile(filepath.Join(db.dir, journalName))
	switch {
	case err == nil:
		var j journal
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("failed to unmarshal journal: %w", err)
		}
		if err := db.applyJournal(&j); err != nil {
			return err
		}
		db.log.Warn("rowstore: rolled forward interrupted commit", "tx", j.Tx, "tables", len(j.Tables))
	case !os.IsNotExist(err):
		return fmt.Errorf("failed to read journal: %w", err)
	}

	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpExt) {
			continue
		}
		if err := os.Remove(filepath.Join(db.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to discard %s: %w", e.Name(), err)
		}
		db.log.Warn("rowstore: discarded incomplete commit file", "file", e.Name())
	}
	return nil
}

// hook lets tests interrupt a commit at a given stage.
func (db *DB) hook(stage string) error {
	if db.failAt != nil {
		return db.failAt(stage)
	}
	return nil
}
