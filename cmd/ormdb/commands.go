package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/maruel/ormdb/codec"
	"github.com/maruel/ormdb/internal/config"
	"github.com/maruel/ormdb/internal/rowstore"
	"github.com/maruel/ormdb/mapping"
)

// openReadOnly loads the data directory without touching it.
func openReadOnly(cfg *config.Config) (*rowstore.DB, error) {
	return rowstore.Open(cfg.DataDir, rowstore.Options{Logger: slog.Default(), ReadOnly: true})
}

func cmdTables(w io.Writer, cfg *config.Config) error {
	db, err := openReadOnly(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS\tCOLUMNS")
	for _, s := range db.Tables() {
		_, rows, err := db.Rows(s.Table)
		if err != nil {
			return fmt.Errorf("table %s: %w", s.Table, err)
		}
		var cols bytes.Buffer
		for i, c := range s.Columns {
			if i != 0 {
				cols.WriteString(", ")
			}
			fmt.Fprintf(&cols, "%s %s", c.Name, c.Kind)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Table, len(rows), cols.String())
	}
	return tw.Flush()
}

func cmdDump(ctx context.Context, w io.Writer, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "Print the table again whenever it changes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("dump takes exactly one table name, got %v", fs.Args())
	}
	table := fs.Arg(0)
	if err := dumpOnce(w, cfg, table); err != nil {
		return err
	}
	if !*watch {
		return nil
	}
	return watchTable(ctx, w, cfg, table)
}

func dumpOnce(w io.Writer, cfg *config.Config, table string) error {
	db, err := openReadOnly(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	schema, rows, err := db.Rows(table)
	if err != nil {
		return err
	}
	for _, r := range rows {
		line, err := rowJSON(schema.Columns, r)
		if err != nil {
			return fmt.Errorf("row %d: %w", r.ID, err)
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// rowJSON renders a row as one JSON object, keys in column order.
func rowJSON(columns []mapping.ColumnSpec, r rowstore.Row) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"id":%d`, r.ID)
	for i, c := range columns {
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		cell, err := codec.EncodeCell(r.Values[i])
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(cell)
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// watchTable prints the table again on every change of its file, until ctx
// is canceled. Redraws are throttled.
func watchTable(ctx context.Context, w io.Writer, cfg *config.Config, table string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	// Commits rename a new file into place, so watch the directory.
	if err := watcher.Add(cfg.DataDir); err != nil {
		return err
	}
	target := filepath.Join(cfg.DataDir, table+".jsonl")
	limiter := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			slog.DebugContext(ctx, "Table changed", "table", table, "op", event.Op.String())
			fmt.Fprintf(w, "--- %s\n", time.Now().Format(time.TimeOnly))
			if err := dumpOnce(w, cfg, table); err != nil {
				slog.WarnContext(ctx, "Failed to dump table", "table", table, "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching data directory", "err", err)
		}
	}
}

func cmdRecover(ctx context.Context, cfg *config.Config) error {
	db, err := rowstore.Open(cfg.DataDir, rowstore.Options{Sync: cfg.Sync, Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	slog.InfoContext(ctx, "Data directory is consistent", "dir", db.Dir(), "tables", len(db.Tables()))
	return nil
}
