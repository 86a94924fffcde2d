// Package main is the ormdb inspection tool.
//
// ormdb reads a data directory written by package orm: it lists tables, dumps
// rows as JSON lines, optionally following changes, and completes an
// interrupted commit. Settings come from an optional YAML file and CLI flags;
// flags explicitly set win.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/ormdb/internal/config"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "ormdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "YAML settings file (optional)")
	defaults := config.Default()
	dataDir := flag.String("data-dir", defaults.DataDir, "Data directory")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	if *version {
		printVersion(os.Stdout, readBuildInfo())
		return nil
	}
	if flag.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	cfg := defaults
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	// Flags explicitly set override the settings file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["data-dir"] || *configPath == "" {
		cfg.DataDir = *dataDir
	}
	if set["log-level"] || *configPath == "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	ll.Set(level)

	args := flag.Args()
	switch args[0] {
	case "tables":
		if len(args) != 1 {
			return fmt.Errorf("unknown arguments: %v", args[1:])
		}
		return cmdTables(os.Stdout, cfg)
	case "dump":
		return cmdDump(ctx, os.Stdout, cfg, args[1:])
	case "recover":
		if len(args) != 1 {
			return fmt.Errorf("unknown arguments: %v", args[1:])
		}
		return cmdRecover(ctx, cfg)
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: ormdb [flags] <command>\n\n")
	fmt.Fprintf(out, "commands:\n")
	fmt.Fprintf(out, "  tables               list tables with their columns and row counts\n")
	fmt.Fprintf(out, "  dump [-watch] <table> print rows as JSON lines\n")
	fmt.Fprintf(out, "  recover              complete or discard an interrupted commit\n\n")
	fmt.Fprintf(out, "flags:\n")
	flag.PrintDefaults()
}

// buildInfo describes the running binary.
type buildInfo struct {
	Version   string
	GoVersion string
	Revision  string
	Modified  bool
}

func readBuildInfo() buildInfo {
	b := buildInfo{Version: "dev", GoVersion: runtime.Version(), Revision: "unknown"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		b.Version = v
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" {
			b.Revision = kv.Value
		} else if kv.Key == "vcs.modified" {
			b.Modified = kv.Value == "true"
		}
	}
	return b
}

func printVersion(w io.Writer, b buildInfo) {
	fmt.Fprintf(w, "ormdb %s (%s)\n", b.Version, b.GoVersion)
	rev := b.Revision
	if b.Modified {
		rev += "+dirty"
	}
	fmt.Fprintf(w, "revision %s\n", rev)
}
