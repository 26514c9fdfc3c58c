// Package main is the command line front end for docshare.
//
// docshare keeps one shared copy of each markdown document and gives every
// user a private copy-on-write view of it. Configuration is read from CLI
// flags and docshare.yaml in the data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/docshare/internal/config"
	"github.com/maruel/docshare/internal/storage/blob"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/cow"
	"github.com/maruel/docshare/internal/storage/library"
	"github.com/maruel/docshare/internal/storage/meta"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const usage = `usage: docshare [flags] <command> [args]

commands:
  store <file>                          add a file to the shared library
  attach <user> <doc> <hash> [path]     give a user a copy of a shared entry
  write <user> <doc> <file> [base-hash] replace a user's copy
  read <user> <doc>                     print a user's copy
  revert <user> <doc>                   discard a user's edits
  remove <user> <doc>                   delete a user's copy
  event <user> <op> <path> [file|target]
                                        apply a path event (create, update, delete, move, copy)
  events <user>                         list a user's path events
  gc                                    run one garbage collection sweep
  cleanup                               reclaim stale deleted and edited copies
  stats                                 print storage statistics
  serve                                 run gc and cleanup periodically until interrupted

flags:
`

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "docshare: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	backend := flag.String("backend", "", "Metadata backend (jsonl, sqlite); overrides docshare.yaml")
	hash := flag.String("hash", "", "Hash algorithm for new content (sha256, blake3, blake2b); overrides docshare.yaml")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", config.FileName, err)
	}
	if *backend != "" {
		cfg.Metadata.Backend = *backend
	}
	if *hash != "" {
		cfg.Hash = *hash
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := openApp(ctx, *dataDir, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.meta.Close(); err != nil {
			slog.WarnContext(ctx, "Failed to close metadata store", "err", err)
		}
	}()
	return a.run(ctx, flag.Args())
}

// app holds the opened stores for one invocation.
type app struct {
	dataDir string
	cfg     *config.Config
	meta    meta.Store
	svc     *cow.Service
}

func openApp(ctx context.Context, dataDir string, cfg *config.Config) (*app, error) {
	hasher, err := cas.NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}
	fs, err := blob.NewFS(filepath.Join(dataDir, "objects"), cfg.ObjectStore.Compress)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	blobs := blob.NewRetrying(fs, cfg.ObjectStore.RetryPolicy())

	var m meta.Store
	switch cfg.Metadata.Backend {
	case config.BackendSQLite:
		m, err = meta.OpenSQLite(ctx, filepath.Join(dataDir, "meta.db"))
	default:
		m, err = meta.OpenJSONL(filepath.Join(dataDir, "db"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata store: %w", err)
	}

	lib := library.New(blobs, m, library.Options{Hasher: hasher, Verify: cfg.Verify, CacheBytes: cfg.CacheBytes})
	svc, err := cow.New(cow.Options{Blobs: blobs, Meta: m, Library: lib, GC: cfg.GC.Policy()})
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	slog.DebugContext(ctx, "Opened stores", "dir", dataDir, "backend", cfg.Metadata.Backend, "hash", cfg.Hash)
	return &app{dataDir: dataDir, cfg: cfg, meta: m, svc: svc}, nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("docshare %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
