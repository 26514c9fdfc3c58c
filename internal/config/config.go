// Package config manages the docshare.yaml configuration file.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/docshare/internal/storage/blob"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/cow"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file inside the data directory.
const FileName = "docshare.yaml"

// Metadata backends.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Config stores all configuration.
// Loaded from docshare.yaml, created with defaults if missing.
type Config struct {
	// Metadata selects where shared entries, refs and events are stored.
	Metadata MetadataConfig `yaml:"metadata"`

	// Hash is the content hash algorithm for new entries.
	Hash string `yaml:"hash"`

	// Verify rehashes existing objects when the same content is stored again.
	Verify bool `yaml:"verify"`

	// CacheBytes bounds the in-memory cache of shared content. 0 disables it.
	CacheBytes int64 `yaml:"cache_bytes"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`

	GC GCConfig `yaml:"gc"`
}

// MetadataConfig selects the metadata backend.
type MetadataConfig struct {
	// Backend is "jsonl" or "sqlite".
	Backend string `yaml:"backend"`
}

// Validate checks the backend name.
func (m *MetadataConfig) Validate() error {
	switch m.Backend {
	case BackendJSONL, BackendSQLite:
		return nil
	default:
		return fmt.Errorf("unknown backend %q", m.Backend)
	}
}

// ObjectStoreConfig tunes the filesystem object store and its retries.
type ObjectStoreConfig struct {
	// Compress stores objects zstd-compressed.
	Compress bool `yaml:"compress"`

	// Timeout bounds each attempt. 0 disables it.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the total number of attempts per call.
	MaxAttempts int `yaml:"max_attempts"`

	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Validate checks that retry values are sane.
func (o *ObjectStoreConfig) Validate() error {
	if o.Timeout < 0 {
		return errors.New("timeout must be non-negative")
	}
	if o.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if o.BaseDelay < 0 || o.MaxDelay < 0 {
		return errors.New("delays must be non-negative")
	}
	if o.MaxDelay < o.BaseDelay {
		return errors.New("max_delay must not be less than base_delay")
	}
	return nil
}

// RetryPolicy converts the settings to the object store's policy.
func (o *ObjectStoreConfig) RetryPolicy() blob.RetryPolicy {
	return blob.RetryPolicy{Timeout: o.Timeout, MaxAttempts: o.MaxAttempts, BaseDelay: o.BaseDelay, MaxDelay: o.MaxDelay}
}

// GCConfig tunes garbage collection.
type GCConfig struct {
	// GraceWindow is how long unreferenced content is kept.
	GraceWindow time.Duration `yaml:"grace_window"`

	// Interval between sweeps in serve mode.
	Interval time.Duration `yaml:"interval"`

	// StaleIsolatedAge is how long a deleted or edited ref stays untouched
	// before cleanup considers it.
	StaleIsolatedAge time.Duration `yaml:"stale_isolated_age"`

	// DeletesPerSecond throttles deletions. 0 means unlimited.
	DeletesPerSecond float64 `yaml:"deletes_per_second"`
}

// Validate checks that durations are positive.
func (g *GCConfig) Validate() error {
	if g.GraceWindow <= 0 {
		return errors.New("grace_window must be positive")
	}
	if g.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if g.StaleIsolatedAge <= 0 {
		return errors.New("stale_isolated_age must be positive")
	}
	if g.DeletesPerSecond < 0 {
		return errors.New("deletes_per_second must be non-negative")
	}
	return nil
}

// Policy converts the settings to the service's policy.
func (g *GCConfig) Policy() cow.GCPolicy {
	return cow.GCPolicy{GraceWindow: g.GraceWindow, DeletesPerSecond: g.DeletesPerSecond}
}

// Default returns the configuration written when none exists.
func Default() Config {
	r := blob.DefaultRetryPolicy()
	return Config{
		Metadata:   MetadataConfig{Backend: BackendJSONL},
		Hash:       cas.SHA256,
		CacheBytes: 16 << 20,
		ObjectStore: ObjectStoreConfig{
			Timeout:     r.Timeout,
			MaxAttempts: r.MaxAttempts,
			BaseDelay:   r.BaseDelay,
			MaxDelay:    r.MaxDelay,
		},
		GC: GCConfig{
			GraceWindow:      cow.DefaultGCPolicy().GraceWindow,
			Interval:         time.Hour,
			StaleIsolatedAge: 30 * 24 * time.Hour,
			DeletesPerSecond: 100,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Metadata.Validate(); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if _, err := cas.NewHasher(c.Hash); err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	if c.CacheBytes < 0 {
		return errors.New("cache_bytes must be non-negative")
	}
	if err := c.ObjectStore.Validate(); err != nil {
		return fmt.Errorf("object_store: %w", err)
	}
	if err := c.GC.Validate(); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	return nil
}

// Load loads configuration from dataDir/docshare.yaml.
// Creates the file with defaults if it doesn't exist.
func Load(dataDir string) (*Config, error) {
	p := filepath.Join(dataDir, FileName)
	cfg, err := read(p)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	d := Default()
	if err := d.Save(dataDir); err != nil {
		return nil, err
	}
	return &d, nil
}

// Save saves configuration to dataDir/docshare.yaml.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// read parses p on top of the defaults so missing keys keep their default.
func read(p string) (*Config, error) {
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from the data directory flag
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Watch calls fn with the new configuration each time dataDir/docshare.yaml
// changes and still validates. Invalid edits are logged and ignored. Watch
// returns once the watcher is running; it stops when ctx is done.
//
// The directory is watched rather than the file since editors commonly
// replace the file with a rename.
func Watch(ctx context.Context, dataDir string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dataDir); err != nil {
		_ = w.Close()
		return err
	}
	p := filepath.Join(dataDir, FileName)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != p || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := read(p)
				if err != nil {
					slog.WarnContext(ctx, "Ignoring configuration change", "err", err)
					continue
				}
				slog.InfoContext(ctx, "Configuration reloaded", "path", p)
				fn(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching configuration", "err", err)
			}
		}
	}()
	return nil
}
