package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/asqlite/asqlite"
)

// Config describes how to open a connection. It can be loaded from a YAML
// file via --config; the --db flag overrides Database.
//
//	database: ./app.db
//	flags: ReadWrite|Create|NoMutex
//	queue_capacity: 32
//	pragmas:
//	  - name: journal_mode
//	    value: WAL
type Config struct {
	// Database is the file path, or ":memory:".
	Database string `yaml:"database"`

	// Name is the worker name. Empty means a generated name.
	Name string `yaml:"name,omitempty"`

	// Flags uses the asqlite.OpenFlags string form. Empty means the defaults.
	Flags string `yaml:"flags,omitempty"`

	// VFS selects a SQLite VFS by name.
	VFS string `yaml:"vfs,omitempty"`

	// QueueCapacity bounds pending calls. Zero means the library default.
	QueueCapacity int `yaml:"queue_capacity,omitempty"`

	// Pragmas run in order right after open.
	Pragmas []PragmaConfig `yaml:"pragmas,omitempty"`
}

// PragmaConfig is one "PRAGMA name = value" entry.
type PragmaConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// resolveConfig merges the config file (if any) with the --db flag.
func resolveConfig(opts *RootOptions, database string) (*Config, error) {
	cfg := &Config{}
	if opts.ConfigPath != "" {
		loaded, err := LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if database != "" {
		cfg.Database = database
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("no database: pass --db or set database in the config file")
	}
	return cfg, nil
}

// Open opens a connection as described by the config.
func (c *Config) Open(ctx context.Context) (*asqlite.Connection, error) {
	flags := asqlite.DefaultOpenFlags
	if c.Flags != "" {
		parsed, err := asqlite.ParseOpenFlags(c.Flags)
		if err != nil {
			return nil, err
		}
		flags = parsed
	}

	b := asqlite.NewBuilder().
		Name(c.Name).
		QueueCapacity(c.QueueCapacity).
		Logger(slog.Default())
	for _, p := range c.Pragmas {
		b.Pragma(p.Name, p.Value)
	}

	slog.Debug("opening database", "path", c.Database, "flags", flags.String(), "vfs", c.VFS)
	return b.OpenWithFlagsAndVFS(ctx, c.Database, flags, c.VFS)
}

// openDatabase resolves the config and opens the connection, wrapping
// failures as command errors.
func openDatabase(ctx context.Context, opts *RootOptions, database string) (*asqlite.Connection, error) {
	cfg, err := resolveConfig(opts, database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	conn, err := cfg.Open(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return conn, nil
}

// closeDatabase closes and releases the connection, logging close failures.
func closeDatabase(ctx context.Context, conn *asqlite.Connection) {
	if err := conn.Close(ctx); err != nil {
		slog.Error("error closing database", "error", err)
	}
	conn.Release()
}
