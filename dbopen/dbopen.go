// Package dbopen opens SQLite databases with the pragmas the moisson
// services rely on, applied via EXEC so any database/sql driver works.
//
// Default pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("catalog.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type config struct {
	driver      string
	busyTimeout int
	synchronous string
	mkdirAll    bool
	schemas     []string
	ping        bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		ping:        true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute after pragmas are applied.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// Open opens an SQLite database at path with moisson's production pragmas.
// The caller must blank-import a driver before calling Open:
//
//	import _ "modernc.org/sqlite"
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}

	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
// It sets MaxOpenConns(1) so all queries hit the same in-memory database
// (each connection to ":memory:" creates a separate one) and registers
// t.Cleanup to close the handle.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
