// Package sqlite implements the storage contract using SQLite.
//
// File layout mirrors the concern split:
//   - store.go: Store struct, Open, lifecycle, WASM cache setup
//   - schema.go: table and index definitions
//   - sends.go: scheduled-send operations and the transition rules
//   - recipients.go: recipient reads (engine) and writes (CRUD surface)
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

// Store implements storage.Store on a single SQLite database holding both the
// scheduled_sends table and the recipients table the CRUD surface writes.
type Store struct {
	db   *sql.DB
	path string

	// now is injectable for deterministic transition timestamps in tests.
	now func() time.Time
}

// setupWASMCache points the sqlite driver's wazero runtime at a persistent
// compilation cache so process start does not pay the WASM JIT cost every run.
// Falls back to an in-memory cache when the cache dir is unavailable.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "candle", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open creates or opens the database at path and applies the schema.
// Pass ":memory:" for an ephemeral database (tests).
func Open(ctx context.Context, path string) (*Store, error) {
	var connStr string
	switch {
	case path == ":memory:":
		// Shared cache so multiple pool connections see the same data; WAL
		// does not work for shared in-memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are isolated per connection; force a single
	// connection so every pool user sees the same data.
	if path == ":memory:" || strings.Contains(connStr, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL allows 1 writer + N readers; the pool must cover
		// workers + sweeper + planner concurrently.
		db.SetMaxOpenConns(16)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}
