// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package statedb

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening the state database.
type Config struct {
	// Path is the SQLite database file. Required; the parent
	// directory must exist.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// DB is a pooled SQLite handle plus the key-value surface used for
// persisted component state.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// kvSchema is created on every connection; CREATE TABLE IF NOT EXISTS
// makes it idempotent across pool connections and restarts.
const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// Open opens (creating if necessary) the state database.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("statedb: Path is required")
	}
	if cfg.Logger == nil {
		panic("statedb: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("statedb: opening %s: %w", cfg.Path, err)
	}

	cfg.Logger.Info("state database opened", "path", cfg.Path, "pool_size", poolSize)
	return &DB{pool: pool, logger: cfg.Logger, path: cfg.Path}, nil
}

// prepareConnection applies the standard pragmas and ensures the kv
// schema exists. Runs once per pooled connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, kvSchema, nil); err != nil {
		return fmt.Errorf("statedb: creating kv schema: %w", err)
	}
	return nil
}

// Take borrows a pooled connection, blocking until one is available
// or ctx is cancelled. Callers must Put it back, typically via defer.
func (db *DB) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("statedb: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (db *DB) Put(conn *sqlite.Conn) {
	db.pool.Put(conn)
}

// Close closes the pool, blocking until borrowed connections return.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("statedb: closing %s: %w", db.path, err)
	}
	db.logger.Info("state database closed", "path", db.path)
	return nil
}

// Get returns the value stored under key, with false when the key is
// absent.
func (db *DB) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := db.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer db.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("statedb: get %q: %w", key, err)
	}
	return value, found, nil
}

// Set stores value under key, replacing any previous value.
func (db *DB) Set(ctx context.Context, key string, value []byte) error {
	conn, err := db.Take(ctx)
	if err != nil {
		return err
	}
	defer db.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("statedb: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. No-op when the key is absent.
func (db *DB) Delete(ctx context.Context, key string) error {
	conn, err := db.Take(ctx)
	if err != nil {
		return err
	}
	defer db.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?",
		&sqlitex.ExecOptions{Args: []any{key}})
	if err != nil {
		return fmt.Errorf("statedb: delete %q: %w", key, err)
	}
	return nil
}

// KeyStore adapts one kv key to the load/save interface the circuit
// breaker persists through.
type KeyStore struct {
	db  *DB
	key string
}

// KeyStore returns a load/save view of a single key.
func (db *DB) KeyStore(key string) *KeyStore {
	return &KeyStore{db: db, key: key}
}

// Load returns the stored blob, with false when nothing has been
// saved yet.
func (s *KeyStore) Load(ctx context.Context) ([]byte, bool, error) {
	return s.db.Get(ctx, s.key)
}

// Save durably stores the blob.
func (s *KeyStore) Save(ctx context.Context, value []byte) error {
	return s.db.Set(ctx, s.key, value)
}
