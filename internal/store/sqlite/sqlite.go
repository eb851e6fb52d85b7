// Package sqlite is a Store backed by a single-file SQLite database using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"clinicore.org/internal/migrate"
	"clinicore.org/internal/store"
)

// Store keeps versioned values in the kv_entries table.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer; serialising through one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return open(ctx, db)
}

// OpenMemory creates an in-memory database (useful for testing).
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return open(ctx, db)
}

func open(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := migrate.NewManager(db, migrate.SQLite).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Get returns the zero Item for a missing key.
func (s *Store) Get(ctx context.Context, key string) (store.Item, error) {
	var it store.Item
	err := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv_entries WHERE key = ?`, key).
		Scan(&it.Value, &it.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Item{}, nil
	}
	if err != nil {
		return store.Item{}, err
	}
	return it, nil
}

// Put writes value when the stored version equals expectedVersion. Zero
// means the key must not exist yet.
func (s *Store) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	now := time.Now().UTC()
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kv_entries (key, value, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (key) DO NOTHING`, key, value, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE kv_entries SET value = ?, version = version + 1, updated_at = ?
			WHERE key = ? AND version = ?`, value, now, key, expectedVersion)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, store.ErrVersionMismatch
	}
	return expectedVersion + 1, nil
}
