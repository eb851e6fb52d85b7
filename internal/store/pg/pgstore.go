// Package pg is a Store backed by PostgreSQL through the pgx stdlib driver.
// Versions are checked in the update's where clause; a lost race surfaces as
// store.ErrVersionMismatch.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"clinicore.org/internal/store"
)

const pgErrUniqueViolation = "23505"

// Store keeps versioned values in the kv_entries table.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open configures a pgx connection pool for dsn. It does not dial; call Ping
// to check connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for migrations and pool tuning.
func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Get returns the zero Item for a missing key.
func (s *Store) Get(ctx context.Context, key string) (store.Item, error) {
	if s.db == nil {
		return store.Item{}, errors.New("database connection unavailable")
	}
	var it store.Item
	err := s.db.QueryRowContext(ctx, `select value, version from kv_entries where key = $1`, key).
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
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			insert into kv_entries (key, value, version, updated_at)
			values ($1, $2, 1, now())
		`, key, value)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return 0, store.ErrVersionMismatch
			}
			return 0, err
		}
		return 1, nil
	}

	var next int64
	err := s.db.QueryRowContext(ctx, `
		update kv_entries
		set value = $2, version = version + 1, updated_at = now()
		where key = $1 and version = $3
		returning version
	`, key, value, expectedVersion).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrVersionMismatch
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
