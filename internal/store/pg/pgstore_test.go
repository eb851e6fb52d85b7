package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"clinicore.org/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetMissingKeyIsVersionZero(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select value, version from kv_entries").
		WithArgs("accounts").
		WillReturnError(sql.ErrNoRows)

	it, err := s.Get(context.Background(), "accounts")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it.Version != 0 || it.Value != nil {
		t.Fatalf("expected empty item, got %+v", it)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetReturnsValueAndVersion(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select value, version from kv_entries").
		WithArgs("grants").
		WillReturnRows(sqlmock.NewRows([]string{"value", "version"}).AddRow([]byte(`[]`), int64(7)))

	it, err := s.Get(context.Background(), "grants")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it.Version != 7 || string(it.Value) != "[]" {
		t.Fatalf("unexpected item: %+v", it)
	}
}

func TestPutInsertConflictMapsToVersionMismatch(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into kv_entries").
		WithArgs("accounts", []byte(`[]`)).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.Put(context.Background(), "accounts", []byte(`[]`), 0)
	if !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestPutUpdateChecksVersion(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("update kv_entries").
		WithArgs("audit_log", []byte(`[1]`), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectQuery("update kv_entries").
		WithArgs("audit_log", []byte(`[2]`), int64(3)).
		WillReturnError(sql.ErrNoRows)

	v, err := s.Put(context.Background(), "audit_log", []byte(`[1]`), 3)
	if err != nil || v != 4 {
		t.Fatalf("expected version 4, got %d err %v", v, err)
	}
	if _, err := s.Put(context.Background(), "audit_log", []byte(`[2]`), 3); !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
