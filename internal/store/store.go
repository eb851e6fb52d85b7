// Package store defines the durable key-value contract shared by the
// directory, grant and audit collections, plus an in-memory backend.
//
// Every value carries a version. Version 0 means the key is absent. Put
// succeeds only when expectedVersion matches the stored version, which gives
// callers optimistic concurrency across processes.
package store

import (
	"context"
	"errors"
)

// Collection keys.
const (
	KeyAccounts      = "accounts"
	KeyGrants        = "patient_access_grants"
	KeyAudit         = "audit_log"
	KeyPatients      = "records.patients"
	KeyAppointments  = "records.appointments"
	KeyPrescriptions = "records.prescriptions"
	KeyDocuments     = "records.documents"
)

// ErrVersionMismatch is returned by Put when the stored version differs from
// the expected one.
var ErrVersionMismatch = errors.New("store: version mismatch")

// Item is a stored value and its version.
type Item struct {
	Value   []byte
	Version int64
}

// Store is a durable key-value store with versioned writes.
type Store interface {
	Get(ctx context.Context, key string) (Item, error)
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
