package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection reads and writes a JSON-encoded slice under one key.
type Collection[T any] struct {
	store Store
	key   string
}

// NewCollection binds a collection of T to key in s.
func NewCollection[T any](s Store, key string) Collection[T] {
	return Collection[T]{store: s, key: key}
}

// Key returns the storage key.
func (c Collection[T]) Key() string { return c.key }

// Load returns the current items and their version. A missing key yields an
// empty slice at version 0.
func (c Collection[T]) Load(ctx context.Context) ([]T, int64, error) {
	it, err := c.store.Get(ctx, c.key)
	if err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", c.key, err)
	}
	if it.Version == 0 || len(it.Value) == 0 {
		return nil, it.Version, nil
	}
	var items []T
	if err := json.Unmarshal(it.Value, &items); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", c.key, err)
	}
	return items, it.Version, nil
}

// Save writes items if the stored version is still version.
func (c Collection[T]) Save(ctx context.Context, items []T, version int64) (int64, error) {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", c.key, err)
	}
	next, err := c.store.Put(ctx, c.key, raw, version)
	if err != nil {
		return 0, fmt.Errorf("save %s: %w", c.key, err)
	}
	return next, nil
}
