package store

import (
	"context"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item)}
}

func (m *Memory) Get(ctx context.Context, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	it := m.items[key]
	if it.Value != nil {
		it.Value = append([]byte(nil), it.Value...)
	}
	return it, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.items[key]
	if cur.Version != expectedVersion {
		return cur.Version, ErrVersionMismatch
	}
	next := cur.Version + 1
	m.items[key] = Item{Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
