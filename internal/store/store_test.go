package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestMemoryVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	it, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, it.Version)

	v, err := m.Put(ctx, "k", []byte("one"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = m.Put(ctx, "k", []byte("stale"), 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	v, err = m.Put(ctx, "k", []byte("two"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	it, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(it.Value))
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Put(ctx, "k", []byte("abc"), 0)
	require.NoError(t, err)
	it, _ := m.Get(ctx, "k")
	it.Value[0] = 'z'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(again.Value))
}

func TestCollectionRoundTripAndConflict(t *testing.T) {
	ctx := context.Background()
	c := NewCollection[widget](NewMemory(), "widgets")

	items, version, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, version)

	version, err = c.Save(ctx, []widget{{ID: "1", Name: "gear"}}, version)
	require.NoError(t, err)

	items, loaded, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, loaded)
	assert.Equal(t, []widget{{ID: "1", Name: "gear"}}, items)

	_, err = c.Save(ctx, nil, 0)
	assert.True(t, errors.Is(err, ErrVersionMismatch), "stale writer must be rejected: %v", err)
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().Put(ctx, "k", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
