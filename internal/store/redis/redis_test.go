package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicore.org/internal/ids"
	"clinicore.org/internal/store"
)

func TestDecodeItem(t *testing.T) {
	it, err := decodeItem([]any{nil, nil})
	require.NoError(t, err)
	assert.Zero(t, it.Version)

	it, err = decodeItem([]any{"[]", "3"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), it.Version)
	assert.Equal(t, "[]", string(it.Value))

	_, err = decodeItem([]any{"[]", "x"})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Addr: "redis:6379"}.withDefaults()
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
}

// Runs against a live server when CLINICORE_TEST_REDIS_ADDR is set.
func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("CLINICORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CLINICORE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Addr: addr, Prefix: "clinicore-test:" + ids.New() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v, err := s.Put(ctx, "k", []byte("one"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.Put(ctx, "k", []byte("stale"), 0)
	assert.ErrorIs(t, err, store.ErrVersionMismatch)

	it, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "one", string(it.Value))
}
