// Package redis is a Store backed by Redis hashes. Each key maps to a hash
// holding the value and its version; writes use WATCH/MULTI so that a stale
// version aborts the transaction.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"clinicore.org/internal/store"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
)

// Store implements store.Store on a go-redis client.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ store.Store = (*Store)(nil)

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	cfg = cfg.withDefaults()
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(rdb, cfg.Prefix), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.client.Close() }

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) key(k string) string { return s.prefix + k }

// Get returns the zero Item for a missing key.
func (s *Store) Get(ctx context.Context, key string) (store.Item, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), fieldValue, fieldVersion).Result()
	if err != nil {
		return store.Item{}, err
	}
	return decodeItem(vals)
}

func decodeItem(vals []any) (store.Item, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return store.Item{}, nil
	}
	raw, ok := vals[0].(string)
	if !ok {
		return store.Item{}, fmt.Errorf("redis: unexpected value type %T", vals[0])
	}
	verStr, ok := vals[1].(string)
	if !ok {
		return store.Item{}, fmt.Errorf("redis: unexpected version type %T", vals[1])
	}
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return store.Item{}, fmt.Errorf("redis: parse version: %w", err)
	}
	return store.Item{Value: []byte(raw), Version: version}, nil
}

// Put writes value when the stored version equals expectedVersion. Zero
// means the key must not exist yet.
func (s *Store) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	k := s.key(key)
	next := expectedVersion + 1
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, k, fieldValue, fieldVersion).Result()
		if err != nil {
			return err
		}
		cur, err := decodeItem(vals)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return store.ErrVersionMismatch
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, k, fieldValue, value, fieldVersion, next)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, goredis.TxFailedErr) {
		return 0, store.ErrVersionMismatch
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}
