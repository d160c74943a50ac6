// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sourcestore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client, "")
	t.Cleanup(func() { store.Close() })
	return s, store
}

func TestRedisStore_PutListDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, store := setupTestRedis(t)

	require.NoError(t, store.Put(ctx, Record{ID: 10, Type: "memory"}))
	require.NoError(t, store.Put(ctx, Record{ID: 2, Type: "local", Config: json.RawMessage(`{"directory":"/srv"}`)}))

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[0].ID)
	assert.Equal(t, "local", got[0].Type)
	assert.JSONEq(t, `{"directory":"/srv"}`, string(got[0].Config))
	assert.EqualValues(t, 10, got[1].ID)
	assert.JSONEq(t, `{}`, string(got[1].Config))

	require.NoError(t, store.Delete(ctx, 2))
	require.NoError(t, store.Delete(ctx, 99))
	got, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 10, got[0].ID)
}

func TestRedisStore_Empty(t *testing.T) {
	t.Parallel()

	_, store := setupTestRedis(t)
	got, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_CorruptEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, store := setupTestRedis(t)

	s.HSet(DefaultRedisKey, "abc", `{"type":"memory"}`)
	_, err := store.List(ctx)
	assert.ErrorContains(t, err, "invalid id")

	s.HDel(DefaultRedisKey, "abc")
	s.HSet(DefaultRedisKey, "7", `not json`)
	_, err = store.List(ctx)
	assert.ErrorContains(t, err, "source 7")
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	t.Parallel()

	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr})
	assert.ErrorContains(t, err, "redis ping")
}

func TestNewRedisStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := miniredis.RunT(t)
	store, err := NewRedisStore(ctx, RedisConfig{Addr: s.Addr(), Key: "custom:sources"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, Record{ID: 1, Type: "memory"}))
	assert.True(t, s.Exists("custom:sources"))
}

func TestRedisStore_Ping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, store := setupTestRedis(t)
	require.NoError(t, store.Ping(ctx))

	s.Close()
	assert.Error(t, store.Ping(ctx))
}
