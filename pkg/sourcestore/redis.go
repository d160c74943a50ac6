// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sourcestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one field per source instance.
const DefaultRedisKey = "blobsource:sources"

// RedisConfig configures the Redis record store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RedisStore keeps records in a Redis hash: field is the instance id, value
// is {"type": ..., "config": {...}}.
type RedisStore struct {
	client *redis.Client
	key    string
}

type redisEntry struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// NewRedisStore connects to Redis and checks it is reachable.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Key), nil
}

// NewRedisStoreWithClient uses an existing client. An empty key means
// DefaultRedisKey.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}

	out := make([]Record, 0, len(fields))
	for field, value := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("source field %q: invalid id", field)
		}
		var e redisEntry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			return nil, fmt.Errorf("source %d: %w", id, err)
		}
		out = append(out, Record{ID: id, Type: e.Type, Config: e.Config})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores or replaces a record.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	cfg := rec.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	value, err := json.Marshal(redisEntry{Type: rec.Type, Config: cfg})
	if err != nil {
		return fmt.Errorf("encode source %d: %w", rec.ID, err)
	}
	return s.client.HSet(ctx, s.key, strconv.FormatInt(rec.ID, 10), value).Err()
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	return s.client.HDel(ctx, s.key, strconv.FormatInt(id, 10)).Err()
}

// Ping checks the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
