// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"hash/maphash"
	"sync"
)

const numShards = 64

// ShardedMap is a concurrent map split into independently locked shards.
// Keys are distributed with maphash, so any comparable key type works.
type ShardedMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards [numShards]shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	m map[K]V
}

// NewShardedMap creates an empty map.
func NewShardedMap[K comparable, V any]() *ShardedMap[K, V] {
	sm := &ShardedMap[K, V]{seed: maphash.MakeSeed()}
	for i := range sm.shards {
		sm.shards[i].m = make(map[K]V)
	}
	return sm
}

func (sm *ShardedMap[K, V]) getShard(key K) *shard[K, V] {
	return &sm.shards[maphash.Comparable(sm.seed, key)%numShards]
}

// Load returns the value for key, or the zero value if absent.
func (sm *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := sm.getShard(key)
	s.RLock()
	v, ok := s.m[key]
	s.RUnlock()
	return v, ok
}

// Store sets the value for key.
func (sm *ShardedMap[K, V]) Store(key K, value V) {
	s := sm.getShard(key)
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

// Swap stores value and returns the previous value, if any.
func (sm *ShardedMap[K, V]) Swap(key K, value V) (V, bool) {
	s := sm.getShard(key)
	s.Lock()
	defer s.Unlock()
	old, loaded := s.m[key]
	s.m[key] = value
	return old, loaded
}

// LoadOrStore returns the existing value if present, otherwise stores and
// returns value. The boolean is true if the value was loaded.
func (sm *ShardedMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	s := sm.getShard(key)

	s.RLock()
	if v, ok := s.m[key]; ok {
		s.RUnlock()
		return v, true
	}
	s.RUnlock()

	s.Lock()
	defer s.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	s.m[key] = value
	return value, false
}

// LoadAndDelete removes key and returns the value it had.
func (sm *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s := sm.getShard(key)
	s.Lock()
	defer s.Unlock()
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return v, ok
}

// Delete removes key.
func (sm *ShardedMap[K, V]) Delete(key K) {
	s := sm.getShard(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

// Range calls f for each entry until f returns false. A shard is read-locked
// while its entries are visited, so f must not write to the map.
func (sm *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		for k, v := range s.m {
			if !f(k, v) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}

// Values returns a snapshot of every value.
func (sm *ShardedMap[K, V]) Values() []V {
	out := make([]V, 0, sm.Len())
	sm.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Len returns the number of entries across all shards.
func (sm *ShardedMap[K, V]) Len() int {
	count := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.RLock()
		count += len(s.m)
		s.RUnlock()
	}
	return count
}
