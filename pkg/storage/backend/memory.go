// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/storage/keys"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/pin"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/schema"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/stream"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
	"github.com/LeeDigitalWorks/blobsource/pkg/utils"
)

var memorySchema = &schema.Schema{
	Sections: []schema.Section{
		{ID: "limits", Label: "Limits"},
	},
	Fields: []schema.Field{
		{Name: "capacity", Label: "Capacity in bytes (0 for unlimited)", Type: schema.TypeInt, Optional: true, Default: 0, Section: "limits"},
	},
}

type memoryConfig struct {
	Capacity int64 `json:"capacity"`
}

type memObject struct {
	data    []byte
	hash    string
	created time.Time
}

// Memory keeps objects in process memory. It is only usable between Startup
// and Shutdown; Shutdown drops every object.
type Memory struct {
	guard *pin.Guard
	now   func() time.Time

	mu         sync.RWMutex
	configured bool
	capacity   int64
	objects    map[string]*memObject // nil outside a started period
	used       int64
}

var (
	_ types.Backend   = (*Memory)(nil)
	_ types.Stateful  = (*Memory)(nil)
	_ types.Indexable = (*Memory)(nil)
)

// NewMemory creates an unconfigured memory backend.
func NewMemory(guard *pin.Guard) *Memory {
	if guard == nil {
		guard = pin.NewGuard()
	}
	return &Memory{guard: guard, now: time.Now}
}

func (m *Memory) Type() string { return TypeMemory }

func (m *Memory) Schema() *schema.Schema { return memorySchema }

func (m *Memory) Guard() *pin.Guard { return m.guard }

func (m *Memory) SupportsPositionalRead() bool { return true }

func (m *Memory) Configure(config []byte) error {
	var cfg memoryConfig
	if err := memorySchema.Decode(config, &cfg); err != nil {
		return err
	}
	if cfg.Capacity < 0 {
		return srcerr.Validation("configure memory", fmt.Errorf("capacity: must not be negative"))
	}

	m.mu.Lock()
	m.capacity = cfg.Capacity
	m.configured = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Startup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		return srcerr.NotConfigured("startup")
	}
	if m.objects == nil {
		m.objects = make(map[string]*memObject)
		m.used = 0
	}
	return nil
}

func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.objects = nil
	m.used = 0
	m.mu.Unlock()
	return nil
}

// Started reports whether the backend is between Startup and Shutdown.
func (m *Memory) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects != nil
}

func (m *Memory) info(key string, o *memObject) types.ObjectInfo {
	return types.ObjectInfo{
		Key:        key,
		Size:       types.Int64(int64(len(o.data))),
		Hash:       o.hash,
		CreatedAt:  types.Time(o.created),
		ModifiedAt: types.Time(o.created),
	}
}

// lookupLocked validates key and returns its object. m.mu must be held.
func (m *Memory) lookupLocked(op, key string) (*memObject, error) {
	if m.objects == nil {
		return nil, srcerr.NotConfigured(op)
	}
	if err := keys.Validate(key); err != nil {
		return nil, err
	}
	o, ok := m.objects[key]
	if !ok {
		return nil, srcerr.NotFound(op, key, nil)
	}
	return o, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	const op = "exists"
	p, err := hold(m.guard, op)
	if err != nil {
		return false, err
	}
	defer p.Release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err = m.lookupLocked(op, key)
	if err != nil {
		if errors.Is(err, srcerr.ErrFileNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *Memory) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	const op = "stat"
	p, err := hold(m.guard, op)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	defer p.Release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	o, err := m.lookupLocked(op, key)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	return m.info(key, o), nil
}

func (m *Memory) List(ctx context.Context) ([]types.ObjectInfo, error) {
	var out []types.ObjectInfo
	err := m.Index(ctx, func(info types.ObjectInfo) error {
		out = append(out, info)
		return nil
	})
	return out, err
}

// Index visits objects in key order over a snapshot taken at the start.
func (m *Memory) Index(ctx context.Context, fn func(types.ObjectInfo) error) error {
	const op = "index"
	p, err := hold(m.guard, op)
	if err != nil {
		return err
	}
	defer p.Release()

	m.mu.RLock()
	if m.objects == nil {
		m.mu.RUnlock()
		return srcerr.NotConfigured(op)
	}
	infos := make([]types.ObjectInfo, 0, len(m.objects))
	for k, o := range m.objects {
		infos = append(infos, m.info(k, o))
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return srcerr.Wrap(op, "", err)
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) OpenRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, types.ObjectInfo, error) {
	m.mu.RLock()
	o, err := m.lookupLocked("open read", key)
	m.mu.RUnlock()
	if err != nil {
		return nil, types.ObjectInfo{}, err
	}

	// Stored slices are never mutated, so readers share them.
	start, n := clampRange(int64(len(o.data)), offset, length)
	r := bytes.NewReader(o.data[start : start+n])
	return stream.NewClosable(r, nil), m.info(key, o), nil
}

func (m *Memory) OpenWrite(ctx context.Context, key string, length int64) (types.Sink, error) {
	const op = "open write"
	m.mu.RLock()
	_, err := m.lookupLocked(op, key)
	remaining, limited := m.remainingLocked()
	m.mu.RUnlock()

	switch {
	case err == nil:
		return nil, srcerr.AlreadyExists(op, key)
	case !errors.Is(err, srcerr.ErrFileNotFound):
		return nil, err
	}
	if limited && length > remaining {
		return nil, srcerr.New(srcerr.ErrSourceOperationFailed, op, key,
			fmt.Errorf("insufficient capacity: need %d, have %d", length, remaining))
	}

	s := &memorySink{m: m, key: key, length: length, hash: utils.Sha256PoolGetHasher()}
	if length > 0 {
		s.buf.Grow(int(length))
	}
	return s, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	const op = "delete"
	p, err := hold(m.guard, op)
	if err != nil {
		return err
	}
	defer p.Release()

	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.lookupLocked(op, key)
	if err != nil {
		return err
	}
	m.used -= int64(len(o.data))
	delete(m.objects, key)
	return nil
}

func (m *Memory) CopyIn(ctx context.Context, localPath, key string) error {
	return copyIn(ctx, m, localPath, key)
}

func (m *Memory) CopyOut(ctx context.Context, key, localPath string) error {
	return copyOut(ctx, m, key, localPath)
}

func (m *Memory) KeyFromFilename(name string) string {
	return keys.FromFilename(name, m.now())
}

// RemainingCapacity is only known when a capacity is configured.
func (m *Memory) RemainingCapacity(ctx context.Context) (int64, bool) {
	p, err := hold(m.guard, "remaining capacity")
	if err != nil {
		return 0, false
	}
	defer p.Release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remainingLocked()
}

func (m *Memory) remainingLocked() (int64, bool) {
	if m.capacity <= 0 {
		return 0, false
	}
	return max(m.capacity-m.used, 0), true
}

// commit stores data under key unless another writer got there first.
func (m *Memory) commit(key string, data []byte, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.objects == nil {
		return srcerr.NotConfigured("close")
	}
	if _, ok := m.objects[key]; ok {
		return srcerr.AlreadyExists("close", key)
	}
	if remaining, limited := m.remainingLocked(); limited && int64(len(data)) > remaining {
		return srcerr.New(srcerr.ErrSourceOperationFailed, "close", key,
			fmt.Errorf("insufficient capacity: need %d, have %d", len(data), remaining))
	}
	m.objects[key] = &memObject{data: data, hash: hash, created: m.now()}
	m.used += int64(len(data))
	return nil
}

type memorySink struct {
	m      *Memory
	key    string
	length int64

	mu   sync.Mutex
	buf  bytes.Buffer
	hash hash.Hash // pooled, returned on completion
	done bool
	err  error
}

func (s *memorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return 0, s.err
		}
		return 0, stream.ErrClosed
	}
	if s.length >= 0 && int64(s.buf.Len()+len(p)) > s.length {
		s.failLocked(srcerr.New(srcerr.ErrSourceOperationFailed, "write", s.key,
			fmt.Errorf("write exceeds declared length %d", s.length)))
		return 0, s.err
	}
	s.buf.Write(p)
	s.hash.Write(p)
	return len(p), nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return s.err
	}
	if s.length >= 0 && int64(s.buf.Len()) != s.length {
		s.failLocked(srcerr.New(srcerr.ErrSourceOperationFailed, "close", s.key,
			fmt.Errorf("wrote %d of %d declared bytes", s.buf.Len(), s.length)))
		return s.err
	}

	sum := hex.EncodeToString(s.hash.Sum(nil))
	data := bytes.Clone(s.buf.Bytes())
	s.release()
	s.done = true
	s.err = s.m.commit(s.key, data, sum)
	return s.err
}

func (s *memorySink) Abort(err error) {
	if err == nil {
		err = stream.ErrCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.failLocked(srcerr.Wrap("write", s.key, err))
	}
}

func (s *memorySink) failLocked(err error) {
	s.done = true
	s.err = err
	s.release()
}

func (s *memorySink) release() {
	s.buf = bytes.Buffer{}
	if s.hash != nil {
		utils.Sha256PoolPutHasher(s.hash)
		s.hash = nil
	}
}
