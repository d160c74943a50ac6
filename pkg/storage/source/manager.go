// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package source owns the set of configured storage sources. It registers
// source types, keeps one record per configured instance, creates each
// instance's backend lazily on first access, and evicts backends that have
// sat idle past their expiry.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/pin"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
	"github.com/LeeDigitalWorks/blobsource/pkg/utils"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSweepInterval is how often Start runs the eviction sweep.
	DefaultSweepInterval = time.Minute

	shutdownTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, so tests can move time forward.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval sets the period of the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// record is one configured instance. backend is non-nil only while the
// instance is hot; every hot period gets a fresh guard.
type record struct {
	id     int64
	typeID string
	config json.RawMessage

	mu        sync.Mutex
	backend   types.Backend
	expiresAt time.Time // zero means never
	removed   bool
}

// touch returns the live backend and pushes its expiry out, or nil when the
// instance is cold.
func (r *record) touch(now time.Time, ttl time.Duration) types.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend == nil {
		return nil
	}
	r.expiresAt = expiry(now, ttl)
	return r.backend
}

// detach takes the backend out of the record and marks the record dead when
// removed is set.
func (r *record) detach(removed bool) types.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	if removed {
		r.removed = true
	}
	b := r.backend
	r.backend = nil
	r.expiresAt = time.Time{}
	return b
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// InstanceInfo describes one registered instance.
type InstanceInfo struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Live      bool      `json:"live"`
	Pins      int       `json:"pins"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Manager is the registry of source types and configured instances. Build
// one at startup and hand it to whatever needs storage.
type Manager struct {
	now      func() time.Time
	interval time.Duration

	typesMu   sync.RWMutex
	types     map[string]types.SourceType
	typeOrder []string

	records *utils.ShardedMap[int64, *record]
	flights singleflight.Group

	shutdowns sync.WaitGroup

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewManager creates a Manager with no types and no instances.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:      time.Now,
		interval: DefaultSweepInterval,
		types:    make(map[string]types.SourceType),
		records:  utils.NewShardedMap[int64, *record](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterType adds a source type. Registering an id again keeps the first
// descriptor.
func (m *Manager) RegisterType(st types.SourceType) {
	m.typesMu.Lock()
	defer m.typesMu.Unlock()
	if _, ok := m.types[st.ID]; ok {
		logger.Debug().Str("type", st.ID).Msg("source type already registered")
		return
	}
	m.types[st.ID] = st
	m.typeOrder = append(m.typeOrder, st.ID)
}

// Types returns the registered source types in registration order.
func (m *Manager) Types() []types.SourceType {
	m.typesMu.RLock()
	defer m.typesMu.RUnlock()
	out := make([]types.SourceType, 0, len(m.typeOrder))
	for _, id := range m.typeOrder {
		out = append(out, m.types[id])
	}
	return out
}

func (m *Manager) sourceType(op, id string) (types.SourceType, error) {
	m.typesMu.RLock()
	st, ok := m.types[id]
	m.typesMu.RUnlock()
	if !ok {
		return types.SourceType{}, srcerr.New(srcerr.ErrUnknownSourceType, op, "", fmt.Errorf("type %q", id))
	}
	return st, nil
}

func unknownInstance(op string, id int64) error {
	return srcerr.New(srcerr.ErrUnknownInstance, op, "", fmt.Errorf("instance %d", id))
}

// RegisterInstance validates config against a throwaway backend of typeID
// and records the instance without creating its backend. On failure nothing
// is recorded. Registering an existing id replaces it; a live backend of the
// old record is shut down, and a failure to do so is only logged since the
// new record is already in place.
func (m *Manager) RegisterInstance(ctx context.Context, id int64, typeID string, config []byte) error {
	const op = "register instance"
	st, err := m.sourceType(op, typeID)
	if err != nil {
		return err
	}

	check := st.Factory(pin.NewGuard())
	if err := check.Configure(config); err != nil {
		if !errors.Is(err, srcerr.ErrValidationFailed) {
			err = srcerr.Validation(op, err)
		}
		return err
	}

	rec := &record{id: id, typeID: typeID, config: bytes.Clone(config)}
	old, replaced := m.records.Swap(id, rec)

	logger.Ctx(ctx).Info().
		Int64("instance_id", id).
		Str("type", typeID).
		Bool("replaced", replaced).
		Msg("source instance registered")

	if replaced {
		_ = m.teardown(ctx, old, "replaced")
	}
	return nil
}

// DeleteInstance removes the instance unconditionally. A live backend is
// retired and shut down even while pins are outstanding.
func (m *Manager) DeleteInstance(ctx context.Context, id int64) error {
	rec, ok := m.records.LoadAndDelete(id)
	if !ok {
		return unknownInstance("delete instance", id)
	}
	logger.Ctx(ctx).Info().Int64("instance_id", id).Str("type", rec.typeID).Msg("source instance deleted")
	return m.teardown(ctx, rec, "deleted")
}

// teardown retires and shuts down the live backend of a record that is no
// longer reachable from the map.
func (m *Manager) teardown(ctx context.Context, rec *record, reason string) error {
	b := rec.detach(true)
	if b == nil {
		return nil
	}
	if pins := b.Guard().Retire(); pins > 0 {
		logger.Ctx(ctx).Warn().
			Int64("instance_id", rec.id).
			Str("type", rec.typeID).
			Int("pins", pins).
			Str("reason", reason).
			Msg("shutting down source backend with outstanding pins")
	}
	LiveBackends.WithLabelValues(rec.typeID).Dec()
	EvictionsTotal.WithLabelValues(rec.typeID, reason).Inc()
	return m.shutdown(ctx, rec, b)
}

// shutdown calls Shutdown on stateful backends.
func (m *Manager) shutdown(ctx context.Context, rec *record, b types.Backend) error {
	s, ok := b.(types.Stateful)
	if !ok {
		return nil
	}
	if err := s.Shutdown(ctx); err != nil {
		ShutdownFailuresTotal.WithLabelValues(rec.typeID).Inc()
		logger.Ctx(ctx).Warn().Err(err).
			Int64("instance_id", rec.id).
			Str("type", rec.typeID).
			Msg("source backend shutdown failed")
		return srcerr.Wrap("shutdown", "", err)
	}
	return nil
}

// GetOrCreate returns the live backend of instance id, creating, configuring
// and starting it first if the instance is cold. Each call moves the expiry
// to now+ttl; ttl <= 0 keeps the backend until it is deleted. Concurrent
// first calls share one creation, which is not cancelled with any single
// caller's context.
func (m *Manager) GetOrCreate(ctx context.Context, id int64, ttl time.Duration) (types.Backend, error) {
	rec, ok := m.records.Load(id)
	if !ok {
		return nil, unknownInstance("get source", id)
	}
	if b := rec.touch(m.now(), ttl); b != nil {
		return b, nil
	}

	// Keyed by record identity so a replaced record never joins the old flight
	key := fmt.Sprintf("%d/%p", id, rec)
	var leader bool
	v, err, shared := m.flights.Do(key, func() (any, error) {
		leader = true
		return m.create(context.WithoutCancel(ctx), rec, ttl)
	})
	if err != nil {
		return nil, err
	}
	// Joiners apply their own ttl, as they would on a live instance
	if shared && !leader {
		rec.touch(m.now(), ttl)
	}
	return v.(types.Backend), nil
}

func (m *Manager) create(ctx context.Context, rec *record, ttl time.Duration) (types.Backend, error) {
	const op = "create source"
	if b := rec.touch(m.now(), ttl); b != nil {
		return b, nil
	}
	st, err := m.sourceType(op, rec.typeID)
	if err != nil {
		return nil, err
	}

	log := logger.Ctx(ctx).With().Int64("instance_id", rec.id).Str("type", rec.typeID).Logger()
	fail := func(err error) (types.Backend, error) {
		CreationFailuresTotal.WithLabelValues(rec.typeID).Inc()
		log.Error().Err(err).Msg("failed to create source backend")
		return nil, err
	}

	b := st.Factory(pin.NewGuard())
	if err := b.Configure(rec.config); err != nil {
		return fail(err)
	}
	if s, ok := b.(types.Stateful); ok {
		if err := s.Startup(ctx); err != nil {
			return fail(srcerr.Wrap(op, "", err))
		}
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		b.Guard().Retire()
		_ = m.shutdown(ctx, rec, b)
		return nil, unknownInstance(op, rec.id)
	}
	rec.backend = b
	rec.expiresAt = expiry(m.now(), ttl)
	rec.mu.Unlock()

	CreationsTotal.WithLabelValues(rec.typeID).Inc()
	LiveBackends.WithLabelValues(rec.typeID).Inc()
	log.Info().Dur("ttl", ttl).Msg("source backend started")
	return b, nil
}

// Acquire returns the backend of instance id together with a pin on it. The
// caller must release the pin. It retries once if the backend was evicted
// between lookup and pinning.
func (m *Manager) Acquire(ctx context.Context, id int64, ttl time.Duration) (types.Backend, *pin.Pin, error) {
	var lastErr error
	for range 2 {
		b, err := m.GetOrCreate(ctx, id, ttl)
		if err != nil {
			return nil, nil, err
		}
		p, err := b.Guard().Acquire()
		if err == nil {
			return b, p, nil
		}
		lastErr = err
	}
	return nil, nil, srcerr.New(srcerr.ErrSourceNotConfigured, "acquire source", "", lastErr)
}

// Live reports whether instance id currently has a backend.
func (m *Manager) Live(id int64) bool {
	rec, ok := m.records.Load(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.backend != nil
}

// Instances lists every registered instance, ordered by id.
func (m *Manager) Instances() []InstanceInfo {
	recs := m.records.Values()
	out := make([]InstanceInfo, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		info := InstanceInfo{ID: rec.id, Type: rec.typeID, ExpiresAt: rec.expiresAt}
		if rec.backend != nil {
			info.Live = true
			info.Pins = rec.backend.Guard().Count()
		}
		rec.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops the sweep and shuts down every live backend, pinned or not.
// Instances stay registered.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop()

	var errs []error
	for _, rec := range m.records.Values() {
		b := rec.detach(false)
		if b == nil {
			continue
		}
		b.Guard().Retire()
		LiveBackends.WithLabelValues(rec.typeID).Dec()
		EvictionsTotal.WithLabelValues(rec.typeID, "shutdown").Inc()
		errs = append(errs, m.shutdown(ctx, rec, b))
	}
	m.Wait()
	return errors.Join(errs...)
}
