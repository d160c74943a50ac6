// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
	"github.com/LeeDigitalWorks/blobsource/pkg/utils"
)

// evictIfIdle detaches the backend when it has expired and no pin is held.
// The guard is retired in the same step, so nobody can pin it afterwards.
func (r *record) evictIfIdle(now time.Time) types.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend == nil || r.expiresAt.IsZero() || !now.After(r.expiresAt) {
		return nil
	}
	if !r.backend.Guard().TryRetire() {
		return nil
	}
	b := r.backend
	r.backend = nil
	r.expiresAt = time.Time{}
	return b
}

// Sweep evicts every expired, unpinned backend and returns how many it
// evicted. Shutdown of evicted stateful backends runs in the background;
// Wait joins it. Shutdown errors are logged and otherwise ignored.
func (m *Manager) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() { SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := m.now()
	type eviction struct {
		rec *record
		b   types.Backend
	}
	var evicted []eviction
	m.records.Range(func(_ int64, rec *record) bool {
		if b := rec.evictIfIdle(now); b != nil {
			evicted = append(evicted, eviction{rec, b})
		}
		return true
	})

	log := logger.Ctx(ctx)
	for _, e := range evicted {
		LiveBackends.WithLabelValues(e.rec.typeID).Dec()
		EvictionsTotal.WithLabelValues(e.rec.typeID, "expired").Inc()
		log.Debug().Int64("instance_id", e.rec.id).Str("type", e.rec.typeID).Msg("evicting idle source backend")

		if _, ok := e.b.(types.Stateful); !ok {
			continue
		}
		m.shutdowns.Add(1)
		go func() {
			defer m.shutdowns.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = m.shutdown(sctx, e.rec, e.b)
		}()
	}
	return len(evicted)
}

// Wait blocks until every background shutdown started by Sweep has returned.
func (m *Manager) Wait() {
	m.shutdowns.Wait()
}

// Start runs Sweep periodically until Stop. Calling Start on a running
// manager does nothing.
func (m *Manager) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopLoop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopLoop, m.loopDone = cancel, done

	go func() {
		defer close(done)
		ticks, stop := utils.JitteredTicker(m.interval, 0.1)
		defer stop()

		for {
			select {
			case <-ticks:
				if n := m.Sweep(ctx); n > 0 {
					logger.Info().Int("evicted", n).Msg("source sweep evicted idle backends")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Dur("interval", m.interval).Msg("started source sweep")
}

// Stop ends the periodic sweep. Shutdowns already in flight are not waited
// for; use Wait.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.stopLoop, m.loopDone
	m.stopLoop, m.loopDone = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
