// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package pin implements the lifecycle guard that keeps a live backend from
// being evicted while work is in flight.
//
// A Guard is not a mutex. It is a concurrent multiset of outstanding pins:
// any number may coexist, and its only contract is that a guard with pins
// cannot be retired. Retirement is one-way; a retired guard refuses new pins,
// which turns "check unpinned, then tear down" into a single atomic step.
//
// Typical use:
//
//	p, err := b.Guard().Acquire()
//	if err != nil {
//		return err
//	}
//	defer p.Release()
package pin

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrRetired is returned by Acquire once the owning backend has been evicted
// or deleted.
var ErrRetired = errors.New("backend retired")

// Guard tracks outstanding pins for one backend incarnation.
type Guard struct {
	next atomic.Uint64

	mu      sync.Mutex
	pins    map[uint64]struct{}
	retired bool
}

// NewGuard returns an empty, live guard.
func NewGuard() *Guard {
	return &Guard{pins: make(map[uint64]struct{})}
}

// Pin is a single outstanding token. Release is idempotent.
type Pin struct {
	id    uint64
	guard *Guard
	once  sync.Once
}

// ID returns the token id. Ids are unique and increase monotonically per guard.
func (p *Pin) ID() uint64 {
	return p.id
}

// Release removes the pin from its guard. Safe to call more than once.
func (p *Pin) Release() {
	p.once.Do(func() {
		p.guard.Release(p.id)
	})
}

// Acquire adds a pin. It fails with ErrRetired after the guard is retired.
func (g *Guard) Acquire() (*Pin, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return nil, ErrRetired
	}
	id := g.next.Add(1)
	g.pins[id] = struct{}{}
	return &Pin{id: id, guard: g}, nil
}

// Release removes the pin with the given id. Unknown ids are ignored.
func (g *Guard) Release(id uint64) {
	g.mu.Lock()
	delete(g.pins, id)
	g.mu.Unlock()
}

// IsPinned reports whether any pin is outstanding.
func (g *Guard) IsPinned() bool {
	return g.Count() > 0
}

// Count returns the number of outstanding pins.
func (g *Guard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pins)
}

// TryRetire retires the guard only if no pin is held, and reports whether it
// did. Pins cannot be acquired concurrently with the check.
func (g *Guard) TryRetire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return true
	}
	if len(g.pins) > 0 {
		return false
	}
	g.retired = true
	return true
}

// Retire retires the guard regardless of outstanding pins and returns how
// many were still held. Existing pins stay releasable.
func (g *Guard) Retire() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.retired = true
	return len(g.pins)
}

// Retired reports whether the guard has been retired.
func (g *Guard) Retired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retired
}
