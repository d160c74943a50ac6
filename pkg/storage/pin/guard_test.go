// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package pin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_AcquireRelease(t *testing.T) {
	t.Parallel()

	g := NewGuard()
	assert.False(t, g.IsPinned())

	p1, err := g.Acquire()
	require.NoError(t, err)
	p2, err := g.Acquire()
	require.NoError(t, err)

	assert.Greater(t, p2.ID(), p1.ID())
	assert.Equal(t, 2, g.Count())

	p1.Release()
	p1.Release() // idempotent
	assert.Equal(t, 1, g.Count())
	assert.True(t, g.IsPinned())

	p2.Release()
	assert.False(t, g.IsPinned())

	// Unknown ids are ignored
	g.Release(12345)
	assert.Equal(t, 0, g.Count())
}

func TestGuard_TryRetire(t *testing.T) {
	t.Parallel()

	g := NewGuard()
	p, err := g.Acquire()
	require.NoError(t, err)

	assert.False(t, g.TryRetire(), "pinned guard must not retire")
	assert.False(t, g.Retired())

	p.Release()
	assert.True(t, g.TryRetire())
	assert.True(t, g.Retired())
	assert.True(t, g.TryRetire(), "retire is idempotent")

	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrRetired)
}

func TestGuard_ForceRetire(t *testing.T) {
	t.Parallel()

	g := NewGuard()
	p, err := g.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 1, g.Retire())
	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrRetired)

	// Outstanding pins can still be released after retirement
	p.Release()
	assert.False(t, g.IsPinned())
}

func TestGuard_ConcurrentAcquireRetire(t *testing.T) {
	t.Parallel()

	for round := 0; round < 50; round++ {
		g := NewGuard()

		var wg sync.WaitGroup
		var mu sync.Mutex
		var acquired []*Pin

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if p, err := g.Acquire(); err == nil {
					mu.Lock()
					acquired = append(acquired, p)
					mu.Unlock()
				}
			}()
		}

		retired := g.TryRetire()
		wg.Wait()

		// Either the retire won before every acquire, or some pins exist and
		// the guard is still live. Never both.
		if retired {
			assert.Empty(t, acquired)
		} else {
			assert.NotEmpty(t, acquired)
			assert.False(t, g.Retired())
		}

		ids := make(map[uint64]bool)
		for _, p := range acquired {
			assert.False(t, ids[p.ID()], "duplicate pin id")
			ids[p.ID()] = true
			p.Release()
		}
	}
}
