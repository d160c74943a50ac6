// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"io"
	"sync"
)

// DefaultMaxQueue is the write bridge queue bound, in writes.
const DefaultMaxQueue = 16

// WriteBridge accepts pushed writes and serves them to a pull-side consumer
// through io.Reader, typically an HTTP request body owned by an SDK call.
//
// A write is handed straight to a blocked reader when one is waiting;
// otherwise it is queued, and Write blocks while the queue holds maxQueue
// writes. Close marks the end of data, waits for the consumer to drain the
// queue and then for the external completion, if one was set.
type WriteBridge struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	maxQueue int
	waiting  int // readers blocked in Read
	ended    bool
	err      error

	completion <-chan error
	cancelled  chan struct{}
	cancelOnce sync.Once

	resultOnce sync.Once
	result     error
}

// NewWriteBridge creates a bridge. maxQueue <= 0 selects DefaultMaxQueue.
func NewWriteBridge(maxQueue int) *WriteBridge {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	b := &WriteBridge{
		maxQueue:  maxQueue,
		cancelled: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetCompletion registers the outcome of the consuming operation. Close
// returns the first value received from ch.
func (b *WriteBridge) SetCompletion(ch <-chan error) {
	b.mu.Lock()
	b.completion = ch
	b.mu.Unlock()
}

// Write queues a copy of p.
func (b *WriteBridge) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.full() && b.err == nil && !b.ended {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.ended {
		return 0, ErrClosed
	}
	b.queue = append(b.queue, chunk)
	b.cond.Broadcast()
	return len(p), nil
}

// full reports whether a new write would exceed the bound. Writes bound for
// a waiting reader do not count.
func (b *WriteBridge) full() bool {
	return len(b.queue)-b.waiting >= b.maxQueue
}

// WriteQueueFull reports whether the next Write would block.
func (b *WriteBridge) WriteQueueFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full()
}

// Queued returns the number of writes waiting for the consumer.
func (b *WriteBridge) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Read implements the pull side.
func (b *WriteBridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 && b.err == nil && !b.ended {
		b.waiting++
		b.cond.Broadcast()
		b.cond.Wait()
		b.waiting--
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(b.queue) == 0 {
		return 0, io.EOF
	}

	n := copy(p, b.queue[0])
	if n < len(b.queue[0]) {
		b.queue[0] = b.queue[0][n:]
	} else {
		b.queue[0] = nil
		b.queue = b.queue[1:]
	}
	b.cond.Broadcast()
	return n, nil
}

// Close ends the stream. It blocks until the consumer has read every queued
// write and the completion (if any) has resolved, and returns the first
// failure seen.
func (b *WriteBridge) Close() error {
	b.mu.Lock()
	b.ended = true
	b.cond.Broadcast()
	for len(b.queue) > 0 && b.err == nil {
		b.cond.Wait()
	}
	err := b.err
	completion := b.completion
	b.mu.Unlock()

	if err != nil {
		return err
	}
	if completion == nil {
		return nil
	}

	b.resultOnce.Do(func() {
		select {
		case b.result = <-completion:
		case <-b.cancelled:
			b.mu.Lock()
			b.result = b.err
			b.mu.Unlock()
		}
	})
	return b.result
}

// Cancel fails every queued and future write, wakes blocked writers and
// readers, and interrupts a pending Close. The first error wins.
func (b *WriteBridge) Cancel(err error) {
	if err == nil {
		err = ErrCancelled
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.queue = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	b.cancelOnce.Do(func() { close(b.cancelled) })
}

// CloseWithError is the pull-side cancellation, mirroring io.PipeReader.
func (b *WriteBridge) CloseWithError(err error) error {
	b.Cancel(err)
	return nil
}

// Err returns the cancellation error, if any.
func (b *WriteBridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
