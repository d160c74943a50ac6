// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"io"
	"math"
	"sync"
)

// DefaultMaxBuffered is the read bridge watermark, in chunks.
const DefaultMaxBuffered = 16

// unbounded marks flowing mode in ReadBridge.demand.
const unbounded = -1

// ReadBridge subscribes to a credit-driven Publisher and exposes the data as
// a push stream (Handler + Pause/Resume/Fetch) or as an io.ReadCloser. Use
// one style per bridge, not both.
//
// Upstream credit plus buffered chunks never exceed the watermark, so a
// paused or slow consumer holds at most maxBuffered chunks in memory.
// The bridge starts paused.
type ReadBridge struct {
	mu   sync.Mutex
	cond *sync.Cond

	sub     Subscription
	pending int64 // credit requested before OnSubscribe arrived

	maxBuffered int
	buf         [][]byte
	credit      int64 // requested upstream but not yet received
	demand      int64 // push side: 0 paused, n finite, unbounded flowing
	readers     int   // goroutines blocked in Read

	done   bool  // upstream completed
	err    error // upstream failure
	ended  bool  // terminal handler fired
	closed bool

	delivering bool
	redrain    bool

	handler          func([]byte)
	endHandler       func()
	exceptionHandler func(error)
}

// NewReadBridge subscribes a new bridge to p. maxBuffered <= 0 selects
// DefaultMaxBuffered.
func NewReadBridge(p Publisher, maxBuffered int) *ReadBridge {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	b := &ReadBridge{maxBuffered: maxBuffered}
	b.cond = sync.NewCond(&b.mu)
	p.Subscribe(b)
	return b
}

// ---------------------------------------------------------------------------
// Subscriber side
// ---------------------------------------------------------------------------

func (b *ReadBridge) OnSubscribe(s Subscription) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Cancel()
		return
	}
	b.sub = s
	n := b.pending
	b.pending = 0
	b.mu.Unlock()

	if n > 0 {
		s.Request(n)
	}
}

func (b *ReadBridge) OnNext(chunk []byte) {
	b.mu.Lock()
	if b.closed || b.ended {
		b.mu.Unlock()
		return
	}
	if b.credit > 0 {
		b.credit--
	}
	b.buf = append(b.buf, chunk)
	b.cond.Broadcast()
	b.mu.Unlock()

	b.drain()
}

func (b *ReadBridge) OnError(err error) {
	b.mu.Lock()
	if b.err == nil && !b.done {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	b.drain()
}

func (b *ReadBridge) OnComplete() {
	b.mu.Lock()
	if b.err == nil {
		b.done = true
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	b.drain()
}

// ---------------------------------------------------------------------------
// Push side
// ---------------------------------------------------------------------------

// Handler sets the data handler. Chunks are delivered only against demand
// signalled by Resume or Fetch.
func (b *ReadBridge) Handler(fn func([]byte)) *ReadBridge {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
	return b
}

// EndHandler is called once, after the upstream has completed and every
// buffered chunk has been delivered.
func (b *ReadBridge) EndHandler(fn func()) *ReadBridge {
	b.mu.Lock()
	b.endHandler = fn
	b.mu.Unlock()
	b.drain()
	return b
}

// ExceptionHandler is called once if the upstream fails.
func (b *ReadBridge) ExceptionHandler(fn func(error)) *ReadBridge {
	b.mu.Lock()
	b.exceptionHandler = fn
	b.mu.Unlock()
	b.drain()
	return b
}

// Pause stops delivery. Chunks already requested still arrive and are
// buffered, never beyond the watermark.
func (b *ReadBridge) Pause() *ReadBridge {
	b.mu.Lock()
	b.demand = 0
	b.mu.Unlock()
	return b
}

// Resume switches to flowing mode.
func (b *ReadBridge) Resume() *ReadBridge {
	b.mu.Lock()
	b.demand = unbounded
	b.mu.Unlock()
	b.drain()
	return b
}

// Fetch adds n chunks of demand. Buffered chunks are delivered first; only
// what remains is requested upstream.
func (b *ReadBridge) Fetch(n int64) *ReadBridge {
	if n <= 0 {
		return b
	}
	b.mu.Lock()
	if b.demand != unbounded {
		if b.demand > math.MaxInt64-n {
			b.demand = math.MaxInt64
		} else {
			b.demand += n
		}
	}
	b.mu.Unlock()
	b.drain()
	return b
}

// Buffered returns the number of chunks held in the bridge.
func (b *ReadBridge) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// drain delivers buffered chunks against demand, fires terminal handlers and
// forwards the remaining demand upstream. Only one goroutine drains at a
// time; re-entrant calls (a handler calling Fetch, a synchronous publisher
// calling OnNext from Request) are folded into the running loop.
func (b *ReadBridge) drain() {
	b.mu.Lock()
	if b.delivering {
		b.redrain = true
		b.mu.Unlock()
		return
	}
	b.delivering = true

	for {
		b.redrain = false

		for b.handler != nil && b.demand != 0 && len(b.buf) > 0 && !b.closed {
			chunk := b.buf[0]
			b.buf[0] = nil
			b.buf = b.buf[1:]
			if b.demand > 0 {
				b.demand--
			}
			h := b.handler
			b.mu.Unlock()
			h(chunk)
			b.mu.Lock()
		}

		var fire func()
		if !b.ended && !b.closed {
			switch {
			case b.err != nil && b.exceptionHandler != nil:
				b.ended = true
				b.buf = nil
				h, err := b.exceptionHandler, b.err
				fire = func() { h(err) }
			case b.done && len(b.buf) == 0 && b.endHandler != nil:
				b.ended = true
				fire = b.endHandler
			}
		}

		n := b.wantLocked()
		sub := b.sub
		if sub == nil {
			b.pending += n
			n = 0
		}
		b.mu.Unlock()

		if fire != nil {
			fire()
		}
		if n > 0 {
			sub.Request(n)
		}

		b.mu.Lock()
		if !b.redrain {
			break
		}
	}

	b.delivering = false
	b.mu.Unlock()
}

// wantLocked computes how much new upstream credit to request and books it.
func (b *ReadBridge) wantLocked() int64 {
	if b.done || b.err != nil || b.closed {
		return 0
	}

	var target int64
	switch {
	case b.demand == unbounded:
		target = int64(b.maxBuffered)
	case b.demand > 0:
		target = min(b.demand, int64(b.maxBuffered))
	case b.readers > 0:
		target = 1
	default:
		return 0
	}

	n := target - b.credit - int64(len(b.buf))
	if n <= 0 {
		return 0
	}
	b.credit += n
	return n
}

// ---------------------------------------------------------------------------
// Pull side (io.ReadCloser)
// ---------------------------------------------------------------------------

// Read requests one chunk at a time from upstream and copies it out.
func (b *ReadBridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	for {
		if len(b.buf) > 0 {
			n := copy(p, b.buf[0])
			if n < len(b.buf[0]) {
				b.buf[0] = b.buf[0][n:]
			} else {
				b.buf[0] = nil
				b.buf = b.buf[1:]
			}
			b.mu.Unlock()
			return n, nil
		}
		switch {
		case b.closed:
			b.mu.Unlock()
			return 0, ErrClosed
		case b.err != nil:
			err := b.err
			b.mu.Unlock()
			return 0, err
		case b.done:
			b.mu.Unlock()
			return 0, io.EOF
		}

		b.readers++
		n := b.wantLocked()
		sub := b.sub
		if sub == nil {
			b.pending += n
			n = 0
		}
		if n > 0 {
			b.mu.Unlock()
			sub.Request(n)
			b.mu.Lock()
		}
		if len(b.buf) == 0 && !b.done && b.err == nil && !b.closed {
			b.cond.Wait()
		}
		b.readers--
	}
}

// Close cancels the upstream subscription and discards buffered data. No
// terminal handler fires after Close.
func (b *ReadBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.buf = nil
	sub := b.sub
	b.cond.Broadcast()
	b.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	return nil
}
