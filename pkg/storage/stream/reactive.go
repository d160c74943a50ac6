// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream bridges the two flow-control styles used by storage sources.
//
// Pull side: a credit-driven publisher/subscriber protocol. A subscriber asks
// for n more chunks with Request(n) and the publisher never emits more than
// was requested.
//
// Push side: a stream the consumer controls with Pause, Resume and Fetch, or
// plain io.Reader / io.Writer for ordinary Go callers.
//
// ReadBridge adapts a Publisher to the push side, WriteBridge adapts pushed
// writes to a pull-side io.Reader, and NewClosable attaches transport teardown
// to a stream.
package stream

import (
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed            = errors.New("stream closed")
	ErrCancelled         = errors.New("stream cancelled")
	errAlreadySubscribed = errors.New("publisher already subscribed")
)

// Publisher emits chunks to a single subscriber on demand.
type Publisher interface {
	Subscribe(s Subscriber)
}

// Subscription is the subscriber's handle for signalling demand.
type Subscription interface {
	// Request adds n chunks of credit. n <= 0 is ignored.
	Request(n int64)
	// Cancel stops emission and releases upstream resources.
	Cancel()
}

// Subscriber receives chunks. OnNext is never called more times than the
// credit requested; OnComplete or OnError is called at most once.
type Subscriber interface {
	OnSubscribe(s Subscription)
	OnNext(chunk []byte)
	OnError(err error)
	OnComplete()
}

// DefaultChunkSize is the read size used by ReaderPublisher.
const DefaultChunkSize = 64 * 1024

// ReaderPublisher turns an io.ReadCloser into a credit-driven Publisher. It
// reads from the underlying reader only while credit is outstanding, so a
// slow subscriber stops the transport instead of growing a buffer.
type ReaderPublisher struct {
	r          io.ReadCloser
	chunkSize  int
	subscribed atomic.Bool
}

// NewReaderPublisher wraps r. A chunkSize <= 0 selects DefaultChunkSize.
func NewReaderPublisher(r io.ReadCloser, chunkSize int) *ReaderPublisher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ReaderPublisher{r: r, chunkSize: chunkSize}
}

// Subscribe starts emission to s. A publisher accepts only one subscriber.
func (p *ReaderPublisher) Subscribe(s Subscriber) {
	if !p.subscribed.CompareAndSwap(false, true) {
		s.OnSubscribe(noopSubscription{})
		s.OnError(errAlreadySubscribed)
		return
	}

	sub := &readerSubscription{r: p.r, chunkSize: p.chunkSize, sub: s}
	sub.cond = sync.NewCond(&sub.mu)
	s.OnSubscribe(sub)
	go sub.run()
}

type readerSubscription struct {
	r         io.ReadCloser
	chunkSize int
	sub       Subscriber

	mu        sync.Mutex
	cond      *sync.Cond
	credit    int64
	cancelled bool

	closeOnce sync.Once
}

func (s *readerSubscription) Request(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	if s.credit > math.MaxInt64-n {
		s.credit = math.MaxInt64
	} else {
		s.credit += n
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *readerSubscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.cond.Signal()
	s.mu.Unlock()
	s.close()
}

func (s *readerSubscription) close() {
	s.closeOnce.Do(func() {
		_ = s.r.Close()
	})
}

func (s *readerSubscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *readerSubscription) run() {
	defer s.close()

	for {
		s.mu.Lock()
		for s.credit == 0 && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		s.credit--
		s.mu.Unlock()

		buf := make([]byte, s.chunkSize)
		n, err := s.r.Read(buf)
		if n > 0 {
			if s.isCancelled() {
				return
			}
			s.sub.OnNext(buf[:n])
		} else if err == nil {
			// Nothing emitted, give the credit back
			s.Request(1)
		}

		if err != nil {
			if s.isCancelled() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.sub.OnComplete()
			} else {
				s.sub.OnError(err)
			}
			return
		}
	}
}

type noopSubscription struct{}

func (noopSubscription) Request(int64) {}
func (noopSubscription) Cancel()       {}
