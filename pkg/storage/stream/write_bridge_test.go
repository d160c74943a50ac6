// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consume reads b to the end on a goroutine and reports the outcome on the
// returned completion channel, the way an upload call would.
func consume(b *WriteBridge) (<-chan error, *bytes.Buffer) {
	done := make(chan error, 1)
	var got bytes.Buffer
	go func() {
		_, err := io.Copy(&got, b)
		done <- err
	}()
	return done, &got
}

func TestWriteBridge_RoundTrip(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(2)
	done, got := consume(b)
	b.SetCompletion(done)

	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, 10+i)
		want.Write(chunk)
		n, err := b.Write(chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	require.NoError(t, b.Close())
	assert.Equal(t, want.Bytes(), got.Bytes())
}

func TestWriteBridge_WriteCopiesInput(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(4)
	p := []byte("abc")
	_, err := b.Write(p)
	require.NoError(t, err)
	p[0] = 'X'

	out := make([]byte, 3)
	n, err := b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out[:n]))

	require.NoError(t, b.Close())
}

func TestWriteBridge_QueueFullBlocks(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(2)
	_, err := b.Write([]byte("1"))
	require.NoError(t, err)
	assert.False(t, b.WriteQueueFull())
	_, err = b.Write([]byte("2"))
	require.NoError(t, err)
	assert.True(t, b.WriteQueueFull())
	assert.Equal(t, 2, b.Queued())

	written := make(chan struct{})
	go func() {
		_, _ = b.Write([]byte("3"))
		close(written)
	}()

	select {
	case <-written:
		t.Fatal("write should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	out := make([]byte, 1)
	_, err = b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "1", string(out))

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("write did not resume after the consumer read")
	}

	b.Cancel(nil)
}

func TestWriteBridge_CloseWaitsForDrain(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(4)
	_, err := b.Write([]byte("pending"))
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()

	select {
	case <-closed:
		t.Fatal("close returned before the consumer drained the queue")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(got))
	require.NoError(t, <-closed)

	_, err = b.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteBridge_CompletionError(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(0)
	failed := errors.New("upload rejected")
	done := make(chan error, 1)
	b.SetCompletion(done)

	go func() {
		_, _ = io.Copy(io.Discard, b)
		done <- failed
	}()

	_, err := b.Write([]byte("data"))
	require.NoError(t, err)
	assert.ErrorIs(t, b.Close(), failed)
	assert.ErrorIs(t, b.Close(), failed, "close reports the same outcome again")
}

func TestWriteBridge_Cancel(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(1)
	b.SetCompletion(make(chan error)) // never resolves

	_, err := b.Write([]byte("queued"))
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := b.Write([]byte("blocked"))
		blocked <- err
	}()

	reason := errors.New("client went away")
	b.Cancel(reason)
	b.Cancel(errors.New("second cancel is ignored"))

	assert.ErrorIs(t, <-blocked, reason)
	assert.Zero(t, b.Queued())
	assert.ErrorIs(t, b.Err(), reason)

	_, err = b.Read(make([]byte, 8))
	assert.ErrorIs(t, err, reason)
	assert.ErrorIs(t, b.Close(), reason)
}

func TestWriteBridge_CancelInterruptsClose(t *testing.T) {
	t.Parallel()

	b := NewWriteBridge(1)
	b.SetCompletion(make(chan error))

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()

	// Close has nothing to drain and parks on the completion
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.CloseWithError(nil))

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancel did not interrupt close")
	}
}
