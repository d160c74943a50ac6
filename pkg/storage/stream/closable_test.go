// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingCloser struct {
	io.Reader
	closes int
	err    error
}

func (c *trackingCloser) Close() error {
	c.closes++
	return c.err
}

func TestClosable_RunsBothOnce(t *testing.T) {
	t.Parallel()

	inner := &trackingCloser{Reader: strings.NewReader("body")}
	var teardown int
	rc := NewClosable(inner, func() error {
		teardown++
		return nil
	})

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "body", string(got))

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	assert.Equal(t, 1, inner.closes)
	assert.Equal(t, 1, teardown)
}

func TestClosable_JoinsErrors(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("close body")
	dropErr := errors.New("drop connection")
	rc := NewClosable(&trackingCloser{Reader: strings.NewReader(""), err: closeErr},
		func() error { return dropErr })

	err := rc.Close()
	assert.ErrorIs(t, err, closeErr)
	assert.ErrorIs(t, err, dropErr)
	assert.Equal(t, err, rc.Close())
}

func TestClosable_PlainReader(t *testing.T) {
	t.Parallel()

	rc := NewClosable(strings.NewReader("x"), nil)
	assert.NoError(t, rc.Close())
}
