// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package srcerr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MatchesKindAndCause(t *testing.T) {
	t.Parallel()

	err := NotFound("stat", "a/b.txt", fs.ErrNotExist)

	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, ErrFileAlreadyExists)
	assert.Equal(t, "stat: a/b.txt: file not found: file does not exist", err.Error())
}

func TestWrap(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Wrap("op", "k", nil))

	cause := errors.New("connection reset")
	wrapped := Wrap("get", "k", cause)
	assert.ErrorIs(t, wrapped, ErrSourceOperationFailed)
	assert.ErrorIs(t, wrapped, cause)

	// Already classified errors keep their kind, even behind fmt wrapping
	classified := fmt.Errorf("outer: %w", AlreadyExists("put", "k"))
	assert.Same(t, classified, Wrap("put", "k", classified))
	assert.NotErrorIs(t, Wrap("put", "k", classified), ErrSourceOperationFailed)
}

func TestError_NoCause(t *testing.T) {
	t.Parallel()

	err := NotConfigured("list")
	assert.ErrorIs(t, err, ErrSourceNotConfigured)
	assert.Equal(t, "list: source not configured", err.Error())
}
