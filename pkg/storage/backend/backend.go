// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the storage source implementations: a local
// directory tree, an S3-compatible bucket and an in-memory scratch space.
// All of them implement types.Backend.
package backend

import (
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/pin"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
)

const (
	TypeLocal  = "local"
	TypeS3     = "s3"
	TypeMemory = "memory"
)

// Types returns the descriptors of every built-in source type, ready to be
// registered on a source.Manager.
func Types() []types.SourceType {
	return []types.SourceType{
		{
			ID:          TypeLocal,
			DisplayName: "Local directory",
			Description: "Stores objects as files under a directory on this host.",
			Factory:     func(g *pin.Guard) types.Backend { return NewLocal(g) },
		},
		{
			ID:          TypeS3,
			DisplayName: "S3-compatible bucket",
			Description: "Stores objects in a bucket of an S3-compatible object store.",
			Factory:     func(g *pin.Guard) types.Backend { return NewObjectStore(g) },
		},
		{
			ID:          TypeMemory,
			DisplayName: "Memory",
			Description: "Keeps objects in process memory. Contents are lost on shutdown.",
			Factory:     func(g *pin.Guard) types.Backend { return NewMemory(g) },
		},
	}
}

// hold pins g for the duration of a non-streaming operation. A retired guard
// means the backend was evicted or deleted underneath the caller.
func hold(g *pin.Guard, op string) (*pin.Pin, error) {
	p, err := g.Acquire()
	if err != nil {
		return nil, srcerr.New(srcerr.ErrSourceNotConfigured, op, "", err)
	}
	return p, nil
}

// clampRange resolves an OpenRead request against an object of the given
// size. The result always lies within [0, size].
func clampRange(size, offset, length int64) (start, n int64) {
	if offset < 0 {
		offset = 0
	}
	if offset > size {
		offset = size
	}
	n = size - offset
	if length >= 0 && length < n {
		n = length
	}
	return offset, n
}
