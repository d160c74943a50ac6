// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"hash"
	"sync"

	"github.com/minio/sha256-simd"
)

var sha256Pool = sync.Pool{
	New: func() any {
		return sha256.New()
	},
}

// Sha256PoolGetHasher returns a reset SHA-256 hasher. Return it with
// Sha256PoolPutHasher once the sum has been taken.
func Sha256PoolGetHasher() hash.Hash {
	return sha256Pool.Get().(hash.Hash)
}

func Sha256PoolPutHasher(h hash.Hash) {
	h.Reset()
	sha256Pool.Put(h)
}
