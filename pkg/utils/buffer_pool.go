// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"math/bits"
	"sync"
)

// Copy buffers come in power-of-two classes from 1KiB to 4MiB.
const (
	minBufferShift = 10
	maxBufferShift = 22
)

var bufferClasses [maxBufferShift - minBufferShift + 1]sync.Pool

func init() {
	for i := range bufferClasses {
		size := 1 << (minBufferShift + i)
		bufferClasses[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
}

// bufferClass returns the index of the smallest class holding size bytes,
// or -1 when size is too large to pool.
func bufferClass(size int) int {
	if size <= 1<<minBufferShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxBufferShift {
		return -1
	}
	return shift - minBufferShift
}

// GetBuffer returns a slice of length size, backed by a pooled array when
// size fits a class. Release it with PutBuffer.
func GetBuffer(size int) []byte {
	c := bufferClass(size)
	if c < 0 {
		return make([]byte, size)
	}
	buf := bufferClasses[c].Get().(*[]byte)
	return (*buf)[:size]
}

// PutBuffer returns buf to its class. Slices that did not come from
// GetBuffer are dropped.
func PutBuffer(buf []byte) {
	c := bufferClass(cap(buf))
	if c < 0 || cap(buf) != 1<<(minBufferShift+c) {
		return
	}
	buf = buf[:cap(buf)]
	bufferClasses[c].Put(&buf)
}
