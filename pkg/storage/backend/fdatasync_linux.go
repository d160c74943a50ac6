// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data and the metadata needed to read it back
// (size), skipping timestamps.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// FadviseDontNeed drops the file's pages from the page cache. Used after
// large uploads that are unlikely to be read back soon.
func FadviseDontNeed(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}

// Fallocate reserves size bytes for f so a write of known length cannot run
// out of space halfway. Filesystems without support return an error that
// callers may ignore.
func Fallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
