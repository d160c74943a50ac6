// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || freebsd

package backend

import "golang.org/x/sys/unix"

// diskSpace returns the bytes available to unprivileged users and the total
// size of the filesystem holding path.
func diskSpace(path string) (avail, total uint64, err error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, 0, err
	}
	bsize := uint64(fs.Bsize)
	return uint64(fs.Bavail) * bsize, uint64(fs.Blocks) * bsize, nil
}
