// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin || freebsd)

package backend

import "errors"

func diskSpace(path string) (avail, total uint64, err error) {
	return 0, 0, errors.ErrUnsupported
}
