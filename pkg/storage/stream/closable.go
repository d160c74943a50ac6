// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"io"
	"sync"
)

// NewClosable attaches a teardown step to r. Close first closes r when it is
// an io.Closer, then runs closeFn (for example dropping an HTTP/1.1
// connection after a partial read). Close is idempotent and returns the
// same result on every call.
func NewClosable(r io.Reader, closeFn func() error) io.ReadCloser {
	return &closable{Reader: r, closeFn: closeFn}
}

type closable struct {
	io.Reader
	closeFn func() error

	once sync.Once
	err  error
}

func (c *closable) Close() error {
	c.once.Do(func() {
		var errs []error
		if rc, ok := c.Reader.(io.Closer); ok {
			errs = append(errs, rc.Close())
		}
		if c.closeFn != nil {
			errs = append(errs, c.closeFn())
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}
