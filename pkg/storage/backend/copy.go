// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
	"github.com/LeeDigitalWorks/blobsource/pkg/utils"

	"github.com/dustin/go-humanize"
)

const copyBufferSize = 1 << 20

// copyIn uploads the file at localPath to key on b.
func copyIn(ctx context.Context, b types.Backend, localPath, key string) error {
	const op = "copy in"

	p, err := hold(b.Guard(), op)
	if err != nil {
		return err
	}
	defer p.Release()

	f, err := os.Open(localPath)
	if err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	sink, err := b.OpenWrite(ctx, key, st.Size())
	if err != nil {
		return err
	}

	buf := utils.GetBuffer(copyBufferSize)
	defer utils.PutBuffer(buf)

	// Hide ReaderFrom/WriterTo so the pooled buffer is what moves the data.
	if _, err := io.CopyBuffer(struct{ io.Writer }{sink}, ctxReader{ctx, f}, buf); err != nil {
		sink.Abort(err)
		_ = sink.Close()
		return srcerr.Wrap(op, key, err)
	}
	if err := sink.Close(); err != nil {
		return srcerr.Wrap(op, key, err)
	}

	logger.Ctx(ctx).Debug().
		Str("key", key).
		Str("size", humanize.IBytes(uint64(st.Size()))).
		Msg("copied file into source")
	return nil
}

// copyOut downloads key from b to localPath through a temporary file in the
// same directory, renamed into place once complete.
func copyOut(ctx context.Context, b types.Backend, key, localPath string) (err error) {
	const op = "copy out"

	p, err := hold(b.Guard(), op)
	if err != nil {
		return err
	}
	defer p.Release()

	rc, _, err := b.OpenRead(ctx, key, 0, types.ToEnd)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".copyout-*")
	if err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := utils.GetBuffer(copyBufferSize)
	defer utils.PutBuffer(buf)

	n, err := io.CopyBuffer(struct{ io.Writer }{tmp}, ctxReader{ctx, rc}, buf)
	if err != nil {
		return srcerr.Wrap(op, key, err)
	}
	if err = Fdatasync(tmp); err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, fmt.Errorf("sync: %w", err))
	}
	if err = tmp.Close(); err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	if err = os.Rename(tmp.Name(), localPath); err != nil {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	logger.Ctx(ctx).Debug().
		Str("key", key).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("copied object out of source")
	return nil
}

// ctxReader stops a copy loop once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctxErr := c.ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
	}
	return n, err
}
