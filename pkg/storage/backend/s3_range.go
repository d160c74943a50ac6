// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/blobsource/pkg/storage/keys"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/stream"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
)

// OpenRead issues a signed GET directly on the HTTP client instead of going
// through the SDK, so the body can be consumed with credit-based
// backpressure and closing the stream drops the connection.
func (s *ObjectStore) OpenRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, types.ObjectInfo, error) {
	const op = "open read"
	if err := keys.Validate(key); err != nil {
		return nil, types.ObjectInfo{}, err
	}
	sess, err := s.started(op)
	if err != nil {
		return nil, types.ObjectInfo{}, err
	}

	if length == 0 {
		info, err := s.Stat(ctx, key)
		if err != nil {
			return nil, types.ObjectInfo{}, err
		}
		return emptyStream(), info, nil
	}

	u := sess.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.ObjectInfo{}, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	req.URL = u
	if r := rangeHeader(offset, length); r != "" {
		req.Header.Set("Range", r)
	}
	req.Header.Set("X-Amz-Content-Sha256", hashedEmptyPayload)
	if err := sess.signer.Sign(ctx, req, sess.creds, sess.cfg.Region, s.now()); err != nil {
		return nil, types.ObjectInfo{}, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	resp, err := sess.http.Do(req)
	if err != nil {
		return nil, types.ObjectInfo{}, srcerr.Wrap(op, key, err)
	}

	info := types.ObjectInfo{Key: key, URL: u.String()}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		drainClose(resp.Body)
		return nil, types.ObjectInfo{}, srcerr.NotFound(op, key, fmt.Errorf("GET returned %s", resp.Status))
	case http.StatusRequestedRangeNotSatisfiable:
		// Offset at or past the end
		drainClose(resp.Body)
		if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			info.Size = types.Int64(total)
		}
		return emptyStream(), info, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		_ = resp.Body.Close()
		return nil, types.ObjectInfo{}, srcerr.New(srcerr.ErrSourceOperationFailed, op, key,
			fmt.Errorf("GET returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
		info.Size = types.Int64(total)
	} else if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		info.Size = types.Int64(resp.ContentLength)
	}
	info.MIME = resp.Header.Get("Content-Type")
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.ModifiedAt = types.Time(lm)
	}

	bridge := stream.NewReadBridge(stream.NewReaderPublisher(resp.Body, 0), 0)
	return stream.NewClosable(bridge, resp.Body.Close), info, nil
}

func emptyStream() io.ReadCloser {
	return stream.NewClosable(bytes.NewReader(nil), nil)
}

// rangeHeader renders offset/length as an HTTP Range value. It returns ""
// when the whole object is wanted.
func rangeHeader(offset, length int64) string {
	if offset < 0 {
		offset = 0
	}
	switch {
	case length < 0 && offset == 0:
		return ""
	case length < 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
}

// totalFromContentRange extracts the complete length from
// "bytes 0-9/1234" or "bytes */1234".
func totalFromContentRange(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || !strings.HasPrefix(v, "bytes ") {
		return 0, false
	}
	total, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
