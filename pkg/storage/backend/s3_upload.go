// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/keys"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/stream"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
)

const abortTimeout = 30 * time.Second

// noRetry disables SDK retries for calls whose body is a one-shot stream.
func noRetry(o *s3.Options) {
	o.RetryMaxAttempts = 1
}

// OpenWrite starts an upload of exactly length bytes. The returned sink feeds
// a write bridge whose pull side is the request body of a PutObject, or of
// successive UploadPart calls once length reaches the part threshold.
func (s *ObjectStore) OpenWrite(ctx context.Context, key string, length int64) (types.Sink, error) {
	const op = "open write"
	if err := keys.Validate(key); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, srcerr.New(srcerr.ErrSourceOperationFailed, op, key,
			errors.New("object store uploads require a known length"))
	}
	sess, err := s.started(op)
	if err != nil {
		return nil, err
	}

	switch _, err := s.head(ctx, sess, op, key); {
	case err == nil:
		return nil, srcerr.AlreadyExists(op, key)
	case !errors.Is(err, srcerr.ErrFileNotFound):
		return nil, err
	}

	bridge := stream.NewWriteBridge(0)
	done := make(chan error, 1)
	bridge.SetCompletion(done)

	upCtx, cancel := context.WithCancel(ctx)
	sink := &objectSink{
		key:      key,
		length:   length,
		bridge:   bridge,
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	u := &uploader{
		api:       sess.api,
		bucket:    sess.cfg.BucketName,
		key:       key,
		length:    length,
		threshold: s.partThreshold,
	}
	go func() {
		defer close(sink.finished)
		err := u.run(upCtx, bridge)
		if err != nil {
			// Wake a writer blocked on a queue nobody will drain
			bridge.Cancel(err)
		}
		done <- err
	}()

	return sink, nil
}

// uploader performs one upload, reading the body from r.
type uploader struct {
	api       objectAPI
	bucket    string
	key       string
	length    int64
	threshold int64
}

func (u *uploader) run(ctx context.Context, r io.Reader) error {
	if u.length < u.threshold {
		_, err := u.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(u.key),
			Body:          r,
			ContentLength: aws.Int64(u.length),
		}, noRetry)
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		return nil
	}
	return u.multipart(ctx, r)
}

// partPlan splits total into the fewest parts no larger than threshold,
// sized as evenly as possible.
func partPlan(total, threshold int64) (count, size int64) {
	count = (total + threshold - 1) / threshold
	size = (total + count - 1) / count
	return count, size
}

func (u *uploader) multipart(ctx context.Context, r io.Reader) error {
	log := logger.Ctx(ctx)

	created, err := u.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(u.key),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	count, size := partPlan(u.length, u.threshold)
	log.Debug().
		Str("key", u.key).
		Str("upload_id", uploadID).
		Int64("parts", count).
		Str("part_size", humanize.Bytes(uint64(size))).
		Msg("multipart upload started")

	parts := make([]s3types.CompletedPart, 0, count)
	remaining := u.length
	for n := int32(1); remaining > 0; n++ {
		partSize := min(size, remaining)
		out, err := u.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(u.key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(n),
			Body:          io.LimitReader(r, partSize),
			ContentLength: aws.Int64(partSize),
		}, noRetry)
		if err != nil {
			return u.abort(ctx, uploadID, fmt.Errorf("upload part %d: %w", n, err))
		}
		parts = append(parts, s3types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(n),
		})
		remaining -= partSize
	}

	_, err = u.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return u.abort(ctx, uploadID, fmt.Errorf("complete multipart upload: %w", err))
	}
	return nil
}

// abort cancels the multipart upload and returns cause, joined with the
// abort failure if there was one. It runs even when ctx is already done.
func (u *uploader) abort(ctx context.Context, uploadID string, cause error) error {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := u.api.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("key", u.key).
			Str("upload_id", uploadID).
			Msg("failed to abort multipart upload")
		return errors.Join(cause, fmt.Errorf("abort multipart upload %s: %w", uploadID, err))
	}
	return cause
}

// objectSink is the push side of an object store upload.
type objectSink struct {
	key    string
	length int64
	bridge *stream.WriteBridge
	cancel context.CancelFunc

	finished chan struct{} // closed when the upload goroutine returns

	mu      sync.Mutex
	written int64
}

func (s *objectSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.written+int64(len(p)) > s.length {
		s.mu.Unlock()
		err := srcerr.New(srcerr.ErrSourceOperationFailed, "write", s.key,
			fmt.Errorf("write exceeds declared length %d", s.length))
		s.Abort(err)
		return 0, err
	}
	s.written += int64(len(p))
	s.mu.Unlock()

	n, err := s.bridge.Write(p)
	if err != nil {
		return n, srcerr.Wrap("write", s.key, err)
	}
	return n, nil
}

// Close waits for the upload to finish and reports its outcome.
func (s *objectSink) Close() error {
	s.mu.Lock()
	written := s.written
	s.mu.Unlock()
	if written < s.length && s.bridge.Err() == nil {
		err := srcerr.New(srcerr.ErrSourceOperationFailed, "close", s.key,
			fmt.Errorf("wrote %d of %d declared bytes", written, s.length))
		s.Abort(err)
		return err
	}

	err := s.bridge.Close()
	<-s.finished
	s.cancel()
	return srcerr.Wrap("close", s.key, err)
}

// Abort fails the upload. A single PUT is cancelled; a multipart upload is
// aborted on the server.
func (s *objectSink) Abort(err error) {
	if err == nil {
		err = stream.ErrCancelled
	}
	s.bridge.Cancel(err)
	s.cancel()
	<-s.finished
}
