// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake object service
// ============================================================================

// fakeS3 serves the SDK calls from memory and answers HTTP requests from the
// same objects: range GETs always, plus the HEAD, PUT and DELETE the real SDK
// client sends when it is left in place. Aborts go through the embedded mock
// so tests can assert on them.
type fakeS3 struct {
	mock.Mock

	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string]map[int32][]byte
	modified time.Time
	nextID   int
	pageSize int
	failPart int32
	puts     int
	creates  int
	ranges   []string
	requests int
	onCall   func() // runs on every request, outside mu
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		uploads:  make(map[string]map[int32][]byte),
		modified: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		pageSize: 1000,
	}
}

// request counts one call, SDK or HTTP.
func (f *fakeS3) request() {
	f.mu.Lock()
	f.requests++
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeS3) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.request()
	data, ok := f.object(aws.ToString(in.Key))
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		LastModified:  aws.Time(f.modified),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.request()
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(f.modified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.request()
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.request()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, fmt.Errorf("body has %d bytes, content length %d", len(data), aws.ToInt64(in.ContentLength))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.request()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.request()
	n := aws.ToInt32(in.PartNumber)
	f.mu.Lock()
	fail := f.failPart == n
	f.mu.Unlock()
	if fail {
		return nil, errors.New("injected part failure")
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, fmt.Errorf("part %d has %d bytes, content length %d", n, len(data), aws.ToInt64(in.ContentLength))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, errors.New("no such upload")
	}
	parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"etag-%d"`, n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.request()
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, errors.New("no such upload")
	}
	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		buf.Write(parts[aws.ToInt32(p.PartNumber)])
	}
	delete(f.uploads, id)
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.request()
	id := aws.ToString(in.UploadId)
	args := f.Called(id)

	f.mu.Lock()
	delete(f.uploads, id)
	f.mu.Unlock()

	if err := args.Error(0); err != nil {
		return nil, err
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// ServeHTTP answers path-style requests for /bucket/<key>.
func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.request()
	if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKID/") {
		http.Error(w, "AccessDenied", http.StatusForbidden)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/bucket/")

	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.puts++
		f.objects[key] = data
		f.mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		return
	case http.MethodDelete:
		f.mu.Lock()
		delete(f.objects, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	f.mu.Lock()
	f.ranges = append(f.ranges, r.Header.Get("Range"))
	data, ok := f.objects[key]
	f.mu.Unlock()

	if !ok {
		http.Error(w, "NoSuchKey", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", f.modified, bytes.NewReader(data))
}

func (f *fakeS3) lastRange() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ranges) == 0 {
		return ""
	}
	return f.ranges[len(f.ranges)-1]
}

// startObjectStore starts a store whose real SDK client talks HTTP to fake.
func startObjectStore(t *testing.T, fake *fakeS3, builtinSigner bool) *ObjectStore {
	t.Helper()
	ctx := context.Background()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s := NewObjectStore(nil)
	cfg := fmt.Sprintf(`{
		"endpoint": %q,
		"region": "us-east-1",
		"bucket_name": "bucket",
		"access_key": "AKID",
		"secret_key": "SECRET",
		"builtin_signer": %t
	}`, srv.URL, builtinSigner)
	require.NoError(t, s.Configure([]byte(cfg)))
	require.NoError(t, s.Startup(ctx))
	t.Cleanup(func() { _ = s.Shutdown(ctx) })
	return s
}

// newTestObjectStore is startObjectStore with the SDK calls served by fake
// directly. Range reads still go over HTTP.
func newTestObjectStore(t *testing.T, fake *fakeS3, builtinSigner bool) *ObjectStore {
	t.Helper()
	s := startObjectStore(t, fake, builtinSigner)
	s.mu.Lock()
	s.sess.api = fake
	s.mu.Unlock()
	return s
}

// fakeOf returns the fake behind an object store built by newTestObjectStore.
func fakeOf(b types.Backend) (*fakeS3, bool) {
	s, ok := b.(*ObjectStore)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return nil, false
	}
	fake, ok := s.sess.api.(*fakeS3)
	return fake, ok
}

// ============================================================================
// Configuration and lifecycle
// ============================================================================

func TestObjectStore_Configure(t *testing.T) {
	t.Parallel()

	valid := map[string]any{
		"endpoint":    "https://s3.example.com",
		"region":      "eu-west-1",
		"bucket_name": "media",
		"access_key":  "AKID",
		"secret_key":  "SECRET",
	}
	render := func(override map[string]any, drop string) []byte {
		var parts []string
		for k, v := range valid {
			if k == drop {
				continue
			}
			if o, ok := override[k]; ok {
				v = o
			}
			parts = append(parts, fmt.Sprintf("%q: %q", k, v))
		}
		for k, v := range override {
			if _, ok := valid[k]; !ok {
				parts = append(parts, fmt.Sprintf("%q: %v", k, v))
			}
		}
		return []byte("{" + strings.Join(parts, ",") + "}")
	}

	assert.NoError(t, NewObjectStore(nil).Configure(render(nil, "")))
	assert.NoError(t, NewObjectStore(nil).Configure(render(map[string]any{"path_style": false}, "")))

	tests := []struct {
		name   string
		config []byte
	}{
		{"missing bucket", render(nil, "bucket_name")},
		{"missing secret", render(nil, "secret_key")},
		{"empty region", render(map[string]any{"region": ""}, "")},
		{"bad scheme", render(map[string]any{"endpoint": "ftp://s3.example.com"}, "")},
		{"no host", render(map[string]any{"endpoint": "https://"}, "")},
		{"mistyped flag", render(map[string]any{"path_style": `"yes"`}, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, NewObjectStore(nil).Configure(tt.config), srcerr.ErrValidationFailed)
		})
	}
}

func TestObjectStore_NotStarted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewObjectStore(nil)
	assert.ErrorIs(t, s.Startup(ctx), srcerr.ErrSourceNotConfigured, "startup before configure")

	fake := newFakeS3()
	s = newTestObjectStore(t, fake, false)
	require.NoError(t, s.Shutdown(ctx))

	_, err := s.Stat(ctx, "a.txt")
	assert.ErrorIs(t, err, srcerr.ErrSourceNotConfigured)
	_, _, err = s.OpenRead(ctx, "a.txt", 0, types.ToEnd)
	assert.ErrorIs(t, err, srcerr.ErrSourceNotConfigured)
	_, err = s.OpenWrite(ctx, "a.txt", 1)
	assert.ErrorIs(t, err, srcerr.ErrSourceNotConfigured)
	_, err = s.List(ctx)
	assert.ErrorIs(t, err, srcerr.ErrSourceNotConfigured)
}

func TestObjectStore_RemainingCapacityUnknown(t *testing.T) {
	t.Parallel()

	_, ok := NewObjectStore(nil).RemainingCapacity(context.Background())
	assert.False(t, ok)
}

// ============================================================================
// Metadata operations
// ============================================================================

func TestObjectStore_StatExistsDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := newFakeS3()
	fake.objects["dir/a.txt"] = []byte("hello")
	s := newTestObjectStore(t, fake, false)

	ok, err := s.Exists(ctx, "dir/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := s.Stat(ctx, "dir/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.SizeOr(-1))
	assert.Equal(t, "application/octet-stream", info.MIME)
	assert.True(t, strings.HasSuffix(info.URL, "/bucket/dir/a.txt"), info.URL)
	require.NotNil(t, info.ModifiedAt)
	assert.True(t, fake.modified.Equal(*info.ModifiedAt))

	_, err = s.Stat(ctx, "dir/missing.txt")
	assert.ErrorIs(t, err, srcerr.ErrFileNotFound)

	require.NoError(t, s.Delete(ctx, "dir/a.txt"))
	assert.ErrorIs(t, s.Delete(ctx, "dir/a.txt"), srcerr.ErrFileNotFound)

	_, err = s.Stat(ctx, "../escape")
	assert.ErrorIs(t, err, srcerr.ErrValidationFailed)
}

func TestObjectStore_ListPaginates(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.pageSize = 2
	for i := 0; i < 5; i++ {
		fake.objects[fmt.Sprintf("obj-%d.bin", i)] = []byte{byte(i)}
	}
	s := newTestObjectStore(t, fake, false)

	assert.Equal(t, []string{"obj-0.bin", "obj-1.bin", "obj-2.bin", "obj-3.bin", "obj-4.bin"}, listKeys(t, s))
}

func TestObjectURL(t *testing.T) {
	t.Parallel()

	base, err := parseEndpoint("https://s3.example.com/prefix/")
	require.NoError(t, err)

	sess := &session{cfg: objectStoreConfig{BucketName: "media", PathStyle: true}, base: base}
	assert.Equal(t, "https://s3.example.com/prefix/media/dir/my%20file%20%281%29.txt", sess.objectURL("dir/my file (1).txt").String())

	sess.cfg.PathStyle = false
	assert.Equal(t, "https://media.s3.example.com/prefix/dir/a.txt", sess.objectURL("dir/a.txt").String())
}

// ============================================================================
// Range reads
// ============================================================================

func TestObjectStore_OpenRead(t *testing.T) {
	t.Parallel()

	for _, builtin := range []bool{false, true} {
		t.Run(fmt.Sprintf("builtin=%t", builtin), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			fake := newFakeS3()
			fake.objects["dir/hello world.txt"] = []byte("hello world")
			s := newTestObjectStore(t, fake, builtin)
			key := "dir/hello world.txt"

			assert.Equal(t, "hello world", string(getObject(t, s, key, 0, types.ToEnd)))
			assert.Equal(t, "", fake.lastRange())

			assert.Equal(t, "world", string(getObject(t, s, key, 6, 5)))
			assert.Equal(t, "bytes=6-10", fake.lastRange())

			assert.Equal(t, "world", string(getObject(t, s, key, 6, types.ToEnd)))
			assert.Equal(t, "bytes=6-", fake.lastRange())

			rc, info, err := s.OpenRead(ctx, key, 2, 3)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "llo", string(data))
			assert.EqualValues(t, 11, info.SizeOr(-1), "total size from Content-Range")
			assert.Equal(t, "application/octet-stream", info.MIME)
			require.NotNil(t, info.ModifiedAt)
			assert.True(t, fake.modified.Equal(*info.ModifiedAt))
		})
	}
}

func TestObjectStore_OpenReadPastEnd(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["small.txt"] = []byte("tiny")
	s := newTestObjectStore(t, fake, false)

	rc, info, err := s.OpenRead(context.Background(), "small.txt", 10, 5)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.EqualValues(t, 4, info.SizeOr(-1))
}

func TestObjectStore_OpenReadZeroLength(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["small.txt"] = []byte("tiny")
	s := newTestObjectStore(t, fake, false)

	assert.Empty(t, getObject(t, s, "small.txt", 0, 0))

	_, _, err := s.OpenRead(context.Background(), "missing.txt", 0, 0)
	assert.ErrorIs(t, err, srcerr.ErrFileNotFound)
}

func TestObjectStore_OpenReadMissing(t *testing.T) {
	t.Parallel()

	s := newTestObjectStore(t, newFakeS3(), true)
	_, _, err := s.OpenRead(context.Background(), "missing.txt", 0, types.ToEnd)
	assert.ErrorIs(t, err, srcerr.ErrFileNotFound)
}

func TestObjectStore_OpenReadEarlyClose(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["big.bin"] = bytes.Repeat([]byte("0123456789"), 1<<17)
	s := newTestObjectStore(t, fake, false)

	rc, _, err := s.OpenRead(context.Background(), "big.bin", 0, types.ToEnd)
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf))
	assert.NoError(t, rc.Close())
}

func TestRangeHeader(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", rangeHeader(0, -1))
	assert.Equal(t, "bytes=5-", rangeHeader(5, -1))
	assert.Equal(t, "bytes=0-9", rangeHeader(0, 10))
	assert.Equal(t, "bytes=0-0", rangeHeader(-3, 1))
}

func TestTotalFromContentRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		total int64
		ok    bool
	}{
		{"bytes 0-9/1234", 1234, true},
		{"bytes */77", 77, true},
		{"bytes 0-9/*", 0, false},
		{"", 0, false},
		{"items 0-1/2", 0, false},
	}
	for _, tt := range tests {
		total, ok := totalFromContentRange(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.total, total, tt.in)
	}
}

// ============================================================================
// Uploads
// ============================================================================

func TestPartPlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		total, threshold int64
		count, size      int64
	}{
		{25, 10, 3, 9},
		{100, 10, 10, 10},
		{10, 10, 1, 10},
		{DefaultPartThreshold, DefaultPartThreshold, 1, DefaultPartThreshold},
		{DefaultPartThreshold + 1, DefaultPartThreshold, 2, 25_000_001},
	}
	for _, tt := range tests {
		count, size := partPlan(tt.total, tt.threshold)
		assert.Equal(t, tt.count, count, "%+v", tt)
		assert.Equal(t, tt.size, size, "%+v", tt)
		assert.GreaterOrEqual(t, count*size, tt.total)
		assert.LessOrEqual(t, size, tt.threshold)
	}
}

func TestObjectStore_SinglePut(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	s := newTestObjectStore(t, fake, false)
	s.partThreshold = 10

	putObject(t, s, "small.bin", []byte("12345"))

	data, ok := fake.object("small.bin")
	require.True(t, ok)
	assert.Equal(t, "12345", string(data))
	assert.Equal(t, 1, fake.puts)
	assert.Zero(t, fake.creates)
}

func TestObjectStore_Multipart(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	s := newTestObjectStore(t, fake, false)
	s.partThreshold = 10

	payload := []byte("abcdefghijklmnopqrstuvwxy") // 25 bytes, 3 parts of 9/9/7
	sink, err := s.OpenWrite(context.Background(), "multi.bin", int64(len(payload)))
	require.NoError(t, err)
	for _, chunk := range [][]byte{payload[:4], payload[4:20], payload[20:]} {
		_, err := sink.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, sink.Close())

	data, ok := fake.object("multi.bin")
	require.True(t, ok)
	assert.Equal(t, string(payload), string(data))
	assert.Equal(t, 1, fake.creates)
	assert.Zero(t, fake.puts)
	assert.Empty(t, fake.uploads)
	fake.AssertNotCalled(t, "AbortMultipartUpload", mock.Anything)
}

func TestObjectStore_MultipartAbortsOnPartFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.failPart = 2
	fake.On("AbortMultipartUpload", "upload-1").Return(nil).Once()
	s := newTestObjectStore(t, fake, false)
	s.partThreshold = 10

	sink, err := s.OpenWrite(context.Background(), "fail.bin", 25)
	require.NoError(t, err)
	_, _ = sink.Write(bytes.Repeat([]byte("z"), 25))
	err = sink.Close()

	require.Error(t, err)
	assert.ErrorIs(t, err, srcerr.ErrSourceOperationFailed)
	assert.ErrorContains(t, err, "upload part 2")

	fake.AssertExpectations(t)
	fake.AssertNumberOfCalls(t, "AbortMultipartUpload", 1)
	_, ok := fake.object("fail.bin")
	assert.False(t, ok, "no object after a failed upload")
	assert.Empty(t, fake.uploads)
}

func TestObjectStore_AbortFailureIsReported(t *testing.T) {
	t.Parallel()

	abortErr := errors.New("abort rejected")
	fake := newFakeS3()
	fake.failPart = 1
	fake.On("AbortMultipartUpload", "upload-1").Return(abortErr).Once()
	s := newTestObjectStore(t, fake, false)
	s.partThreshold = 10

	sink, err := s.OpenWrite(context.Background(), "fail.bin", 12)
	require.NoError(t, err)
	_, _ = sink.Write(bytes.Repeat([]byte("z"), 12))
	err = sink.Close()

	require.Error(t, err)
	assert.ErrorContains(t, err, "upload part 1")
	assert.ErrorIs(t, err, abortErr)
	fake.AssertExpectations(t)
}

func TestObjectStore_OpenWriteRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := newFakeS3()
	fake.objects["taken.bin"] = []byte("x")
	s := newTestObjectStore(t, fake, false)

	_, err := s.OpenWrite(ctx, "taken.bin", 1)
	assert.ErrorIs(t, err, srcerr.ErrFileAlreadyExists)

	_, err = s.OpenWrite(ctx, "unknown.bin", types.UnknownLength)
	assert.ErrorIs(t, err, srcerr.ErrSourceOperationFailed)

	_, err = s.OpenWrite(ctx, "bad:key", 1)
	assert.ErrorIs(t, err, srcerr.ErrValidationFailed)
}

func TestObjectStore_ShortAndLongWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := newFakeS3()
	s := newTestObjectStore(t, fake, false)

	sink, err := s.OpenWrite(ctx, "short.bin", 10)
	require.NoError(t, err)
	_, err = sink.Write([]byte("12345"))
	require.NoError(t, err)
	assert.ErrorIs(t, sink.Close(), srcerr.ErrSourceOperationFailed)

	sink, err = s.OpenWrite(ctx, "long.bin", 3)
	require.NoError(t, err)
	_, err = sink.Write([]byte("12345"))
	assert.ErrorIs(t, err, srcerr.ErrSourceOperationFailed)
	assert.Error(t, sink.Close())

	assert.Empty(t, listKeys(t, s))
}

func TestObjectStore_AbortSingleUpload(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	s := newTestObjectStore(t, fake, false)

	sink, err := s.OpenWrite(context.Background(), "aborted.bin", 10)
	require.NoError(t, err)
	_, err = sink.Write([]byte("123"))
	require.NoError(t, err)

	reason := errors.New("client went away")
	sink.Abort(reason)
	assert.ErrorIs(t, sink.Close(), reason)

	_, ok := fake.object("aborted.bin")
	assert.False(t, ok)
}

func TestObjectStore_OperationsHoldPins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := newFakeS3()
	s := newTestObjectStore(t, fake, false)
	putObject(t, s, "held.txt", []byte("x"))

	var (
		mu     sync.Mutex
		calls  int
		pinned int
	)
	fake.mu.Lock()
	fake.onCall = func() {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if s.Guard().IsPinned() {
			pinned++
		}
	}
	fake.mu.Unlock()

	_, err := s.Exists(ctx, "held.txt")
	require.NoError(t, err)
	_, err = s.Stat(ctx, "held.txt")
	require.NoError(t, err)
	_, err = s.List(ctx)
	require.NoError(t, err)
	src, _ := randomFile(t, 32)
	require.NoError(t, s.CopyIn(ctx, src, "copied.bin"))
	require.NoError(t, s.CopyOut(ctx, "copied.bin", filepath.Join(t.TempDir(), "out.bin")))
	require.NoError(t, s.Delete(ctx, "held.txt"))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, calls)
	assert.Equal(t, calls, pinned, "every request is sent under a pin")
	assert.False(t, s.Guard().IsPinned())
}

// ============================================================================
// Real SDK client
// ============================================================================

// Not parallel: t.Setenv.
func TestObjectStore_StartupIgnoresHostAWSConfig(t *testing.T) {
	ctx := context.Background()

	tlsSrv := httptest.NewTLSServer(http.NotFoundHandler())
	bundle := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: tlsSrv.Certificate().Raw}
	require.NoError(t, os.WriteFile(bundle, pem.EncodeToMemory(block), 0o600))
	tlsSrv.Close()

	t.Setenv("AWS_CA_BUNDLE", bundle)
	t.Setenv("AWS_PROFILE", "no-such-profile")
	t.Setenv("AWS_REGION", "eu-west-3")
	t.Setenv("AWS_ACCESS_KEY_ID", "ENVKEY")

	fake := newFakeS3()
	s := startObjectStore(t, fake, false)

	putObject(t, s, "sdk/obj.txt", []byte("through the sdk"))
	assert.Equal(t, 1, fake.puts, "upload reached the HTTP endpoint")

	info, err := s.Stat(ctx, "sdk/obj.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 15, info.SizeOr(-1))
	assert.Equal(t, "through the sdk", string(getObject(t, s, "sdk/obj.txt", 0, types.ToEnd)))

	_, err = s.OpenWrite(ctx, "sdk/obj.txt", 1)
	assert.ErrorIs(t, err, srcerr.ErrFileAlreadyExists)

	require.NoError(t, s.Delete(ctx, "sdk/obj.txt"))
	ok, err := s.Exists(ctx, "sdk/obj.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Delete(ctx, "sdk/obj.txt"), srcerr.ErrFileNotFound)
}
