// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/keys"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/pin"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/schema"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/stream"
	"github.com/LeeDigitalWorks/blobsource/pkg/types"
	"github.com/LeeDigitalWorks/blobsource/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// uploadPrefix names in-progress uploads. '=' is banned in keys, so no
// object can collide with or be listed as a temporary file.
const uploadPrefix = ".upload="

// Writes at least this large drop their pages from the cache once durable.
const fadviseThreshold = 8 << 20

var localSchema = &schema.Schema{
	Sections: []schema.Section{
		{ID: "storage", Label: "Storage"},
	},
	Fields: []schema.Field{
		{Name: "directory", Label: "Directory", Type: schema.TypeString, Section: "storage"},
		{Name: "index_subdirs", Label: "Index subdirectories", Type: schema.TypeBool, Optional: true, Default: false, Section: "storage"},
		{Name: "min_free_space", Label: "Reserved free space (bytes like 10GiB, or a percentage)", Type: schema.TypeString, Optional: true, Section: "storage"},
	},
}

type localConfig struct {
	Directory    string `json:"directory"`
	IndexSubdirs bool   `json:"index_subdirs"`
	MinFreeSpace string `json:"min_free_space"`
}

// Local stores objects as files under a root directory. The key is the
// slash-separated path relative to the root.
type Local struct {
	guard *pin.Guard
	now   func() time.Time

	mu           sync.RWMutex
	root         string
	indexSubdirs bool
	reserve      *utils.FreeSpace
}

var (
	_ types.Backend   = (*Local)(nil)
	_ types.Indexable = (*Local)(nil)
)

// NewLocal creates an unconfigured local backend.
func NewLocal(guard *pin.Guard) *Local {
	if guard == nil {
		guard = pin.NewGuard()
	}
	return &Local{guard: guard, now: time.Now}
}

func (l *Local) Type() string { return TypeLocal }

func (l *Local) Schema() *schema.Schema { return localSchema }

func (l *Local) Guard() *pin.Guard { return l.guard }

func (l *Local) SupportsPositionalRead() bool { return true }

func (l *Local) Configure(config []byte) error {
	var cfg localConfig
	if err := localSchema.Decode(config, &cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Directory) == "" {
		return srcerr.Validation("configure local", errors.New("directory: must not be empty"))
	}

	var reserve *utils.FreeSpace
	if cfg.MinFreeSpace != "" {
		free, err := utils.ParseMinFreeSpace(cfg.MinFreeSpace)
		if err != nil {
			return srcerr.Validation("configure local", fmt.Errorf("min_free_space: %w", err))
		}
		reserve = free
	}

	root := filepath.Clean(utils.ResolvePath(cfg.Directory))

	l.mu.Lock()
	l.root = root
	l.indexSubdirs = cfg.IndexSubdirs
	l.reserve = reserve
	l.mu.Unlock()
	return nil
}

// Root returns the configured root directory.
func (l *Local) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.root
}

// resolve validates key and maps it below the root.
func (l *Local) resolve(op, key string) (string, error) {
	root := l.Root()
	if root == "" {
		return "", srcerr.NotConfigured(op)
	}
	if err := keys.Validate(key); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(key)), nil
}

func (l *Local) infoFor(key string, fi fs.FileInfo) types.ObjectInfo {
	return types.ObjectInfo{
		Key:        key,
		Size:       types.Int64(fi.Size()),
		ModifiedAt: types.Time(fi.ModTime()),
	}
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	const op = "exists"
	p, err := hold(l.guard, op)
	if err != nil {
		return false, err
	}
	defer p.Release()

	path, err := l.resolve(op, key)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	return fi.Mode().IsRegular(), nil
}

func (l *Local) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	const op = "stat"
	p, err := hold(l.guard, op)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	defer p.Release()

	path, err := l.resolve(op, key)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.ObjectInfo{}, srcerr.NotFound(op, key, err)
		}
		return types.ObjectInfo{}, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	if !fi.Mode().IsRegular() {
		return types.ObjectInfo{}, srcerr.NotFound(op, key, errors.New("not a regular file"))
	}
	return l.infoFor(key, fi), nil
}

func (l *Local) List(ctx context.Context) ([]types.ObjectInfo, error) {
	p, err := hold(l.guard, "list")
	if err != nil {
		return nil, err
	}
	defer p.Release()

	var out []types.ObjectInfo
	err = l.walk(ctx, "list", true, func(info types.ObjectInfo) error {
		out = append(out, info)
		return nil
	})
	return out, err
}

// Index visits every object. Subdirectories are only descended into when
// index_subdirs is set.
func (l *Local) Index(ctx context.Context, fn func(types.ObjectInfo) error) error {
	p, err := hold(l.guard, "index")
	if err != nil {
		return err
	}
	defer p.Release()

	l.mu.RLock()
	recurse := l.indexSubdirs
	l.mu.RUnlock()
	return l.walk(ctx, "index", recurse, fn)
}

// walk traverses the tree breadth first. Entries that vanish while walking
// are skipped.
func (l *Local) walk(ctx context.Context, op string, recurse bool, fn func(types.ObjectInfo) error) error {
	root := l.Root()
	if root == "" {
		return srcerr.NotConfigured(op)
	}

	queue := []string{""}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return srcerr.Wrap(op, "", err)
		}
		rel := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return srcerr.New(srcerr.ErrSourceOperationFailed, op, rel, err)
		}
		for _, e := range entries {
			name := e.Name()
			key := name
			if rel != "" {
				key = rel + "/" + name
			}
			switch {
			case e.IsDir():
				if recurse {
					queue = append(queue, key)
				}
			case e.Type().IsRegular():
				if strings.HasPrefix(name, uploadPrefix) {
					continue
				}
				fi, err := e.Info()
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
				}
				if err := fn(l.infoFor(key, fi)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *Local) OpenRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, types.ObjectInfo, error) {
	const op = "open read"
	path, err := l.resolve(op, key)
	if err != nil {
		return nil, types.ObjectInfo{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.ObjectInfo{}, srcerr.NotFound(op, key, err)
		}
		return nil, types.ObjectInfo{}, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, types.ObjectInfo{}, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, types.ObjectInfo{}, srcerr.NotFound(op, key, errors.New("not a regular file"))
	}

	start, n := clampRange(fi.Size(), offset, length)
	return stream.NewClosable(io.NewSectionReader(f, start, n), f.Close), l.infoFor(key, fi), nil
}

func (l *Local) OpenWrite(ctx context.Context, key string, length int64) (types.Sink, error) {
	const op = "open write"
	path, err := l.resolve(op, key)
	if err != nil {
		return nil, err
	}

	if _, err := os.Lstat(path); err == nil {
		return nil, srcerr.AlreadyExists(op, key)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	if length > 0 {
		if free, ok := l.RemainingCapacity(ctx); ok && length > free {
			return nil, srcerr.New(srcerr.ErrSourceOperationFailed, op, key,
				fmt.Errorf("insufficient space: need %s, have %s",
					humanize.IBytes(uint64(length)), humanize.IBytes(uint64(free))))
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	tmp := filepath.Join(dir, uploadPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	if length > 0 {
		if err := Fallocate(f, length); err != nil {
			logger.Ctx(ctx).Debug().Err(err).Str("key", key).Msg("preallocation not supported")
		}
	}

	return &localSink{key: key, path: path, tmp: tmp, f: f, length: length}, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	const op = "delete"
	p, err := hold(l.guard, op)
	if err != nil {
		return err
	}
	defer p.Release()

	path, err := l.resolve(op, key)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return srcerr.NotFound(op, key, err)
		}
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}
	if fi.IsDir() {
		return srcerr.NotFound(op, key, errors.New("not a regular file"))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return srcerr.New(srcerr.ErrSourceOperationFailed, op, key, err)
	}

	l.pruneParents(filepath.Dir(path))
	return nil
}

// pruneParents removes empty directories from dir upwards, stopping at the
// first non-empty one and never removing the root itself.
func (l *Local) pruneParents(dir string) {
	root := l.Root()
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (l *Local) CopyIn(ctx context.Context, localPath, key string) error {
	return copyIn(ctx, l, localPath, key)
}

func (l *Local) CopyOut(ctx context.Context, key, localPath string) error {
	return copyOut(ctx, l, key, localPath)
}

func (l *Local) KeyFromFilename(name string) string {
	return keys.FromFilename(name, l.now())
}

// RemainingCapacity reports the space available below the root, minus the
// configured reserve. It is absent when the root does not exist or the
// backend has been retired.
func (l *Local) RemainingCapacity(ctx context.Context) (int64, bool) {
	p, err := hold(l.guard, "remaining capacity")
	if err != nil {
		return 0, false
	}
	defer p.Release()

	l.mu.RLock()
	root, reserve := l.root, l.reserve
	l.mu.RUnlock()
	if root == "" {
		return 0, false
	}

	avail, total, err := diskSpace(root)
	if err != nil {
		return 0, false
	}
	if reserve != nil {
		r := reserve.Reserved(total)
		if r >= avail {
			return 0, true
		}
		avail -= r
	}
	return int64(min(avail, uint64(1<<63-1))), true
}

// localSink writes to a hidden temporary file and links it into place on
// Close. Linking fails if the target appeared meanwhile, so a concurrent
// writer of the same key never gets clobbered.
type localSink struct {
	key    string
	path   string
	tmp    string
	length int64

	mu      sync.Mutex
	f       *os.File
	written int64
	done    bool
	err     error
}

func (s *localSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		if s.err != nil {
			return 0, s.err
		}
		return 0, os.ErrClosed
	}
	if s.length >= 0 && s.written+int64(len(p)) > s.length {
		err := srcerr.New(srcerr.ErrSourceOperationFailed, "write", s.key,
			fmt.Errorf("write exceeds declared length %d", s.length))
		s.discardLocked(err)
		return 0, err
	}

	n, err := s.f.Write(p)
	s.written += int64(n)
	if err != nil {
		err = srcerr.New(srcerr.ErrSourceOperationFailed, "write", s.key, err)
		s.discardLocked(err)
		return n, err
	}
	return n, nil
}

func (s *localSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return s.err
	}
	if s.length >= 0 && s.written != s.length {
		s.discardLocked(srcerr.New(srcerr.ErrSourceOperationFailed, "close", s.key,
			fmt.Errorf("wrote %d of %d declared bytes", s.written, s.length)))
		return s.err
	}

	if err := Fdatasync(s.f); err != nil {
		s.discardLocked(srcerr.New(srcerr.ErrSourceOperationFailed, "close", s.key, fmt.Errorf("sync: %w", err)))
		return s.err
	}
	if s.written >= fadviseThreshold {
		_ = FadviseDontNeed(s.f)
	}
	if err := s.f.Close(); err != nil {
		s.discardLocked(srcerr.New(srcerr.ErrSourceOperationFailed, "close", s.key, err))
		return s.err
	}

	err := os.Link(s.tmp, s.path)
	_ = os.Remove(s.tmp)
	s.done = true
	switch {
	case errors.Is(err, fs.ErrExist):
		s.err = srcerr.AlreadyExists("close", s.key)
	case err != nil:
		s.err = srcerr.New(srcerr.ErrSourceOperationFailed, "close", s.key, err)
	}
	return s.err
}

func (s *localSink) Abort(err error) {
	if err == nil {
		err = stream.ErrCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.discardLocked(srcerr.Wrap("write", s.key, err))
}

func (s *localSink) discardLocked(err error) {
	s.done = true
	s.err = err
	_ = s.f.Close()
	_ = os.Remove(s.tmp)
}
