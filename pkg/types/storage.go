// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"io"

	"github.com/LeeDigitalWorks/blobsource/pkg/storage/pin"
	"github.com/LeeDigitalWorks/blobsource/pkg/storage/schema"
)

// ToEnd is the OpenRead length meaning "through the last byte".
const ToEnd int64 = -1

// UnknownLength is the OpenWrite length for a stream of unknown size.
const UnknownLength int64 = -1

// Backend is the capability contract every storage source implements
// (local directory tree, S3 bucket, in-memory scratch space).
//
// Non-streaming operations pin the backend's guard for their own duration.
// OpenRead and OpenWrite do not: whoever holds the returned stream is
// expected to hold a pin until it is closed.
type Backend interface {
	// Type returns the source type id, e.g. "local" or "s3".
	Type() string

	// Schema describes the configuration blob accepted by Configure.
	Schema() *schema.Schema

	// Configure validates and applies a JSON (or JSONC) configuration blob.
	Configure(config []byte) error

	// Guard returns the lifecycle guard of this backend.
	Guard() *pin.Guard

	Exists(ctx context.Context, key string) (bool, error)

	// List returns every stored object. Order is backend-defined.
	List(ctx context.Context) ([]ObjectInfo, error)

	// Stat fails with srcerr.ErrFileNotFound when the key is absent.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// OpenRead streams length bytes starting at offset. A negative length
	// reads to the end. Out-of-range requests are clamped.
	OpenRead(ctx context.Context, key string, offset, length int64) (io.ReadCloser, ObjectInfo, error)

	// OpenWrite creates a new object. It fails with
	// srcerr.ErrFileAlreadyExists if the key is taken. The object becomes
	// visible only after the Sink is closed successfully.
	OpenWrite(ctx context.Context, key string, length int64) (Sink, error)

	// Delete fails with srcerr.ErrFileNotFound when the key is absent.
	Delete(ctx context.Context, key string) error

	// CopyIn uploads a local file to key.
	CopyIn(ctx context.Context, localPath, key string) error

	// CopyOut downloads key to a local file. A failed copy leaves nothing
	// at localPath.
	CopyOut(ctx context.Context, key, localPath string) error

	// SupportsPositionalRead reports whether OpenRead honours offset
	// without reading the skipped prefix.
	SupportsPositionalRead() bool

	// KeyFromFilename derives a valid, collision-resistant key from a
	// user-supplied filename.
	KeyFromFilename(name string) string

	// RemainingCapacity returns the free space in bytes, or false when the
	// backend cannot tell.
	RemainingCapacity(ctx context.Context) (int64, bool)
}

// Stateful is implemented by backends holding expensive connections. Startup
// runs once before first use, Shutdown once when the backend is evicted or
// its instance deleted.
type Stateful interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Indexable is implemented by backends that can be walked incrementally
// instead of materialising the full List.
type Indexable interface {
	Index(ctx context.Context, fn func(ObjectInfo) error) error
}

// Sink is the write side of OpenWrite. Close commits the object; Abort
// discards it and makes a pending or later Close fail with err.
type Sink interface {
	io.WriteCloser
	Abort(err error)
}

// Factory builds an unconfigured backend bound to guard.
type Factory func(guard *pin.Guard) Backend

// SourceType describes a kind of backend that instances can be created from.
type SourceType struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	Description string  `json:"description"`
	Factory     Factory `json:"-"`
}
