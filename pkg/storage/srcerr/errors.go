// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package srcerr defines the error taxonomy shared by every storage source.
// Backends normalise their native errors (os, smithy, HTTP) into these kinds
// so callers never branch on backend-specific types.
package srcerr

import (
	"errors"
	"strings"
)

var (
	ErrValidationFailed      = errors.New("validation failed")
	ErrSourceNotConfigured   = errors.New("source not configured")
	ErrFileNotFound          = errors.New("file not found")
	ErrFileAlreadyExists     = errors.New("file already exists")
	ErrSourceOperationFailed = errors.New("source operation failed")

	// Registry-level kinds
	ErrUnknownSourceType = errors.New("unknown source type")
	ErrUnknownInstance   = errors.New("unknown source instance")
)

// Error carries a taxonomy kind together with the operation, the key and the
// original cause. errors.Is matches both Kind and anything in the Err chain.
type Error struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Key != "" {
		b.WriteString(e.Key)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error of the given kind.
func New(kind error, op, key string, cause error) error {
	return &Error{Kind: kind, Op: op, Key: key, Err: cause}
}

func Validation(op string, cause error) error {
	return New(ErrValidationFailed, op, "", cause)
}

func NotConfigured(op string) error {
	return New(ErrSourceNotConfigured, op, "", nil)
}

func NotFound(op, key string, cause error) error {
	return New(ErrFileNotFound, op, key, cause)
}

func AlreadyExists(op, key string) error {
	return New(ErrFileAlreadyExists, op, key, nil)
}

// Wrap normalises an arbitrary error. Errors that already carry a taxonomy
// kind pass through untouched; anything else becomes ErrSourceOperationFailed.
func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if HasKind(err) {
		return err
	}
	return New(ErrSourceOperationFailed, op, key, err)
}

// HasKind reports whether err already belongs to the taxonomy.
func HasKind(err error) bool {
	for _, kind := range []error{
		ErrValidationFailed,
		ErrSourceNotConfigured,
		ErrFileNotFound,
		ErrFileAlreadyExists,
		ErrSourceOperationFailed,
		ErrUnknownSourceType,
		ErrUnknownInstance,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
