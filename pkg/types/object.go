// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// ObjectInfo describes a stored object. Empty strings and nil pointers mean
// the backend does not know the value; backends never guess.
type ObjectInfo struct {
	Key        string     `json:"key"`
	URL        string     `json:"url,omitempty"`
	MIME       string     `json:"mime,omitempty"`
	Size       *int64     `json:"size,omitempty"`
	Hash       string     `json:"hash,omitempty"` // hex SHA-256
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// SizeOr returns the size, or def when it is unknown.
func (o ObjectInfo) SizeOr(def int64) int64 {
	if o.Size == nil {
		return def
	}
	return *o.Size
}

// Int64 returns a pointer to v, for populating optional fields.
func Int64(v int64) *int64 { return &v }

// Time returns a pointer to t, or nil for the zero time.
func Time(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
