// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sourcestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Static is a fixed list of records, typically read from the config file.
type Static []Record

// StaticEntry is the config-file form of a record. Config is any value that
// marshals to the source's JSON config.
type StaticEntry struct {
	ID     int64  `mapstructure:"id"`
	Type   string `mapstructure:"type"`
	Config any    `mapstructure:"config"`
}

// NewStatic converts config-file entries into records.
func NewStatic(entries []StaticEntry) (Static, error) {
	out := make(Static, 0, len(entries))
	seen := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("source %d: duplicate id", e.ID)
		}
		seen[e.ID] = struct{}{}

		cfg := e.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		raw, err := json.Marshal(normalize(cfg))
		if err != nil {
			return nil, fmt.Errorf("source %d: encode config: %w", e.ID, err)
		}
		out = append(out, Record{ID: e.ID, Type: e.Type, Config: raw})
	}
	return out, nil
}

// List returns the records ordered by id.
func (s Static) List(ctx context.Context) ([]Record, error) {
	out := append([]Record(nil), s...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// normalize turns the map[any]any values some config decoders produce into
// something encoding/json accepts.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
