// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema describes the configuration accepted by a source type and
// validates JSON configuration blobs against it. Blobs may be written as JSONC
// (comments and trailing commas are stripped before parsing).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LeeDigitalWorks/blobsource/pkg/storage/srcerr"

	"github.com/tidwall/jsonc"
)

type FieldType string

const (
	TypeString FieldType = "string"
	TypeBool   FieldType = "bool"
	TypeInt    FieldType = "int"
	TypeNumber FieldType = "number"
)

// Section groups fields for presentation in an admin UI.
type Section struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Field is a single configuration entry.
type Field struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Type     FieldType `json:"type"`
	Optional bool      `json:"optional"`
	Default  any       `json:"default,omitempty"`
	Section  string    `json:"section,omitempty"`
}

// Schema is the declarative description of a source type's configuration.
type Schema struct {
	Sections []Section `json:"sections"`
	Fields   []Field   `json:"fields"`
}

// FieldError describes one problem found during validation.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError lists every problem found in a blob.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		if p.Field == "" {
			parts[i] = p.Reason
			continue
		}
		parts[i] = p.Field + ": " + p.Reason
	}
	return strings.Join(parts, "; ")
}

// Normalize strips JSONC comments and trailing commas.
func Normalize(blob []byte) []byte {
	return jsonc.ToJSON(blob)
}

// Validate checks blob against the schema. Unknown fields are ignored.
// The returned error wraps srcerr.ErrValidationFailed and a *ValidationError.
func (s *Schema) Validate(blob []byte) error {
	_, err := s.parse(blob)
	return err
}

// Decode validates blob, fills in defaults for absent optional fields and
// unmarshals the result into dst.
func (s *Schema) Decode(blob []byte, dst any) error {
	values, err := s.parse(blob)
	if err != nil {
		return err
	}

	merged := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if f.Default != nil {
			merged[f.Name] = f.Default
		}
	}
	for name, raw := range values {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		merged[name] = raw
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return srcerr.Validation("decode config", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return srcerr.Validation("decode config", err)
	}
	return nil
}

func (s *Schema) parse(blob []byte) (map[string]json.RawMessage, error) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(Normalize(blob), &values); err != nil {
		return nil, srcerr.Validation("validate config", &ValidationError{
			Problems: []FieldError{{Reason: fmt.Sprintf("config is not a JSON object: %v", err)}},
		})
	}
	if values == nil {
		values = map[string]json.RawMessage{}
	}

	var problems []FieldError
	for _, f := range s.Fields {
		raw, ok := values[f.Name]
		isNull := ok && bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		if !ok || isNull {
			if !f.Optional {
				problems = append(problems, FieldError{Field: f.Name, Reason: "required field missing"})
			}
			continue
		}
		if reason := checkType(f.Type, raw); reason != "" {
			problems = append(problems, FieldError{Field: f.Name, Reason: reason})
		}
	}

	if len(problems) > 0 {
		return nil, srcerr.Validation("validate config", &ValidationError{Problems: problems})
	}
	return values, nil
}

func checkType(t FieldType, raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err.Error()
	}

	switch t {
	case TypeString:
		if _, ok := v.(string); ok {
			return ""
		}
	case TypeBool:
		if _, ok := v.(bool); ok {
			return ""
		}
	case TypeInt:
		if n, ok := v.(json.Number); ok {
			if _, err := n.Int64(); err == nil {
				return ""
			}
		}
	case TypeNumber:
		if n, ok := v.(json.Number); ok {
			if _, err := n.Float64(); err == nil {
				return ""
			}
		}
	default:
		return fmt.Sprintf("unknown field type %q", t)
	}
	return fmt.Sprintf("expected %s, got %s", t, describe(v))
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "null"
}
