// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema describes a flow's JSON output: an object whose fields are all
// required strings or nested objects of the same shape.
type Schema struct {
	Fields []Field
}

// Field is one required output property.
type Field struct {
	Name        string
	Description string
	Fields      []Field
}

// Validate decodes raw and checks that every required field is present and
// non-empty. It wraps ErrNoOutput on failure.
func (s Schema) Validate(raw string) error {
	raw = stripFence(raw)
	if raw == "" {
		return fmt.Errorf("empty reply: %w", ErrNoOutput)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return fmt.Errorf("reply is not a JSON object: %w", ErrNoOutput)
	}
	return validateFields(obj, s.Fields, "")
}

func validateFields(obj map[string]any, fields []Field, prefix string) error {
	for _, f := range fields {
		path := prefix + f.Name
		v, ok := obj[f.Name]
		if !ok || v == nil {
			return fmt.Errorf("missing field %s: %w", path, ErrNoOutput)
		}
		if len(f.Fields) > 0 {
			sub, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("field %s is not an object: %w", path, ErrNoOutput)
			}
			if err := validateFields(sub, f.Fields, path+"."); err != nil {
				return err
			}
			continue
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("field %s is empty: %w", path, ErrNoOutput)
		}
	}
	return nil
}

// stripFence removes a ```json fence some models wrap around JSON replies.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeOutput validates raw against schema and decodes it into dst.
func decodeOutput(raw string, schema Schema, dst any) error {
	if err := schema.Validate(raw); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), dst); err != nil {
		return fmt.Errorf("decode reply: %w", ErrNoOutput)
	}
	return nil
}
