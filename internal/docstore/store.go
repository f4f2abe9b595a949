// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Collection names used by erimtech.
const (
	Users          = "users"
	Credentials    = "credentials"
	Sessions       = "sessions"
	EmailIndex     = "emailIndex"
	APIKeys        = "apiKeys"
	APIKeyIndex    = "apiKeyIndex"
	APIUsage       = "apiUsage"
	MediaUploads   = "mediaUploads"
	APILogs        = "apiLogs"
	FeatureToggles = "featureToggles"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidField is returned for field names that are not simple
	// identifiers.
	ErrInvalidField = errors.New("invalid field name")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("document store closed")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("document already exists")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is a collection/document database. Documents are JSON-shaped maps
// keyed by id within a collection.
type Store interface {
	// Get decodes the document into dst. Missing documents return ErrNotFound.
	Get(ctx context.Context, collection, id string, dst any) error

	// Set creates or replaces a document. v is any JSON-encodable value.
	Set(ctx context.Context, collection, id string, v any) error

	// Create writes a new document, failing with ErrAlreadyExists when the
	// id is taken.
	Create(ctx context.Context, collection, id string, v any) error

	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document. Missing documents return ErrNotFound.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Watch streams changes to a collection until ctx is done. Existing
	// documents are not replayed.
	Watch(ctx context.Context, collection string) (<-chan Change, error)

	Close() error
}

// Filter is an equality condition on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects, orders and limits documents.
type Query struct {
	Where   []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Where is shorthand for a single-filter query.
func Where(field string, value any) Query {
	return Query{Where: []Filter{{Field: field, Value: value}}}
}

// Document is a query result.
type Document struct {
	ID   string
	Data map[string]any
}

// DataTo decodes the document into dst.
func (d Document) DataTo(dst any) error {
	return decode(d.Data, dst)
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is a single document change delivered by Watch.
type Change struct {
	Kind       ChangeKind     `json:"kind"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

// Now returns the current time in UTC truncated to whole seconds. Timestamps
// are stored as RFC 3339 strings, and without fractional seconds they sort
// lexicographically in time order on every backend.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validField(name string) error {
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidField, name)
	}
	return nil
}

// toMap converts v to a JSON-shaped map.
func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("document must encode to a JSON object: %w", err)
	}
	return m, nil
}

func decode(data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// normalizeValue converts update and filter values to their JSON form so
// that both backends compare the same representation.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64, int, int64:
		return t, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
