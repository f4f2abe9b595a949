// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package apilog records calls to the developer API.
package apilog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/erimtech/internal/docstore"
)

// DefaultLimit is the number of entries Recent returns by default.
const DefaultLimit = 100

// Entry is stored at apiLogs/{uuid}.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	Status    int       `json:"status"`
	IPAddress string    `json:"ipAddress"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder writes and reads API log entries.
type Recorder struct {
	store docstore.Store
	now   func() time.Time
}

// New creates a Recorder.
func New(store docstore.Store) *Recorder {
	return &Recorder{store: store, now: docstore.Now}
}

// Record stores e with a fresh id and the current time.
func (r *Recorder) Record(ctx context.Context, e Entry) (*Entry, error) {
	e.ID = uuid.NewString()
	e.Timestamp = r.now()
	if err := r.store.Set(ctx, docstore.APILogs, e.ID, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Recent returns the newest entries first. limit <= 0 means DefaultLimit.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	docs, err := r.store.Query(ctx, docstore.APILogs, docstore.Query{OrderBy: "timestamp", Desc: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, d := range docs {
		var e Entry
		if err := d.DataTo(&e); err != nil {
			return nil, err
		}
		e.ID = d.ID
		out = append(out, e)
	}
	return out, nil
}
