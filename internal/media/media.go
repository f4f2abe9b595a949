// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package media keeps uploaded files on disk and their moderation records in
// the document store.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/util"
)

// Status is a moderation state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ListLimit caps List results.
const ListLimit = 50

var (
	ErrNotFound      = errors.New("media not found")
	ErrInvalidStatus = errors.New("invalid media status")
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Upload is stored at mediaUploads/{id}.
type Upload struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Name          string    `json:"name"`
	UploaderEmail string    `json:"uploaderEmail"`
	UploadedAt    time.Time `json:"uploadedAt"`
	Status        Status    `json:"status"`
	FileURL       string    `json:"fileURL"`
	Size          int       `json:"size"`
}

// Library stores uploads.
type Library struct {
	store docstore.Store
	dir   string
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Library rooted at dir.
func New(store docstore.Store, dir string, log *zap.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Library{store: store, dir: dir, log: log.Named("media"), now: docstore.Now}, nil
}

func (l *Library) path(id string) string {
	return filepath.Join(l.dir, filepath.Base(id))
}

// Record saves an attachment as a pending upload.
func (l *Library) Record(ctx context.Context, uploader string, file *dispatch.Attachment) (*Upload, error) {
	id := uuid.NewString()
	if err := util.AtomicWriteFile(l.path(id), file.Data, 0o600); err != nil {
		return nil, fmt.Errorf("store media file: %w", err)
	}
	up := &Upload{
		ID:            id,
		Type:          file.MIMEType,
		Name:          file.Name,
		UploaderEmail: uploader,
		UploadedAt:    l.now(),
		Status:        StatusPending,
		FileURL:       "/admin/media/" + id + "/file",
		Size:          file.Size(),
	}
	if err := l.store.Set(ctx, docstore.MediaUploads, id, up); err != nil {
		_ = os.Remove(l.path(id))
		return nil, fmt.Errorf("record media: %w", err)
	}
	l.log.Info("media recorded", zap.String("id", id), zap.String("type", up.Type), zap.Int("size", up.Size))
	return up, nil
}

// Get returns an upload record.
func (l *Library) Get(ctx context.Context, id string) (*Upload, error) {
	var up Upload
	if err := l.store.Get(ctx, docstore.MediaUploads, id, &up); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	up.ID = id
	return &up, nil
}

// Open returns the stored file. The caller closes it.
func (l *Library) Open(ctx context.Context, id string) (*Upload, *os.File, error) {
	up, err := l.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(l.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return up, f, nil
}

// List returns the newest uploads, optionally filtered by status.
func (l *Library) List(ctx context.Context, status Status) ([]Upload, error) {
	q := docstore.Query{OrderBy: "uploadedAt", Desc: true, Limit: ListLimit}
	if status != "" {
		q.Where = []docstore.Filter{{Field: "status", Value: string(status)}}
	}
	docs, err := l.store.Query(ctx, docstore.MediaUploads, q)
	if err != nil {
		return nil, err
	}
	out := make([]Upload, 0, len(docs))
	for _, d := range docs {
		var up Upload
		if err := d.DataTo(&up); err != nil {
			return nil, err
		}
		up.ID = d.ID
		out = append(out, up)
	}
	return out, nil
}

// SetStatus moderates an upload.
func (l *Library) SetStatus(ctx context.Context, id string, status Status) (*Upload, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	err := l.store.Update(ctx, docstore.MediaUploads, id, map[string]any{"status": string(status)})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, id)
}

// Delete removes the record and the file.
func (l *Library) Delete(ctx context.Context, id string) error {
	err := l.store.Delete(ctx, docstore.MediaUploads, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := os.Remove(l.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("media file not removed", zap.String("id", id), zap.Error(err))
	}
	return nil
}
