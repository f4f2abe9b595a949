// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package admin implements the operator console: user management, media
// moderation, API logs and feature toggles.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/erimtech/internal/apikeys"
	"github.com/jeranaias/erimtech/internal/apilog"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/features"
	"github.com/jeranaias/erimtech/internal/media"
)

// ErrEmptyPatch is returned by UpdateUser when no field is set.
var ErrEmptyPatch = errors.New("no fields to update")

// Console bundles the services the admin surface works on.
type Console struct {
	store    docstore.Store
	auth     *auth.Service
	media    *media.Library
	logs     *apilog.Recorder
	features *features.Service
	keys     *apikeys.Service
	convs    *conversation.Registry
	log      *zap.Logger
}

// Option configures optional Console dependencies.
type Option func(*Console)

// WithKeys lets DeleteUser remove the user's API key and usage.
func WithKeys(k *apikeys.Service) Option {
	return func(c *Console) { c.keys = k }
}

// WithConversations lets DeleteUser drop the user's conversations.
func WithConversations(r *conversation.Registry) Option {
	return func(c *Console) { c.convs = r }
}

// New creates a Console.
func New(store docstore.Store, authSvc *auth.Service, lib *media.Library, logs *apilog.Recorder, feats *features.Service, log *zap.Logger, opts ...Option) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Console{
		store:    store,
		auth:     authSvc,
		media:    lib,
		logs:     logs,
		features: feats,
		log:      log.Named("admin"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Use applies opts after construction. Call it before the Console serves
// requests.
func (c *Console) Use(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// =============================================================================
// USERS
// =============================================================================

// ListUsers returns users ordered by email. A non-empty query keeps users
// whose email or display name contains it, ignoring case.
func (c *Console) ListUsers(ctx context.Context, query string) ([]auth.UserData, error) {
	docs, err := c.store.Query(ctx, docstore.Users, docstore.Query{OrderBy: "email"})
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]auth.UserData, 0, len(docs))
	for _, d := range docs {
		var u auth.UserData
		if err := d.DataTo(&u); err != nil {
			return nil, err
		}
		u.UID = d.ID
		if query != "" &&
			!strings.Contains(strings.ToLower(u.Email), query) &&
			!strings.Contains(strings.ToLower(u.DisplayName), query) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// UserPatch changes a user's role, status or plan. Empty fields are kept.
type UserPatch struct {
	Role   string `json:"role,omitempty"`
	Status string `json:"status,omitempty"`
	Plan   string `json:"plan,omitempty"`
}

// UpdateUser applies patch and returns the updated user.
func (c *Console) UpdateUser(ctx context.Context, uid string, patch UserPatch) (*auth.UserData, error) {
	fields := map[string]any{}
	if patch.Role != "" {
		r, err := auth.ParseRole(patch.Role)
		if err != nil {
			return nil, err
		}
		fields["role"] = string(r)
	}
	if patch.Status != "" {
		s, err := auth.ParseStatus(patch.Status)
		if err != nil {
			return nil, err
		}
		fields["status"] = string(s)
	}
	if patch.Plan != "" {
		p, err := auth.ParsePlan(patch.Plan)
		if err != nil {
			return nil, err
		}
		fields["plan"] = string(p)
	}
	if len(fields) == 0 {
		return nil, ErrEmptyPatch
	}
	fields["updatedAt"] = docstore.Now()

	err := c.store.Update(ctx, docstore.Users, uid, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	c.log.Info("user updated", zap.String("uid", uid), zap.Any("patch", patch))
	return c.auth.GetUser(ctx, uid)
}

// PromoteByEmail makes the user with email an admin.
func (c *Console) PromoteByEmail(ctx context.Context, email string) (*auth.UserData, error) {
	u, err := c.auth.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return c.UpdateUser(ctx, u.UID, UserPatch{Role: string(auth.RoleAdmin)})
}

// DeleteUser removes a user and everything that lets them act: API key and
// usage, conversations, sessions and credentials. The profile goes last so
// a failed delete can be retried.
func (c *Console) DeleteUser(ctx context.Context, uid string) error {
	if _, err := c.auth.GetUser(ctx, uid); err != nil {
		return err
	}
	if c.keys != nil {
		if err := c.keys.Delete(ctx, uid); err != nil {
			return fmt.Errorf("delete API key: %w", err)
		}
	}
	if c.convs != nil {
		if err := c.convs.Forget(uid); err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
	}
	if err := c.auth.DeleteAccount(ctx, uid); err != nil {
		return err
	}
	c.log.Info("user deleted", zap.String("uid", uid))
	return nil
}

// =============================================================================
// MEDIA
// =============================================================================

// ListMedia lists uploads, optionally filtered by status.
func (c *Console) ListMedia(ctx context.Context, status string) ([]media.Upload, error) {
	var st media.Status
	if status != "" && status != "all" {
		var err error
		if st, err = media.ParseStatus(status); err != nil {
			return nil, err
		}
	}
	return c.media.List(ctx, st)
}

// SetMediaStatus moderates an upload.
func (c *Console) SetMediaStatus(ctx context.Context, id, status string) (*media.Upload, error) {
	st, err := media.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return c.media.SetStatus(ctx, id, st)
}

// DeleteMedia removes an upload.
func (c *Console) DeleteMedia(ctx context.Context, id string) error {
	return c.media.Delete(ctx, id)
}

// =============================================================================
// LOGS
// =============================================================================

// LogRow is an API log entry joined with its user's email.
type LogRow struct {
	apilog.Entry
	UserEmail string `json:"userEmail"`
}

// ListLogs returns the most recent API calls with user emails resolved.
// A non-empty query keeps rows whose email or endpoint contains it.
func (c *Console) ListLogs(ctx context.Context, query string) ([]LogRow, error) {
	entries, err := c.logs.Recent(ctx, apilog.DefaultLimit)
	if err != nil {
		return nil, err
	}

	emails := map[string]string{}
	query = strings.ToLower(strings.TrimSpace(query))
	rows := make([]LogRow, 0, len(entries))
	for _, e := range entries {
		email, ok := emails[e.UserID]
		if !ok {
			if email, err = c.emailFor(ctx, e.UserID); err != nil {
				return nil, err
			}
			emails[e.UserID] = email
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(email), query) &&
			!strings.Contains(strings.ToLower(e.Endpoint), query) {
			continue
		}
		rows = append(rows, LogRow{Entry: e, UserEmail: email})
	}
	return rows, nil
}

// emailFor labels a log row's user. Deleted users are "Unknown User";
// any other lookup failure is an error.
func (c *Console) emailFor(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "N/A", nil
	}
	u, err := c.auth.GetUser(ctx, uid)
	if errors.Is(err, auth.ErrUserNotFound) {
		return "Unknown User", nil
	}
	if err != nil {
		c.log.Warn("log user lookup failed", zap.String("uid", uid), zap.Error(err))
		return "", fmt.Errorf("look up user %s: %w", uid, err)
	}
	return u.Label(), nil
}

// =============================================================================
// FEATURES
// =============================================================================

// ListFeatures returns all toggles.
func (c *Console) ListFeatures(ctx context.Context) ([]features.Toggle, error) {
	return c.features.List(ctx)
}

// ToggleFeature flips a toggle.
func (c *Console) ToggleFeature(ctx context.Context, id string) (*features.Toggle, error) {
	return c.features.Flip(ctx, id)
}

// SetFeature sets a toggle explicitly.
func (c *Console) SetFeature(ctx context.Context, id string, enabled bool) (*features.Toggle, error) {
	return c.features.Set(ctx, id, enabled)
}

// =============================================================================
// OVERVIEW
// =============================================================================

// Overview is the dashboard summary.
type Overview struct {
	Users           int `json:"users"`
	Admins          int `json:"admins"`
	PendingMedia    int `json:"pendingMedia"`
	RecentAPICalls  int `json:"recentApiCalls"`
	EnabledFeatures int `json:"enabledFeatures"`
	TotalFeatures   int `json:"totalFeatures"`
}

// Overview gathers the dashboard counts concurrently.
func (c *Console) Overview(ctx context.Context) (*Overview, error) {
	var ov Overview
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		users, err := c.store.Query(ctx, docstore.Users, docstore.Query{})
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		ov.Users = len(users)
		for _, d := range users {
			if role, _ := d.Data["role"].(string); role == string(auth.RoleAdmin) {
				ov.Admins++
			}
		}
		return nil
	})
	g.Go(func() error {
		pending, err := c.store.Query(ctx, docstore.MediaUploads, docstore.Where("status", string(media.StatusPending)))
		if err != nil {
			return fmt.Errorf("count media: %w", err)
		}
		ov.PendingMedia = len(pending)
		return nil
	})
	g.Go(func() error {
		logs, err := c.logs.Recent(ctx, apilog.DefaultLimit)
		if err != nil {
			return fmt.Errorf("count logs: %w", err)
		}
		ov.RecentAPICalls = len(logs)
		return nil
	})
	g.Go(func() error {
		toggles, err := c.features.List(ctx)
		if err != nil {
			return fmt.Errorf("count features: %w", err)
		}
		ov.TotalFeatures = len(toggles)
		for _, t := range toggles {
			if t.Enabled {
				ov.EnabledFeatures++
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ov, nil
}
