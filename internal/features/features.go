// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package features stores the operator switches that turn AI features on
// and off, with a watch-backed cache for the request path.
package features

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/model"
)

// ErrUnknownToggle is returned by Set and Flip for ids with no document.
var ErrUnknownToggle = errors.New("unknown feature toggle")

// Toggle is stored at featureToggles/{id}.
type Toggle struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Defaults returns one enabled toggle per feature.
func Defaults() []Toggle {
	out := make([]Toggle, 0, len(model.Features))
	for _, f := range model.Features {
		info := f.Info()
		out = append(out, Toggle{
			ID:          string(f),
			Name:        info.Name,
			Enabled:     true,
			Description: info.Description,
		})
	}
	return out
}

// Service reads and writes toggles.
type Service struct {
	store docstore.Store
	log   *zap.Logger

	mu     sync.RWMutex
	cache  map[string]bool
	loaded bool

	done chan struct{}
}

// New creates a Service.
func New(store docstore.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store: store,
		log:   log.Named("features"),
		cache: make(map[string]bool),
	}
}

// Seed inserts the default toggle for every feature that has none.
// Existing toggles are left alone.
func (s *Service) Seed(ctx context.Context) error {
	for _, t := range Defaults() {
		var existing Toggle
		err := s.store.Get(ctx, docstore.FeatureToggles, t.ID, &existing)
		if err == nil {
			continue
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if err := s.store.Set(ctx, docstore.FeatureToggles, t.ID, t); err != nil {
			return fmt.Errorf("seed toggle %s: %w", t.ID, err)
		}
		s.log.Debug("seeded toggle", zap.String("id", t.ID))
	}
	return nil
}

// List returns all toggles ordered by name.
func (s *Service) List(ctx context.Context) ([]Toggle, error) {
	docs, err := s.store.Query(ctx, docstore.FeatureToggles, docstore.Query{OrderBy: "name"})
	if err != nil {
		return nil, err
	}
	out := make([]Toggle, 0, len(docs))
	for _, d := range docs {
		var t Toggle
		if err := d.DataTo(&t); err != nil {
			return nil, err
		}
		t.ID = d.ID
		out = append(out, t)
	}
	return out, nil
}

// Get returns one toggle.
func (s *Service) Get(ctx context.Context, id string) (*Toggle, error) {
	var t Toggle
	if err := s.store.Get(ctx, docstore.FeatureToggles, id, &t); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToggle, id)
		}
		return nil, err
	}
	t.ID = id
	return &t, nil
}

// Set switches a toggle on or off.
func (s *Service) Set(ctx context.Context, id string, enabled bool) (*Toggle, error) {
	err := s.store.Update(ctx, docstore.FeatureToggles, id, map[string]any{"enabled": enabled})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToggle, id)
	}
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.loaded {
		s.cache[id] = enabled
	}
	s.mu.Unlock()
	s.log.Info("feature toggled", zap.String("id", id), zap.Bool("enabled", enabled))
	return s.Get(ctx, id)
}

// Flip inverts a toggle.
func (s *Service) Flip(ctx context.Context, id string) (*Toggle, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Set(ctx, id, !t.Enabled)
}

// Enabled reports whether f is switched on. A feature without a toggle is
// enabled.
func (s *Service) Enabled(ctx context.Context, f model.Feature) (bool, error) {
	s.mu.RLock()
	loaded := s.loaded
	on, ok := s.cache[string(f)]
	s.mu.RUnlock()
	if loaded {
		return !ok || on, nil
	}

	if err := s.reload(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	on, ok = s.cache[string(f)]
	return !ok || on, nil
}

func (s *Service) reload(ctx context.Context) error {
	toggles, err := s.List(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]bool, len(toggles))
	for _, t := range toggles {
		cache[t.ID] = t.Enabled
	}
	s.mu.Lock()
	s.cache = cache
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Start loads the cache and keeps it current from the store's change feed
// until ctx is done. Done is closed when the watcher exits.
func (s *Service) Start(ctx context.Context) error {
	changes, err := s.store.Watch(ctx, docstore.FeatureToggles)
	if err != nil {
		return fmt.Errorf("watch toggles: %w", err)
	}
	if err := s.reload(ctx); err != nil {
		return err
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for c := range changes {
			s.apply(c)
		}
		s.log.Debug("toggle watcher stopped")
	}()
	return nil
}

// Done is closed once the watcher started by Start has exited. It is nil
// before Start.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) apply(c docstore.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Kind {
	case docstore.ChangeRemoved:
		delete(s.cache, c.ID)
	default:
		on, _ := c.Data["enabled"].(bool)
		s.cache[c.ID] = on
	}
}
