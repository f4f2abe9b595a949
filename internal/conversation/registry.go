// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"
)

// DefaultMaxOwners caps how many owners' Managers a Registry keeps loaded.
const DefaultMaxOwners = 1000

// Registry hands out one Manager per owner. The least recently used
// Managers are unloaded past the owner cap; with a database they are
// reloaded on the next For, without one their conversations are gone.
type Registry struct {
	mu       sync.Mutex
	managers *lru.Cache
	db       *BoltDB
	max      int
	log      *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxOwners sets the owner cap. Non-positive values keep the default.
func WithMaxOwners(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.managers.MaxEntries = n
		}
	}
}

// NewRegistry creates a Registry. db may be nil, in which case managers are
// memory-only.
func NewRegistry(db *BoltDB, maxConversations int, log *zap.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		managers: lru.New(DefaultMaxOwners),
		db:       db,
		max:      maxConversations,
		log:      log,
	}
	r.managers.OnEvicted = func(key lru.Key, _ any) {
		r.log.Debug("conversation manager unloaded", zap.Any("owner", key))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns owner's Manager, loading it from the database on first use.
func (r *Registry) For(owner string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers.Get(owner); ok {
		return m.(*Manager), nil
	}

	var store Store
	if r.db != nil {
		store = r.db.Scope(owner)
	}
	m := NewManager(store, r.max, r.log.With(zap.String("owner", owner)))
	if err := m.Load(); err != nil {
		return nil, err
	}
	r.managers.Add(owner, m)
	return m, nil
}

// Loaded returns the number of Managers in memory.
func (r *Registry) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers.Len()
}

// Forget drops owner's Manager and its stored conversations.
func (r *Registry) Forget(owner string) error {
	m, err := r.For(owner)
	if err != nil {
		return err
	}
	if err := m.Clear(); err != nil {
		return err
	}
	r.mu.Lock()
	r.managers.Remove(owner)
	r.mu.Unlock()
	return nil
}
