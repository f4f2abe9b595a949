// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/model"
	"github.com/jeranaias/erimtech/internal/util"
)

// DefaultMaxConversations is used when NewManager is given a non-positive cap.
const DefaultMaxConversations = 200

// Store persists conversations. Implementations must be safe for concurrent
// use; Manager serialises its own calls but several Managers may share one
// backing database.
type Store interface {
	Put(conv *model.Conversation) error
	Delete(id string) error
	LoadAll() ([]*model.Conversation, error)
	Clear() error
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager is a thread-safe set of conversations.
type Manager struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation

	// order records the last mutation sequence per conversation so that
	// List is stable when two updates share a timestamp.
	order map[string]uint64
	seq   uint64

	store Store
	max   int
	log   *zap.Logger
}

// NewManager creates a Manager. store may be nil for a purely in-memory
// manager.
func NewManager(store Store, maxConversations int, log *zap.Logger) *Manager {
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		convs: make(map[string]*model.Conversation),
		order: make(map[string]uint64),
		store: store,
		max:   maxConversations,
		log:   log.Named("conversation"),
	}
}

// Load replaces the in-memory state with the store's contents.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	convs, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.Before(convs[j].UpdatedAt)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = make(map[string]*model.Conversation, len(convs))
	m.order = make(map[string]uint64, len(convs))
	for _, c := range convs {
		if c.Messages == nil {
			c.Messages = make([]*model.Message, 0)
		}
		m.convs[c.ID] = c
		m.touch(c.ID)
	}
	m.log.Debug("conversations loaded", zap.Int("count", len(convs)))
	return m.evictLocked("")
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Create starts a conversation bound to feature.
func (m *Manager) Create(feature model.Feature) (*model.Conversation, error) {
	if !feature.Valid() {
		return nil, fmt.Errorf("create conversation: unknown feature %q", feature)
	}
	conv := model.NewConversation(feature)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persist(conv); err != nil {
		return nil, err
	}
	m.convs[conv.ID] = conv
	m.touch(conv.ID)
	if err := m.evictLocked(conv.ID); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// Get returns a copy of the conversation with id.
func (m *Manager) Get(id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, notFound(id)
	}
	return conv.Clone(), nil
}

// List returns copies of all conversations, most recently updated first.
func (m *Manager) List() []*model.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Conversation, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return m.order[out[i].ID] > m.order[out[j].ID]
	})
	return out
}

// Len returns the number of conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

// Rename gives a conversation an explicit name. Surrounding whitespace is
// trimmed and blank names are rejected.
func (m *Manager) Rename(id, name string) (*model.Conversation, error) {
	name = util.NormalizeText(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	return m.mutate(id, func(c *model.Conversation) {
		c.Rename(name)
	})
}

// Append adds messages in order.
func (m *Manager) Append(id string, msgs ...*model.Message) (*model.Conversation, error) {
	return m.mutate(id, func(c *model.Conversation) {
		for _, msg := range msgs {
			c.AddMessage(msg.Clone())
		}
	})
}

// SetFeature rebinds a conversation to another feature. Unnamed
// conversations take the new feature's default name.
func (m *Manager) SetFeature(id string, feature model.Feature) (*model.Conversation, error) {
	if !feature.Valid() {
		return nil, fmt.Errorf("set feature: unknown feature %q", feature)
	}
	return m.mutate(id, func(c *model.Conversation) {
		c.Feature = feature
		if !c.Named {
			c.Name = model.DefaultName(feature)
		}
		c.UpdatedAt = time.Now()
	})
}

// Delete removes a conversation.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return notFound(id)
	}
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
	}
	delete(m.convs, id)
	delete(m.order, id)
	return nil
}

// Clear removes every conversation.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Clear(); err != nil {
			return fmt.Errorf("clear conversations: %w", err)
		}
	}
	m.convs = make(map[string]*model.Conversation)
	m.order = make(map[string]uint64)
	return nil
}

// =============================================================================
// INTERNAL
// =============================================================================

// mutate applies fn to a copy and only installs it once it is persisted.
func (m *Manager) mutate(id string, fn func(c *model.Conversation)) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.convs[id]
	if !ok {
		return nil, notFound(id)
	}
	next := cur.Clone()
	fn(next)
	if err := m.persist(next); err != nil {
		return nil, err
	}
	m.convs[id] = next
	m.touch(id)
	return next.Clone(), nil
}

// touch must be called with mu held.
func (m *Manager) touch(id string) {
	m.seq++
	m.order[id] = m.seq
}

func (m *Manager) persist(conv *model.Conversation) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Put(conv); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// evictLocked drops the least recently updated conversations until the cap
// is met. keep is never evicted.
func (m *Manager) evictLocked(keep string) error {
	for len(m.convs) > m.max {
		var oldest string
		var oldestSeq uint64
		for id, seq := range m.order {
			if id == keep {
				continue
			}
			if oldest == "" || seq < oldestSeq {
				oldest, oldestSeq = id, seq
			}
		}
		if oldest == "" {
			return nil
		}
		if m.store != nil {
			if err := m.store.Delete(oldest); err != nil {
				return fmt.Errorf("evict conversation %s: %w", oldest, err)
			}
		}
		delete(m.convs, oldest)
		delete(m.order, oldest)
		m.log.Debug("evicted conversation", zap.String("id", oldest))
	}
	return nil
}
