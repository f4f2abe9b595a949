// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jeranaias/erimtech/internal/model"
)

// SchemaVersion is written to the meta bucket of new databases.
const SchemaVersion = 1

var (
	bucketConversations = []byte("conversations")
	bucketMeta          = []byte("meta")
	keySchemaVersion    = []byte("schema_version")
)

// ErrSchemaVersion is returned when a database was written by a newer build.
var ErrSchemaVersion = errors.New("unsupported conversation schema version")

// =============================================================================
// DATABASE
// =============================================================================

// BoltDB is an open conversation database. Each owner's conversations live
// in their own nested bucket under "conversations".
type BoltDB struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database at path.
func OpenBolt(path string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		raw := meta.Get(keySchemaVersion)
		if raw == nil {
			return meta.Put(keySchemaVersion, []byte(strconv.Itoa(SchemaVersion)))
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil || v > SchemaVersion {
			return fmt.Errorf("%w: %q", ErrSchemaVersion, raw)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

// Scope returns a Store for one owner's conversations.
func (b *BoltDB) Scope(owner string) *BoltStore {
	return &BoltStore{db: b.db, scope: []byte(owner)}
}

// Owners lists every owner with at least one stored conversation bucket.
func (b *BoltDB) Owners() ([]string, error) {
	var owners []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			if v == nil {
				owners = append(owners, string(k))
			}
			return nil
		})
	})
	return owners, err
}

// Close closes the database file.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// =============================================================================
// STORE
// =============================================================================

// BoltStore is a Store bound to one owner's bucket.
type BoltStore struct {
	db    *bolt.DB
	scope []byte
}

// Put writes conv as JSON, replacing any previous value.
func (s *BoltStore) Put(conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists(s.scope)
		if err != nil {
			return err
		}
		return b.Put([]byte(conv.ID), data)
	})
}

// Delete removes a conversation. Missing ids are not an error.
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket(s.scope)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// LoadAll reads every conversation in the scope. Malformed entries are
// skipped instead of failing the whole load.
func (s *BoltStore) LoadAll() ([]*model.Conversation, error) {
	var out []*model.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket(s.scope)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var conv model.Conversation
			if len(v) == 0 || json.Unmarshal(v, &conv) != nil {
				return nil
			}
			out = append(out, &conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear drops the whole scope.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketConversations)
		if root.Bucket(s.scope) == nil {
			return nil
		}
		return root.DeleteBucket(s.scope)
	})
}
