// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	hub *hub
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, hub: newHub(), log: log.Named("docstore")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO metadata(key, value) VALUES('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`,
		strconv.Itoa(SchemaVersion),
	)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string, dst any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, collection, id string, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := toMap(v)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s/%s: %w", collection, id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents(collection, id, data, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, id, string(raw), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", collection, id, err)
	}

	kind := ChangeAdded
	if exists > 0 {
		kind = ChangeModified
	}
	s.hub.publish(Change{Kind: kind, Collection: collection, ID: id, Data: data})
	return nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, collection, id string, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := toMap(v)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(collection, id, data, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO NOTHING`,
		collection, id, string(raw), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s/%s: %w", collection, id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to create %s/%s: %w", collection, id, err)
	} else if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}

	s.hub.publish(Change{Kind: ChangeAdded, Collection: collection, ID: id, Data: data})
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for name := range fields {
		if err := validField(name); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	for name, value := range fields {
		nv, err := normalizeValue(value)
		if err != nil {
			return fmt.Errorf("failed to encode field %s: %w", name, err)
		}
		data[name] = nv
	}

	merged, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(merged), time.Now().UnixNano(), collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", collection, id, err)
	}

	s.hub.publish(Change{Kind: ChangeModified, Collection: collection, ID: id, Data: data})
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	s.hub.publish(Change{Kind: ChangeRemoved, Collection: collection, ID: id})
	return nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{collection}
	sb.WriteString(`SELECT id, data FROM documents WHERE collection = ?`)

	for _, f := range q.Where {
		if err := validField(f.Field); err != nil {
			return nil, err
		}
		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter %s: %w", f.Field, err)
		}
		if b, ok := v.(bool); ok {
			// json_extract yields 1/0 for JSON booleans.
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		fmt.Fprintf(&sb, ` AND json_extract(data, '$.%s') = ?`, f.Field)
		args = append(args, v)
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		if err := validField(q.OrderBy); err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, ` ORDER BY json_extract(data, '$.%s') %s, seq %s`, q.OrderBy, dir, dir)
	} else {
		fmt.Fprintf(&sb, ` ORDER BY seq %s`, dir)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return docs, nil
}

// Watch implements Store. Changes are published after the write commits.
// A subscriber that falls behind by more than its buffer loses changes.
func (s *SQLiteStore) Watch(ctx context.Context, collection string) (<-chan Change, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, collection), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.closeAll()
	return s.db.Close()
}
