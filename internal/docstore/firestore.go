// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Store backed by Cloud Firestore. Documents are stored
// as plain maps, so timestamps are RFC 3339 strings on both backends.
type FirestoreStore struct {
	client *firestore.Client
	log    *zap.Logger
}

// OpenFirestore connects to the Firestore database of projectID using
// application default credentials.
func OpenFirestore(ctx context.Context, projectID string, log *zap.Logger) (*FirestoreStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, log: log.Named("docstore")}, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// Get implements Store.
func (s *FirestoreStore) Get(ctx context.Context, collection, id string, dst any) error {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return decode(snap.Data(), dst)
}

// Set implements Store.
func (s *FirestoreStore) Set(ctx context.Context, collection, id string, v any) error {
	data, err := toMap(v)
	if err != nil {
		return err
	}
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}
	return nil
}

// Create implements Store.
func (s *FirestoreStore) Create(ctx context.Context, collection, id string, v any) error {
	data, err := toMap(v)
	if err != nil {
		return err
	}
	_, err = s.client.Collection(collection).Doc(id).Create(ctx, data)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update implements Store.
func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for name, value := range fields {
		if err := validField(name); err != nil {
			return err
		}
		nv, err := normalizeValue(value)
		if err != nil {
			return fmt.Errorf("failed to encode field %s: %w", name, err)
		}
		updates = append(updates, firestore.Update{Path: name, Value: nv})
	}
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, updates)
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete implements Store.
func (s *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.Collection(collection).Doc(id).Delete(ctx, firestore.Exists)
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query implements Store.
func (s *FirestoreStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	fq := s.client.Collection(collection).Query
	for _, f := range q.Where {
		if err := validField(f.Field); err != nil {
			return nil, err
		}
		v, err := normalizeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter %s: %w", f.Field, err)
		}
		fq = fq.Where(f.Field, "==", v)
	}
	if q.OrderBy != "" {
		if err := validField(q.OrderBy); err != nil {
			return nil, err
		}
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}

	iter := fq.Documents(ctx)
	defer iter.Stop()

	var docs []Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", collection, err)
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return docs, nil
}

// Watch implements Store using collection snapshots. The first snapshot,
// which lists every existing document, is skipped.
func (s *FirestoreStore) Watch(ctx context.Context, collection string) (<-chan Change, error) {
	out := make(chan Change, watchBuffer)
	snaps := s.client.Collection(collection).Snapshots(ctx)

	go func() {
		defer close(out)
		defer snaps.Stop()

		first := true
		for {
			snap, err := snaps.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					s.log.Warn("collection watch ended",
						zap.String("collection", collection), zap.Error(err))
				}
				return
			}
			if first {
				first = false
				continue
			}
			for _, dc := range snap.Changes {
				c := Change{Collection: collection, ID: dc.Doc.Ref.ID}
				switch dc.Kind {
				case firestore.DocumentAdded:
					c.Kind = ChangeAdded
					c.Data = dc.Doc.Data()
				case firestore.DocumentModified:
					c.Kind = ChangeModified
					c.Data = dc.Doc.Data()
				case firestore.DocumentRemoved:
					c.Kind = ChangeRemoved
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Store.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
