// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package docstore provides the collection/document database behind users,
// API keys, usage, media, logs and feature toggles.
//
// # Key Types
//
//   - Store: Get, Set, Update (merge), Delete, Query and Watch on collections
//   - SQLiteStore: the default single-file backend (modernc.org/sqlite)
//   - FirestoreStore: Cloud Firestore backend
//   - Query, Filter: equality filters, one order-by field, limit
//   - Change: a document change delivered by Watch
//
// # Usage
//
//	store, err := docstore.Open(ctx, cfg.Store, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	docs, err := store.Query(ctx, docstore.APILogs, docstore.Query{
//	    OrderBy: "timestamp", Desc: true, Limit: 100,
//	})
package docstore
