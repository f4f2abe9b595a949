// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

// SchemaVersion tracks the SQLite schema version for migrations.
const SchemaVersion = 1

// Schema is the SQLite layout. Every collection shares the documents table;
// seq preserves insertion order and breaks ties when ordering by a field.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS documents (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(collection, id)
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
`
