// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation holds chat conversations in memory and optionally
// persists them to a bbolt database.
//
// # Managers
//
// A Manager owns the conversations of one user. Every value it returns is a
// deep clone, so callers can read and modify results freely:
//
//	m := conversation.NewManager(nil, 200, log)
//	conv, _ := m.Create(model.FeatureChat)
//	conv, _ = m.Append(conv.ID, model.NewUserMessage("hello"))
//
// # Persistence
//
// A Store receives every mutation. BoltStore keeps one JSON value per
// conversation inside a per-owner bucket, and Manager.Load restores the
// in-memory state at start-up.
//
// # Registry
//
// The HTTP server serves many users at once. Registry lazily creates one
// Manager per owner, all sharing the same bbolt file.
package conversation
