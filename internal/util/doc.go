// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across erimtech.
//
// # Key Functions
//
// String Utilities:
//   - TruncateString: UTF-8 safe truncation with ellipsis
//   - FirstLine: the text before the first newline
//   - NormalizeText: NFC normalisation of user input
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	name := util.TruncateString(firstMessage, 50)
//	err := util.AtomicWriteFile(path, data, 0o600)
package util
