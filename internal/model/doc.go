// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// # Key Types
//
//   - Conversation: an ordered list of messages bound to one Feature
//   - Message: a single chat bubble with sender, type tag and optional data
//   - Feature: the AI capability a conversation uses, with its FeatureInfo
//   - Sender, MessageType: message enumerations
//
// # Usage
//
//	conv := model.NewConversation(model.FeatureChat)
//	conv.AddMessage(model.NewUserMessage("Hello!"))
//	conv.AddMessage(model.NewAIMessage("Hi there.", model.TypeText, nil))
package model
