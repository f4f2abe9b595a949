// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/erimtech/internal/util"
)

const (
	// MaxMessages caps a conversation's history. Older messages are pruned.
	MaxMessages = 1000

	// MaxNameLength is the rune limit for names derived from the first message.
	MaxNameLength = 50
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an ordered list of messages bound to one feature.
type Conversation struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Feature   Feature    `json:"feature"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Named is set once the user or the first message has given the
	// conversation a real name.
	Named bool `json:"named,omitempty"`
}

// NewConversation creates an empty conversation for feature.
func NewConversation(feature Feature) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		Name:      DefaultName(feature),
		Feature:   feature,
		Messages:  make([]*Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultName is the name a conversation has before anyone names it.
func DefaultName(feature Feature) string {
	return "New " + feature.Info().Name
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends msg, names the conversation after the first user
// message if it has no name yet, and prunes history beyond MaxMessages.
func (c *Conversation) AddMessage(msg *Message) {
	if msg == nil {
		return
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()

	if !c.Named && msg.Sender == SenderUser {
		if name := util.TruncateString(util.FirstLine(strings.TrimSpace(msg.Text)), MaxNameLength); name != "" {
			c.Name = name
			c.Named = true
		}
	}

	if len(c.Messages) > MaxMessages {
		c.Messages = c.Messages[len(c.Messages)-MaxMessages:]
	}
}

// Rename sets an explicit name.
func (c *Conversation) Rename(name string) {
	c.Name = name
	c.Named = true
	c.UpdatedAt = time.Now()
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty reports whether the conversation has no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// Preview returns the first user message truncated to maxRunes.
func (c *Conversation) Preview(maxRunes int) string {
	for _, m := range c.Messages {
		if m.Sender == SenderUser {
			return util.TruncateString(util.FirstLine(m.Text), maxRunes)
		}
	}
	return ""
}

// Clone returns a deep copy that shares no mutable state with c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m.Clone()
	}
	return &cp
}
