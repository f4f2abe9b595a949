// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SENDER
// =============================================================================

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// DisplayName returns a human-readable name for the sender.
func (s Sender) DisplayName() string {
	switch s {
	case SenderUser:
		return "You"
	case SenderAI:
		return "ERIMTECH AI"
	default:
		return string(s)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// MessageType tags how a message's text should be rendered.
type MessageType string

const (
	TypeText               MessageType = "text"
	TypeCode               MessageType = "code"
	TypeImageAnalysis      MessageType = "image_analysis"
	TypeAudioTranscription MessageType = "audio_transcription"
	TypeVideoSummary       MessageType = "video_summary"
	TypeURLAnalysis        MessageType = "url_analysis"
	TypeError              MessageType = "error"
)

// Data keys used in Message.Data by the dispatcher and the renderers.
const (
	DataLanguage    = "language"
	DataCode        = "code"
	DataImageURL    = "imageUrl"
	DataDescription = "description"
)

// =============================================================================
// MESSAGE
// =============================================================================

// Message is a single chat bubble.
type Message struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Sender    Sender         `json:"sender"`
	Type      MessageType    `json:"type,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID and the current time.
func NewMessage(sender Sender, text string, typ MessageType, data map[string]any) *Message {
	if typ == "" {
		typ = TypeText
	}
	return &Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a plain text message from the user.
func NewUserMessage(text string) *Message {
	return NewMessage(SenderUser, text, TypeText, nil)
}

// NewAIMessage creates a reply from the assistant.
func NewAIMessage(text string, typ MessageType, data map[string]any) *Message {
	return NewMessage(SenderAI, text, typ, data)
}

// NewErrorMessage creates the error bubble shown when a request fails.
func NewErrorMessage(text string) *Message {
	if text == "" {
		text = "An error occurred while processing your request."
	}
	return NewMessage(SenderAI, text, TypeError, nil)
}

// IsError reports whether the message is an error bubble.
func (m *Message) IsError() bool {
	return m.Type == TypeError
}

// DataString returns a string value from Data, or "" when absent.
func (m *Message) DataString(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}

// Clone returns a copy of the message. Data is copied one level deep.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Data != nil {
		c.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			c.Data[k] = v
		}
	}
	return &c
}
