// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured indicates no model API key is set.
	ErrNotConfigured = errors.New("generative model API key not configured")

	// ErrNoOutput indicates the model returned nothing usable for the
	// requested schema.
	ErrNoOutput = errors.New("model produced no output")
)

// =============================================================================
// GENERATOR
// =============================================================================

// Generator sends one structured request to a hosted model and returns its
// JSON reply.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is a single prompt with an output schema.
type Request struct {
	// Flow names the caller for logs and usage accounting.
	Flow string

	System string
	Parts  []Part
	Schema Schema
}

// Part is one piece of user content. Exactly one of Text, Data or FileURI is
// set.
type Part struct {
	Text     string
	Data     []byte
	FileURI  string
	MIMEType string
}

// TextPart returns a text Part.
func TextPart(s string) Part { return Part{Text: s} }

// BlobPart returns an inline-data Part.
func BlobPart(mime string, data []byte) Part { return Part{MIMEType: mime, Data: data} }

// URIPart returns a Part that references remote media by URI.
func URIPart(mime, uri string) Part { return Part{MIMEType: mime, FileURI: uri} }

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the model's raw JSON reply.
type Response struct {
	JSON  string
	Usage Usage
	Model string
}

// UsageRecorder receives token usage after every successful call.
type UsageRecorder interface {
	RecordUsage(flow string, u Usage)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
