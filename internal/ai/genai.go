// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// =============================================================================
// GOOGLE GENAI GENERATOR
// =============================================================================

// GenAI is a Generator backed by the Gemini API.
type GenAI struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// NewGenAI creates a Gemini client. apiKey is required.
func NewGenAI(ctx context.Context, apiKey, model string, timeout time.Duration, log *zap.Logger) (*GenAI, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAI{
		client:  client,
		model:   model,
		timeout: timeout,
		log:     log.Named("genai"),
	}, nil
}

// Model returns the configured model id.
func (g *GenAI) Model() string {
	return g.model
}

// Generate implements Generator. The reply is constrained to JSON matching
// req.Schema.
func (g *GenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		switch {
		case p.Data != nil:
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: p.MIMEType, Data: p.Data}})
		case p.FileURI != "":
			parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: p.FileURI, MIMEType: p.MIMEType}})
		default:
			parts = append(parts, &genai.Part{Text: p.Text})
		}
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   toGenAISchema(req.Schema),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		g.log.Warn("generate failed",
			zap.String("flow", req.Flow),
			zap.String("model", g.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("generate content: %w", err)
	}

	out := &Response{JSON: strings.TrimSpace(resp.Text()), Model: g.model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	g.log.Debug("generate complete",
		zap.String("flow", req.Flow),
		zap.String("model", g.model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func toGenAISchema(s Schema) *genai.Schema {
	if len(s.Fields) == 0 {
		return nil
	}
	return objectSchema(s.Fields)
}

func objectSchema(fields []Field) *genai.Schema {
	props := make(map[string]*genai.Schema, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f.Fields) > 0 {
			sub := objectSchema(f.Fields)
			sub.Description = f.Description
			props[f.Name] = sub
		} else {
			props[f.Name] = &genai.Schema{Type: genai.TypeString, Description: f.Description}
		}
		required = append(required, f.Name)
	}
	return &genai.Schema{Type: genai.TypeObject, Properties: props, Required: required}
}
