// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompt catalog keys.
const (
	PromptChat               = "chat"
	PromptCodeExplanation    = "code_explanation"
	PromptImageAnalysis      = "image_analysis"
	PromptAudioTranscription = "audio_transcription"
	PromptVideoSummarization = "video_summarization"
)

//go:embed prompts.yaml
var defaultPrompts []byte

type promptSpec struct {
	System   string `yaml:"system"`
	Template string `yaml:"template"`
}

// Prompt is a parsed catalog entry.
type Prompt struct {
	System string
	body   *template.Template
}

// Render executes the prompt body with data.
func (p *Prompt) Render(data any) (string, error) {
	var sb strings.Builder
	if err := p.body.Execute(&sb, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

// Catalog holds the prompts for every flow.
type Catalog struct {
	prompts map[string]*Prompt
}

// DefaultCatalog parses the embedded prompt catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultPrompts)
}

// ParseCatalog parses a YAML prompt catalog. Every flow key must be present.
func ParseCatalog(data []byte) (*Catalog, error) {
	var specs map[string]promptSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog: %w", err)
	}

	c := &Catalog{prompts: make(map[string]*Prompt, len(specs))}
	for name, spec := range specs {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(spec.Template)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
		c.prompts[name] = &Prompt{System: strings.TrimSpace(spec.System), body: tmpl}
	}

	for _, required := range []string{
		PromptChat, PromptCodeExplanation, PromptImageAnalysis,
		PromptAudioTranscription, PromptVideoSummarization,
	} {
		if _, ok := c.prompts[required]; !ok {
			return nil, fmt.Errorf("prompt catalog is missing %q", required)
		}
	}
	return c, nil
}

// Get returns the prompt named name.
func (c *Catalog) Get(name string) (*Prompt, error) {
	p, ok := c.prompts[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}
	return p, nil
}
