// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
)

// =============================================================================
// FEATURE
// =============================================================================

// Feature is one of the AI capabilities a conversation can be bound to.
type Feature string

const (
	FeatureChat               Feature = "chat"
	FeatureCodeGeneration     Feature = "code_generation"
	FeatureCodeExplanation    Feature = "code_explanation"
	FeatureImageAnalysis      Feature = "image_analysis"
	FeatureAudioTranscription Feature = "audio_transcription"
	FeatureVideoSummarization Feature = "video_summarization"
	FeatureURLAnalysis        Feature = "url_analysis"
)

// FeatureInfo describes how a feature is presented and what input it needs.
type FeatureInfo struct {
	Name               string
	Placeholder        string
	Description        string
	RequiresFileUpload bool
	RequiresURL        bool
	RequiresCodeInput  bool
}

// Features lists every feature in menu order.
var Features = []Feature{
	FeatureChat,
	FeatureCodeGeneration,
	FeatureCodeExplanation,
	FeatureImageAnalysis,
	FeatureAudioTranscription,
	FeatureVideoSummarization,
	FeatureURLAnalysis,
}

var featureInfo = map[Feature]FeatureInfo{
	FeatureChat: {
		Name:        "AI Chat",
		Placeholder: "Ask ERIMTECH AI anything...",
		Description: "General purpose conversation with optional URL context.",
	},
	FeatureCodeGeneration: {
		Name:              "Generate Code",
		Placeholder:       "Describe the code you want to generate...",
		Description:       "Generate code in a chosen language from a description.",
		RequiresCodeInput: true,
	},
	FeatureCodeExplanation: {
		Name:              "Explain Code",
		Placeholder:       "Paste code here to get an explanation...",
		Description:       "Explain what a code snippet does and how it works.",
		RequiresCodeInput: true,
	},
	FeatureImageAnalysis: {
		Name:               "Analyze Image",
		Placeholder:        "Upload an image to analyze...",
		Description:        "Describe the content of an uploaded image.",
		RequiresFileUpload: true,
	},
	FeatureAudioTranscription: {
		Name:               "Transcribe Audio",
		Placeholder:        "Upload an audio file to transcribe...",
		Description:        "Transcribe speech from an uploaded audio file.",
		RequiresFileUpload: true,
	},
	FeatureVideoSummarization: {
		Name:        "Summarize Video",
		Placeholder: "Enter video URL to summarize...",
		Description: "Summarize a video from its URL.",
		RequiresURL: true,
	},
	FeatureURLAnalysis: {
		Name:        "Analyze URL",
		Placeholder: "Enter URL to analyze its content...",
		Description: "Summarize and analyze the content of a web page.",
		RequiresURL: true,
	},
}

// Info returns the presentation data for f. Unknown features get a zero
// FeatureInfo with Name set to the raw value.
func (f Feature) Info() FeatureInfo {
	if info, ok := featureInfo[f]; ok {
		return info
	}
	return FeatureInfo{Name: string(f)}
}

// Valid reports whether f is a known feature.
func (f Feature) Valid() bool {
	_, ok := featureInfo[f]
	return ok
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	return string(f)
}

// ParseFeature accepts a feature id ("code_generation") or a loose form
// ("code-generation", "Code Generation").
func ParseFeature(s string) (Feature, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	f := Feature(key)
	if !f.Valid() {
		return "", fmt.Errorf("unknown feature %q", s)
	}
	return f, nil
}

// =============================================================================
// LANGUAGES
// =============================================================================

// DefaultLanguage is used when no language is selected.
const DefaultLanguage = "javascript"

// Languages are the code languages offered for generation and explanation.
var Languages = []string{
	"javascript", "python", "java", "csharp", "cpp", "php",
	"ruby", "go", "swift", "typescript", "other",
}

// NormalizeLanguage lower-cases lang and maps unknown values to "other".
// An empty lang yields DefaultLanguage.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return DefaultLanguage
	}
	switch lang {
	case "js":
		return "javascript"
	case "py":
		return "python"
	case "c#", "cs":
		return "csharp"
	case "c++":
		return "cpp"
	case "ts":
		return "typescript"
	case "golang":
		return "go"
	}
	for _, l := range Languages {
		if l == lang {
			return l
		}
	}
	return "other"
}
