// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch turns one user submission into a flow call and the
// resulting chat messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/ai"
	"github.com/jeranaias/erimtech/internal/model"
	"github.com/jeranaias/erimtech/internal/util"
)

var (
	// ErrEmptyRequest is returned when a request carries no input at all.
	ErrEmptyRequest = errors.New("request has no input, file, URL or code")

	// ErrFeatureDisabled is returned when an operator has switched the
	// requested feature off.
	ErrFeatureDisabled = errors.New("feature is disabled")

	// ErrInvalidFeature is returned for unknown features.
	ErrInvalidFeature = errors.New("Invalid feature selected.")

	// ErrInvalidAttachment wraps attachment type mismatches.
	ErrInvalidAttachment = errors.New("invalid attachment")
)

// FlowRunner is the set of AI flows the dispatcher calls. *ai.Flows
// implements it.
type FlowRunner interface {
	GenerateChatResponse(ctx context.Context, in ai.ChatInput) (*ai.ChatOutput, error)
	ExplainCode(ctx context.Context, in ai.CodeInput) (*ai.CodeOutput, error)
	AnalyzeImage(ctx context.Context, in ai.ImageInput) (*ai.ImageOutput, error)
	TranscribeAudio(ctx context.Context, in ai.AudioInput) (*ai.AudioOutput, error)
	SummarizeVideo(ctx context.Context, in ai.VideoInput) (*ai.VideoOutput, error)
}

// FeatureGate reports whether a feature is switched on.
type FeatureGate interface {
	Enabled(ctx context.Context, f model.Feature) (bool, error)
}

// Appender stores messages on a conversation. *conversation.Manager
// implements it.
type Appender interface {
	Append(id string, msgs ...*model.Message) (*model.Conversation, error)
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is one submission from a chat surface.
type Request struct {
	Feature  model.Feature `json:"feature"`
	Input    string        `json:"input,omitempty"`
	Code     string        `json:"code,omitempty"`
	Language string        `json:"language,omitempty"`
	URL      string        `json:"url,omitempty"`
	File     *Attachment   `json:"file,omitempty"`
}

// UserText returns the text shown in the user's bubble: the typed input,
// then "Analyzing <file>", then the URL, then the code.
func UserText(req Request) (string, error) {
	switch {
	case strings.TrimSpace(req.Input) != "":
		return util.NormalizeText(req.Input), nil
	case req.File != nil:
		return "Analyzing " + req.File.Name, nil
	case strings.TrimSpace(req.URL) != "":
		return strings.TrimSpace(req.URL), nil
	case strings.TrimSpace(req.Code) != "":
		return req.Code, nil
	}
	return "", ErrEmptyRequest
}

// language returns the request's language, normalized, or the default.
func (r Request) language() string {
	if strings.TrimSpace(r.Language) == "" {
		return model.DefaultLanguage
	}
	return model.NormalizeLanguage(r.Language)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher routes requests to flows.
type Dispatcher struct {
	flows FlowRunner
	gate  FeatureGate
	log   *zap.Logger
}

// New creates a Dispatcher. gate may be nil, in which case every feature is
// enabled.
func New(flows FlowRunner, gate FeatureGate, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{flows: flows, gate: gate, log: log.Named("dispatch")}
}

// Check validates a request without calling any flow: the feature must be
// known and enabled, the request non-empty and any attachment of the right
// kind.
func (d *Dispatcher) Check(ctx context.Context, req Request) error {
	if !req.Feature.Valid() {
		return ErrInvalidFeature
	}
	if d.gate != nil {
		on, err := d.gate.Enabled(ctx, req.Feature)
		if err != nil {
			return fmt.Errorf("check feature toggle: %w", err)
		}
		if !on {
			return fmt.Errorf("%w: %s", ErrFeatureDisabled, req.Feature.Info().Name)
		}
	}
	if _, err := UserText(req); err != nil {
		return err
	}
	return ValidateAttachment(req.Feature, req.File)
}

// Dispatch runs the flow for req and returns the AI message. Missing
// inputs and flow failures come back as errors whose text is suitable for
// an error bubble.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*model.Message, error) {
	if err := d.Check(ctx, req); err != nil {
		return nil, err
	}
	userText, _ := UserText(req)
	lang := req.language()

	switch req.Feature {
	case model.FeatureChat:
		out, err := d.flows.GenerateChatResponse(ctx, ai.ChatInput{Prompt: userText, URL: strings.TrimSpace(req.URL)})
		if err != nil {
			return nil, err
		}
		return model.NewAIMessage(out.Response, model.TypeText, nil), nil

	case model.FeatureCodeGeneration:
		out, err := d.flows.ExplainCode(ctx, ai.CodeInput{
			Code:     fmt.Sprintf("Generate %s code for: %s", lang, req.Code),
			Language: lang,
		})
		if err != nil {
			return nil, err
		}
		return codeMessage(out.Explanation, lang), nil

	case model.FeatureCodeExplanation:
		out, err := d.flows.ExplainCode(ctx, ai.CodeInput{Code: req.Code, Language: lang})
		if err != nil {
			return nil, err
		}
		return codeMessage(out.Explanation, lang), nil

	case model.FeatureImageAnalysis:
		if req.File == nil {
			return nil, errors.New("No image file provided for analysis.")
		}
		uri := req.File.DataURI()
		out, err := d.flows.AnalyzeImage(ctx, ai.ImageInput{PhotoDataURI: uri})
		if err != nil {
			return nil, err
		}
		desc := out.AnalysisResult.Description
		return model.NewAIMessage(desc, model.TypeImageAnalysis, map[string]any{
			model.DataImageURL:    uri,
			model.DataDescription: desc,
		}), nil

	case model.FeatureAudioTranscription:
		if req.File == nil {
			return nil, errors.New("No audio file provided for transcription.")
		}
		out, err := d.flows.TranscribeAudio(ctx, ai.AudioInput{AudioDataURI: req.File.DataURI()})
		if err != nil {
			return nil, err
		}
		return model.NewAIMessage(out.Transcription, model.TypeAudioTranscription, nil), nil

	case model.FeatureVideoSummarization:
		url := strings.TrimSpace(req.URL)
		if url == "" {
			return nil, errors.New("No video URL provided for summarization.")
		}
		out, err := d.flows.SummarizeVideo(ctx, ai.VideoInput{VideoURL: url})
		if err != nil {
			return nil, err
		}
		return model.NewAIMessage(out.Summary, model.TypeVideoSummary, nil), nil

	case model.FeatureURLAnalysis:
		url := strings.TrimSpace(req.URL)
		if url == "" {
			return nil, errors.New("No URL provided for analysis.")
		}
		out, err := d.flows.GenerateChatResponse(ctx, ai.ChatInput{
			Prompt: "Summarize and analyze the content of this URL: " + url,
			URL:    url,
		})
		if err != nil {
			return nil, err
		}
		return model.NewAIMessage(out.Response, model.TypeURLAnalysis, nil), nil
	}
	return nil, ErrInvalidFeature
}

// codeMessage carries the explanation both as text and as the code payload.
func codeMessage(explanation, lang string) *model.Message {
	return model.NewAIMessage(explanation, model.TypeCode, map[string]any{
		model.DataLanguage: lang,
		model.DataCode:     explanation,
	})
}

// Exchange records a full round trip on conversation convID: the user's
// message, then either the AI reply or an error bubble. Requests that fail
// Check are rejected before anything is stored. Flow failures never surface
// as an error; they become the returned error bubble.
func (d *Dispatcher) Exchange(ctx context.Context, convs Appender, convID string, req Request) (user, reply *model.Message, err error) {
	if err := d.Check(ctx, req); err != nil {
		return nil, nil, err
	}
	text, _ := UserText(req)
	user = model.NewUserMessage(text)
	if _, err := convs.Append(convID, user); err != nil {
		return nil, nil, err
	}

	reply, err = d.Dispatch(ctx, req)
	if err != nil {
		d.log.Warn("flow failed",
			zap.String("feature", string(req.Feature)),
			zap.String("conversation", convID),
			zap.Error(err))
		reply = model.NewErrorMessage(err.Error())
	}
	if _, err := convs.Append(convID, reply); err != nil {
		return user, nil, err
	}
	return user, reply, nil
}
