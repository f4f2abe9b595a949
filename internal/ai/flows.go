// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Flow names used in logs, usage records and errors.
const (
	FlowChat               = "generateChatResponse"
	FlowCodeExplanation    = "explainCode"
	FlowImageAnalysis      = "analyzeImage"
	FlowAudioTranscription = "transcribeAudio"
	FlowVideoSummarization = "summarizeVideo"
)

// Output schemas for each flow.
var (
	ChatSchema = Schema{Fields: []Field{
		{Name: "response", Description: "The AI generated response."},
	}}
	CodeSchema = Schema{Fields: []Field{
		{Name: "explanation", Description: "The explanation of the code snippet."},
	}}
	ImageSchema = Schema{Fields: []Field{
		{Name: "analysisResult", Description: "The result of the image analysis.", Fields: []Field{
			{Name: "description", Description: "A description of the image."},
		}},
	}}
	AudioSchema = Schema{Fields: []Field{
		{Name: "transcription", Description: "The transcribed text from the audio."},
	}}
	VideoSchema = Schema{Fields: []Field{
		{Name: "summary", Description: "A summary of the video content."},
	}}
)

// noOutputMessages are the user-facing messages for a flow that returned
// nothing usable.
var noOutputMessages = map[string]string{
	FlowChat:               "Chat response failed to produce an output.",
	FlowCodeExplanation:    "Code explanation failed to produce an output.",
	FlowImageAnalysis:      "Image analysis failed to produce an output.",
	FlowAudioTranscription: "Audio transcription failed to produce an output.",
	FlowVideoSummarization: "Video summarization failed to produce an output.",
}

// FlowError is returned by every flow. Its message is suitable for showing
// to the user.
type FlowError struct {
	Flow    string
	Message string
	Err     error
}

func (e *FlowError) Error() string { return e.Message }

func (e *FlowError) Unwrap() error { return e.Err }

// =============================================================================
// FLOW INPUTS AND OUTPUTS
// =============================================================================

// ChatInput is the input to GenerateChatResponse.
type ChatInput struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url,omitempty"`
}

// ChatOutput is the output of GenerateChatResponse.
type ChatOutput struct {
	Response string `json:"response"`
}

// CodeInput is the input to ExplainCode.
type CodeInput struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// CodeOutput is the output of ExplainCode.
type CodeOutput struct {
	Explanation string `json:"explanation"`
}

// ImageInput is the input to AnalyzeImage.
type ImageInput struct {
	PhotoDataURI string `json:"photoDataUri"`
}

// ImageOutput is the output of AnalyzeImage.
type ImageOutput struct {
	AnalysisResult struct {
		Description string `json:"description"`
	} `json:"analysisResult"`
}

// AudioInput is the input to TranscribeAudio.
type AudioInput struct {
	AudioDataURI string `json:"audioDataUri"`
}

// AudioOutput is the output of TranscribeAudio.
type AudioOutput struct {
	Transcription string `json:"transcription"`
}

// VideoInput is the input to SummarizeVideo.
type VideoInput struct {
	VideoURL string `json:"videoUrl"`
}

// VideoOutput is the output of SummarizeVideo.
type VideoOutput struct {
	Summary string `json:"summary"`
}

// ContentFetcher retrieves readable text from a URL.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// =============================================================================
// FLOWS
// =============================================================================

// Flows runs the named prompt flows against a Generator.
type Flows struct {
	gen     Generator
	prompts *Catalog
	fetcher ContentFetcher
	usage   UsageRecorder
	log     *zap.Logger
}

// Option configures Flows.
type Option func(*Flows)

// WithFetcher sets the fetcher used for chat URLs.
func WithFetcher(f ContentFetcher) Option { return func(fl *Flows) { fl.fetcher = f } }

// WithUsageRecorder sets where token usage is reported.
func WithUsageRecorder(r UsageRecorder) Option { return func(fl *Flows) { fl.usage = r } }

// WithCatalog replaces the embedded prompt catalog.
func WithCatalog(c *Catalog) Option { return func(fl *Flows) { fl.prompts = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(fl *Flows) { fl.log = l } }

// NewFlows creates the flow runner.
func NewFlows(gen Generator, opts ...Option) (*Flows, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	f := &Flows{gen: gen, log: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	if f.prompts == nil {
		c, err := DefaultCatalog()
		if err != nil {
			return nil, err
		}
		f.prompts = c
	}
	f.log = f.log.Named("flows")
	return f, nil
}

// GenerateChatResponse answers a prompt, optionally grounded in the content
// of a URL. A URL that cannot be fetched does not fail the flow; the fetch
// error is given to the model in place of the content.
func (f *Flows) GenerateChatResponse(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	data := struct {
		Prompt, URL, Content string
	}{Prompt: in.Prompt, URL: in.URL}

	if in.URL != "" {
		data.Content = f.fetchContent(ctx, in.URL)
	}

	var out ChatOutput
	if err := f.run(ctx, FlowChat, PromptChat, data, nil, ChatSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *Flows) fetchContent(ctx context.Context, rawURL string) string {
	if f.fetcher == nil {
		return fmt.Sprintf("Error fetching content from %s: fetching is disabled", rawURL)
	}
	content, err := f.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		f.log.Info("url fetch failed", zap.String("url", rawURL), zap.Error(err))
		return fmt.Sprintf("Error fetching content from %s: %v", rawURL, err)
	}
	return content
}

// ExplainCode explains a code snippet. The code generation feature reuses
// this flow with a "Generate <lang> code for: ..." instruction as the code.
func (f *Flows) ExplainCode(ctx context.Context, in CodeInput) (*CodeOutput, error) {
	var out CodeOutput
	if err := f.run(ctx, FlowCodeExplanation, PromptCodeExplanation, in, nil, CodeSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeImage describes an image given as a data URI.
func (f *Flows) AnalyzeImage(ctx context.Context, in ImageInput) (*ImageOutput, error) {
	part, err := mediaPart(in.PhotoDataURI, "image/")
	if err != nil {
		return nil, &FlowError{Flow: FlowImageAnalysis, Message: err.Error(), Err: err}
	}
	var out ImageOutput
	if err := f.run(ctx, FlowImageAnalysis, PromptImageAnalysis, in, []Part{part}, ImageSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TranscribeAudio transcribes speech from an audio data URI.
func (f *Flows) TranscribeAudio(ctx context.Context, in AudioInput) (*AudioOutput, error) {
	part, err := mediaPart(in.AudioDataURI, "audio/")
	if err != nil {
		return nil, &FlowError{Flow: FlowAudioTranscription, Message: err.Error(), Err: err}
	}
	var out AudioOutput
	if err := f.run(ctx, FlowAudioTranscription, PromptAudioTranscription, in, []Part{part}, AudioSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SummarizeVideo summarizes a video. YouTube links are passed to the model as
// media so it can watch them; other URLs are given as text only.
func (f *Flows) SummarizeVideo(ctx context.Context, in VideoInput) (*VideoOutput, error) {
	var extra []Part
	if IsYouTubeURL(in.VideoURL) {
		extra = append(extra, URIPart("video/*", in.VideoURL))
	}
	var out VideoOutput
	if err := f.run(ctx, FlowVideoSummarization, PromptVideoSummarization, in, extra, VideoSchema, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *Flows) run(ctx context.Context, flow, promptName string, data any, extra []Part, schema Schema, dst any) error {
	prompt, err := f.prompts.Get(promptName)
	if err != nil {
		return &FlowError{Flow: flow, Message: noOutputMessages[flow], Err: err}
	}
	text, err := prompt.Render(data)
	if err != nil {
		return &FlowError{Flow: flow, Message: noOutputMessages[flow], Err: fmt.Errorf("render prompt: %w", err)}
	}

	parts := append([]Part{TextPart(text)}, extra...)
	resp, err := f.gen.Generate(ctx, Request{Flow: flow, System: prompt.System, Parts: parts, Schema: schema})
	if err != nil {
		msg := strings.TrimSuffix(noOutputMessages[flow], " failed to produce an output.") + " failed: " + err.Error()
		return &FlowError{Flow: flow, Message: msg, Err: err}
	}
	if f.usage != nil {
		f.usage.RecordUsage(flow, resp.Usage)
	}

	if err := decodeOutput(resp.JSON, schema, dst); err != nil {
		f.log.Warn("flow produced no output", zap.String("flow", flow), zap.Error(err))
		return &FlowError{Flow: flow, Message: noOutputMessages[flow], Err: err}
	}
	return nil
}

func mediaPart(dataURI, wantPrefix string) (Part, error) {
	mime, data, err := ParseDataURI(dataURI)
	if err != nil {
		return Part{}, err
	}
	if !strings.HasPrefix(mime, wantPrefix) {
		return Part{}, fmt.Errorf("%w: expected %s* media, got %s", ErrInvalidDataURI, wantPrefix, mime)
	}
	return BlobPart(mime, data), nil
}

// IsYouTubeURL reports whether raw points at a YouTube video.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimPrefix(u.Hostname(), "www.")) {
	case "youtube.com", "m.youtube.com", "youtu.be", "music.youtube.com":
		return true
	}
	return false
}
