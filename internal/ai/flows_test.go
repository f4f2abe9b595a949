// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedGenerator returns a fixed reply and records the last request.
type scriptedGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	last  Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req Request) (*Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = req
	if g.err != nil {
		return nil, g.err
	}
	return &Response{JSON: g.reply, Usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

type stubFetcher struct {
	content string
	err     error
}

func (f stubFetcher) Fetch(context.Context, string) (string, error) {
	return f.content, f.err
}

type usageSink struct {
	flows []string
	total int
}

func (u *usageSink) RecordUsage(flow string, usage Usage) {
	u.flows = append(u.flows, flow)
	u.total += usage.TotalTokens
}

func newFlows(t *testing.T, gen Generator, opts ...Option) *Flows {
	t.Helper()
	opts = append(opts, WithLogger(zaptest.NewLogger(t)))
	f, err := NewFlows(gen, opts...)
	require.NoError(t, err)
	return f
}

// =============================================================================
// CHAT FLOW TESTS
// =============================================================================

func TestGenerateChatResponse(t *testing.T) {
	gen := &scriptedGenerator{reply: `{"response":"Hello there"}`}
	usage := &usageSink{}
	f := newFlows(t, gen, WithUsageRecorder(usage))

	out, err := f.GenerateChatResponse(context.Background(), ChatInput{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out.Response)

	assert.Equal(t, FlowChat, gen.last.Flow)
	assert.Contains(t, gen.last.System, "helpful AI assistant")
	require.Len(t, gen.last.Parts, 1)
	assert.Equal(t, "Prompt: hi", gen.last.Parts[0].Text)
	assert.Equal(t, []string{FlowChat}, usage.flows)
	assert.Equal(t, 15, usage.total)
}

func TestGenerateChatResponse_WithURL(t *testing.T) {
	gen := &scriptedGenerator{reply: `{"response":"summary"}`}
	f := newFlows(t, gen, WithFetcher(stubFetcher{content: "PAGE BODY"}))

	_, err := f.GenerateChatResponse(context.Background(), ChatInput{Prompt: "what is this", URL: "https://example.com"})
	require.NoError(t, err)

	text := gen.last.Parts[0].Text
	assert.Contains(t, text, "URL: https://example.com")
	assert.Contains(t, text, "PAGE BODY")
	assert.Contains(t, text, "Prompt: what is this")
}

func TestGenerateChatResponse_FetchErrorIsGivenToModel(t *testing.T) {
	gen := &scriptedGenerator{reply: `{"response":"could not read it"}`}
	f := newFlows(t, gen, WithFetcher(stubFetcher{err: errors.New("status 404")}))

	out, err := f.GenerateChatResponse(context.Background(), ChatInput{Prompt: "x", URL: "https://example.com/missing"})
	require.NoError(t, err)
	assert.Equal(t, "could not read it", out.Response)
	assert.Contains(t, gen.last.Parts[0].Text, "Error fetching content from https://example.com/missing: status 404")
}

// =============================================================================
// OUTPUT VALIDATION TESTS
// =============================================================================

func TestFlows_NoOutput(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"empty", ""},
		{"not json", "sorry, I can't"},
		{"missing field", `{"other":"x"}`},
		{"blank field", `{"explanation":"   "}`},
		{"wrong type", `{"explanation":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlows(t, &scriptedGenerator{reply: tt.reply})
			_, err := f.ExplainCode(context.Background(), CodeInput{Code: "x := 1", Language: "go"})
			require.Error(t, err)
			assert.Equal(t, "Code explanation failed to produce an output.", err.Error())
			assert.ErrorIs(t, err, ErrNoOutput)

			var fe *FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, FlowCodeExplanation, fe.Flow)
		})
	}
}

func TestFlows_FencedJSONAccepted(t *testing.T) {
	f := newFlows(t, &scriptedGenerator{reply: "```json\n{\"explanation\":\"adds one\"}\n```"})
	out, err := f.ExplainCode(context.Background(), CodeInput{Code: "x+1", Language: "go"})
	require.NoError(t, err)
	assert.Equal(t, "adds one", out.Explanation)
}

func TestFlows_GeneratorError(t *testing.T) {
	f := newFlows(t, &scriptedGenerator{err: errors.New("quota exhausted")})
	_, err := f.SummarizeVideo(context.Background(), VideoInput{VideoURL: "https://vimeo.com/1"})
	require.Error(t, err)
	assert.Equal(t, "Video summarization failed: quota exhausted", err.Error())
	assert.NotErrorIs(t, err, ErrNoOutput)
}

// =============================================================================
// MEDIA FLOW TESTS
// =============================================================================

func TestAnalyzeImage(t *testing.T) {
	gen := &scriptedGenerator{reply: `{"analysisResult":{"description":"A cat on a mat."}}`}
	f := newFlows(t, gen)

	uri := EncodeDataURI("image/png", []byte{0x89, 'P', 'N', 'G'})
	out, err := f.AnalyzeImage(context.Background(), ImageInput{PhotoDataURI: uri})
	require.NoError(t, err)
	assert.Equal(t, "A cat on a mat.", out.AnalysisResult.Description)

	require.Len(t, gen.last.Parts, 2)
	assert.Equal(t, "image/png", gen.last.Parts[1].MIMEType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, gen.last.Parts[1].Data)
}

func TestAnalyzeImage_NestedFieldRequired(t *testing.T) {
	f := newFlows(t, &scriptedGenerator{reply: `{"analysisResult":{}}`})
	_, err := f.AnalyzeImage(context.Background(), ImageInput{PhotoDataURI: EncodeDataURI("image/jpeg", []byte("x"))})
	require.Error(t, err)
	assert.Equal(t, "Image analysis failed to produce an output.", err.Error())
}

func TestAnalyzeImage_RejectsWrongMedia(t *testing.T) {
	f := newFlows(t, &scriptedGenerator{reply: `{}`})
	_, err := f.AnalyzeImage(context.Background(), ImageInput{PhotoDataURI: EncodeDataURI("audio/mpeg", []byte("x"))})
	assert.ErrorIs(t, err, ErrInvalidDataURI)
}

func TestTranscribeAudio(t *testing.T) {
	gen := &scriptedGenerator{reply: `{"transcription":"hello world"}`}
	f := newFlows(t, gen)
	out, err := f.TranscribeAudio(context.Background(), AudioInput{AudioDataURI: EncodeDataURI("audio/wav", []byte("RIFF"))})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.Transcription)
	assert.Equal(t, "audio/wav", gen.last.Parts[1].MIMEType)
}

func TestSummarizeVideo_YouTubeAttachesMedia(t *testing.T) {
	gen := &scriptedGenerator{reply: `{"summary":"A talk about Go."}`}
	f := newFlows(t, gen)

	_, err := f.SummarizeVideo(context.Background(), VideoInput{VideoURL: "https://www.youtube.com/watch?v=abc"})
	require.NoError(t, err)
	require.Len(t, gen.last.Parts, 2)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", gen.last.Parts[1].FileURI)
	assert.True(t, strings.Contains(gen.last.Parts[0].Text, "Video URL: https://www.youtube.com/watch?v=abc"))

	_, err = f.SummarizeVideo(context.Background(), VideoInput{VideoURL: "https://example.com/v.mp4"})
	require.NoError(t, err)
	assert.Len(t, gen.last.Parts, 1)
}

// =============================================================================
// CATALOG TESTS
// =============================================================================

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	p, err := c.Get(PromptCodeExplanation)
	require.NoError(t, err)
	text, err := p.Render(CodeInput{Code: "print(1)", Language: "python"})
	require.NoError(t, err)
	assert.Contains(t, text, "```python\nprint(1)\n```")

	_, err = c.Get("nope")
	assert.Error(t, err)
}

func TestParseCatalog_MissingPrompt(t *testing.T) {
	_, err := ParseCatalog([]byte("chat:\n  system: x\n  template: y\n"))
	assert.ErrorContains(t, err, "missing")
}

func TestNewFlows_RequiresGenerator(t *testing.T) {
	_, err := NewFlows(nil)
	assert.Error(t, err)
}
