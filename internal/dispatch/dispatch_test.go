// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/erimtech/internal/ai"
	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/model"
)

// fakeFlows records inputs and returns canned outputs.
type fakeFlows struct {
	chat  []ai.ChatInput
	code  []ai.CodeInput
	image []ai.ImageInput
	audio []ai.AudioInput
	video []ai.VideoInput
	err   error
}

func (f *fakeFlows) GenerateChatResponse(_ context.Context, in ai.ChatInput) (*ai.ChatOutput, error) {
	f.chat = append(f.chat, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ChatOutput{Response: "chat:" + in.Prompt}, nil
}

func (f *fakeFlows) ExplainCode(_ context.Context, in ai.CodeInput) (*ai.CodeOutput, error) {
	f.code = append(f.code, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ai.CodeOutput{Explanation: "explained"}, nil
}

func (f *fakeFlows) AnalyzeImage(_ context.Context, in ai.ImageInput) (*ai.ImageOutput, error) {
	f.image = append(f.image, in)
	out := &ai.ImageOutput{}
	out.AnalysisResult.Description = "a cat"
	return out, f.err
}

func (f *fakeFlows) TranscribeAudio(_ context.Context, in ai.AudioInput) (*ai.AudioOutput, error) {
	f.audio = append(f.audio, in)
	return &ai.AudioOutput{Transcription: "hello world"}, f.err
}

func (f *fakeFlows) SummarizeVideo(_ context.Context, in ai.VideoInput) (*ai.VideoOutput, error) {
	f.video = append(f.video, in)
	return &ai.VideoOutput{Summary: "a talk"}, f.err
}

type gate map[model.Feature]bool

func (g gate) Enabled(_ context.Context, f model.Feature) (bool, error) {
	on, ok := g[f]
	return !ok || on, nil
}

var png = &Attachment{Name: "cat.png", MIMEType: "image/png", Data: []byte{1, 2, 3}}

func TestUserText(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"input wins", Request{Input: " hi ", URL: "https://x.test", File: png}, "hi"},
		{"file next", Request{URL: "https://x.test", File: png, Code: "x"}, "Analyzing cat.png"},
		{"url next", Request{URL: "https://x.test", Code: "x"}, "https://x.test"},
		{"code last", Request{Code: "x := 1"}, "x := 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UserText(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := UserText(Request{Input: "  "})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestValidateAttachment(t *testing.T) {
	wav := &Attachment{Name: "a.wav", MIMEType: "audio/wav"}

	assert.NoError(t, ValidateAttachment(model.FeatureImageAnalysis, png))
	assert.NoError(t, ValidateAttachment(model.FeatureAudioTranscription, wav))
	assert.NoError(t, ValidateAttachment(model.FeatureImageAnalysis, nil))

	err := ValidateAttachment(model.FeatureImageAnalysis, wav)
	assert.ErrorIs(t, err, ErrInvalidAttachment)
	assert.EqualError(t, err, "Please upload an image file.")

	err = ValidateAttachment(model.FeatureAudioTranscription, png)
	assert.EqualError(t, err, "Please upload an audio file.")
}

func TestDispatch_Routing(t *testing.T) {
	ctx := context.Background()
	flows := &fakeFlows{}
	d := New(flows, nil, zaptest.NewLogger(t))

	msg, err := d.Dispatch(ctx, Request{Feature: model.FeatureChat, Input: "hi", URL: "https://go.dev"})
	require.NoError(t, err)
	assert.Equal(t, model.TypeText, msg.Type)
	assert.Equal(t, model.SenderAI, msg.Sender)
	assert.Equal(t, ai.ChatInput{Prompt: "hi", URL: "https://go.dev"}, flows.chat[0])

	msg, err = d.Dispatch(ctx, Request{Feature: model.FeatureCodeGeneration, Code: "a web server", Language: "Golang"})
	require.NoError(t, err)
	assert.Equal(t, "Generate go code for: a web server", flows.code[0].Code)
	assert.Equal(t, model.TypeCode, msg.Type)
	assert.Equal(t, "go", msg.DataString(model.DataLanguage))
	assert.Equal(t, "explained", msg.DataString(model.DataCode))

	_, err = d.Dispatch(ctx, Request{Feature: model.FeatureCodeExplanation, Code: "x++"})
	require.NoError(t, err)
	assert.Equal(t, ai.CodeInput{Code: "x++", Language: "javascript"}, flows.code[1])

	msg, err = d.Dispatch(ctx, Request{Feature: model.FeatureImageAnalysis, File: png})
	require.NoError(t, err)
	assert.Equal(t, model.TypeImageAnalysis, msg.Type)
	assert.Equal(t, "data:image/png;base64,AQID", msg.DataString(model.DataImageURL))
	assert.Equal(t, "a cat", msg.DataString(model.DataDescription))

	msg, err = d.Dispatch(ctx, Request{Feature: model.FeatureAudioTranscription, File: &Attachment{Name: "a.mp3", MIMEType: "audio/mpeg", Data: []byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, model.TypeAudioTranscription, msg.Type)
	assert.Equal(t, "hello world", msg.Text)

	msg, err = d.Dispatch(ctx, Request{Feature: model.FeatureVideoSummarization, URL: "https://youtu.be/abc"})
	require.NoError(t, err)
	assert.Equal(t, model.TypeVideoSummary, msg.Type)

	msg, err = d.Dispatch(ctx, Request{Feature: model.FeatureURLAnalysis, URL: "https://go.dev"})
	require.NoError(t, err)
	assert.Equal(t, model.TypeURLAnalysis, msg.Type)
	assert.Equal(t, "Summarize and analyze the content of this URL: https://go.dev", flows.chat[1].Prompt)
}

func TestDispatch_MissingInputs(t *testing.T) {
	ctx := context.Background()
	d := New(&fakeFlows{}, nil, nil)

	tests := []struct {
		req  Request
		want string
	}{
		{Request{Feature: model.FeatureImageAnalysis, Input: "look"}, "No image file provided for analysis."},
		{Request{Feature: model.FeatureAudioTranscription, Input: "listen"}, "No audio file provided for transcription."},
		{Request{Feature: model.FeatureVideoSummarization, Input: "watch"}, "No video URL provided for summarization."},
		{Request{Feature: model.FeatureURLAnalysis, Input: "read"}, "No URL provided for analysis."},
		{Request{Feature: "telepathy", Input: "?"}, "Invalid feature selected."},
	}
	for _, tt := range tests {
		_, err := d.Dispatch(ctx, tt.req)
		assert.EqualError(t, err, tt.want)
	}

	_, err := d.Dispatch(ctx, Request{Feature: model.FeatureChat})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestDispatch_FeatureDisabled(t *testing.T) {
	flows := &fakeFlows{}
	d := New(flows, gate{model.FeatureChat: false}, nil)

	_, err := d.Dispatch(context.Background(), Request{Feature: model.FeatureChat, Input: "hi"})
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	assert.Empty(t, flows.chat)

	_, err = d.Dispatch(context.Background(), Request{Feature: model.FeatureCodeExplanation, Code: "x"})
	assert.NoError(t, err)
}

func TestExchange(t *testing.T) {
	ctx := context.Background()
	convs := conversation.NewManager(nil, 0, nil)
	conv, err := convs.Create(model.FeatureChat)
	require.NoError(t, err)

	flows := &fakeFlows{}
	d := New(flows, nil, zaptest.NewLogger(t))

	user, reply, err := d.Exchange(ctx, convs, conv.ID, Request{Feature: model.FeatureChat, Input: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", user.Text)
	assert.Equal(t, "chat:hello", reply.Text)

	flows.err = &ai.FlowError{Flow: ai.FlowChat, Message: "Chat response failed to produce an output.", Err: ai.ErrNoOutput}
	_, reply, err = d.Exchange(ctx, convs, conv.ID, Request{Feature: model.FeatureChat, Input: "again"})
	require.NoError(t, err)
	assert.True(t, reply.IsError())
	assert.Equal(t, "Chat response failed to produce an output.", reply.Text)

	got, err := convs.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "hello", got.Name)
	assert.True(t, got.Messages[3].IsError())

	// Validation failures store nothing.
	_, _, err = d.Exchange(ctx, convs, conv.ID, Request{Feature: model.FeatureImageAnalysis, File: &Attachment{Name: "a.txt", MIMEType: "text/plain"}})
	assert.ErrorIs(t, err, ErrInvalidAttachment)
	got, _ = convs.Get(conv.ID)
	assert.Len(t, got.Messages, 4)

	_, _, err = d.Exchange(ctx, convs, "missing", Request{Feature: model.FeatureChat, Input: "x"})
	assert.True(t, errors.Is(err, conversation.ErrConversationNotFound))
}

func TestLoadAttachment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))

	a, err := LoadAttachment(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "photo.png", a.Name)
	assert.Equal(t, "image/png", a.MIMEType)
	assert.Equal(t, 12, a.Size())

	_, err = LoadAttachment(path, 4)
	assert.Error(t, err)

	noext := filepath.Join(dir, "notes")
	require.NoError(t, os.WriteFile(noext, []byte("plain words"), 0o600))
	a, err = LoadAttachment(noext, 0)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", a.MIMEType)

	back, err := AttachmentFromDataURI("photo.png", a.DataURI())
	require.NoError(t, err)
	assert.Equal(t, a.Data, back.Data)
}
