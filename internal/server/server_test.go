// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeranaias/erimtech/internal/admin"
	"github.com/jeranaias/erimtech/internal/ai"
	"github.com/jeranaias/erimtech/internal/apikeys"
	"github.com/jeranaias/erimtech/internal/apilog"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/client"
	"github.com/jeranaias/erimtech/internal/config"
	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/features"
	"github.com/jeranaias/erimtech/internal/media"
	"github.com/jeranaias/erimtech/internal/model"
)

// =============================================================================
// FIXTURE
// =============================================================================

const adminEmail = "admin@erimtech.test"

// fakeFlows answers every flow with canned text.
type fakeFlows struct {
	fail error
}

func (f *fakeFlows) GenerateChatResponse(_ context.Context, in ai.ChatInput) (*ai.ChatOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &ai.ChatOutput{Response: "echo: " + in.Prompt}, nil
}

func (f *fakeFlows) ExplainCode(_ context.Context, in ai.CodeInput) (*ai.CodeOutput, error) {
	return &ai.CodeOutput{Explanation: "explained " + in.Language}, nil
}

func (f *fakeFlows) AnalyzeImage(context.Context, ai.ImageInput) (*ai.ImageOutput, error) {
	out := &ai.ImageOutput{}
	out.AnalysisResult.Description = "a red square"
	return out, nil
}

func (f *fakeFlows) TranscribeAudio(context.Context, ai.AudioInput) (*ai.AudioOutput, error) {
	return &ai.AudioOutput{Transcription: "hello world"}, nil
}

func (f *fakeFlows) SummarizeVideo(context.Context, ai.VideoInput) (*ai.VideoOutput, error) {
	return &ai.VideoOutput{Summary: "a short video"}, nil
}

type fixture struct {
	srv   *Server
	store docstore.Store
	flows *fakeFlows
	logs  *apilog.Recorder
	feats *features.Service
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	cfg := config.Default()
	cfg.Server.RateLimitPerMinute = 0
	cfg.Quota.ExplorerDaily = 50
	if tweak != nil {
		tweak(cfg)
	}

	store, err := docstore.OpenSQLite(filepath.Join(dir, "store.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authSvc := auth.New(store, auth.Options{
		AdminEmails:   []string{adminEmail},
		BcryptCost:    bcrypt.MinCost,
		ExplorerDaily: cfg.Quota.ExplorerDaily,
	}, log)
	keys := apikeys.New(store, apikeys.Options{
		DailyLimit:        cfg.Quota.APIDailyLimit,
		RequestsPerMinute: cfg.Quota.APIRequestsPerMinute,
	}, log)
	feats := features.New(store, log)
	require.NoError(t, feats.Seed(context.Background()))
	lib, err := media.New(store, filepath.Join(dir, "media"), log)
	require.NoError(t, err)
	logs := apilog.New(store)
	flows := &fakeFlows{}
	convs := conversation.NewRegistry(nil, 0, log)

	srv, err := New(Deps{
		Config:        cfg,
		Log:           log,
		Store:         store,
		Auth:          authSvc,
		Keys:          keys,
		Dispatcher:    dispatch.New(flows, feats, log),
		Conversations: convs,
		Media:         lib,
		APILogs:       logs,
		Admin:         admin.New(store, authSvc, lib, logs, feats, log, admin.WithKeys(keys), admin.WithConversations(convs)),
		Features:      feats,
	})
	require.NoError(t, err)
	return &fixture{srv: srv, store: store, flows: flows, logs: logs, feats: feats}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) signUp(t *testing.T, email string) string {
	t.Helper()
	rec := f.do(t, "POST", "/auth/signup", "", map[string]string{
		"email": email, "password": "password123", "displayName": "Tester",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (f *fixture) apiKey(t *testing.T, token string) string {
	t.Helper()
	rec := f.do(t, "GET", "/app/apikey", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp APIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Key.Key
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	return decode[ErrorBody](t, rec).Error
}

// =============================================================================
// HEALTH AND STATS
// =============================================================================

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	f.srv.Stats().RecordUsage(ai.FlowChat, ai.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7})
	rec = f.do(t, "GET", "/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(7), stats.TotalTokens)
	assert.Equal(t, int64(1), stats.CallsByFlow[ai.FlowChat])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/nope", "", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, "GET", "/v1/chat", "", nil).Code)
}

// =============================================================================
// AUTH
// =============================================================================

func TestSignUpSignInAndMe(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "ada@example.com")

	rec := f.do(t, "GET", "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[MeResponse](t, rec)
	assert.Equal(t, "ada@example.com", me.User.Email)
	assert.Equal(t, 50, me.PromptLimit)
	assert.Equal(t, 50, me.PromptsRemaining)

	rec = f.do(t, "POST", "/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrorDetail{
		Message: auth.ErrInvalidCredentials.Error(),
		Type:    "authentication_error",
		Code:    http.StatusUnauthorized,
	}, errorOf(t, rec))

	rec = f.do(t, "POST", "/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "POST", "/auth/signup", "", map[string]string{"email": "ada@example.com", "password": "password123"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", "/auth/signout", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, "GET", "/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingSession(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "GET", "/app/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", errorOf(t, rec).Type)
}

func TestUnknownFieldsRejected(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "POST", "/auth/signup", "", map[string]string{"email": "x@example.com", "pasword": "typo"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request format", errorOf(t, rec).Message)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "ada@example.com")

	rec := f.do(t, "POST", "/app/conversations", token, map[string]string{"feature": "chat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[model.Conversation](t, rec)
	base := "/app/conversations/" + conv.ID

	rec = f.do(t, "POST", base+"/messages", token, map[string]string{"input": "hi there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent := decode[SendMessageResponse](t, rec)
	assert.Equal(t, "hi there", sent.User.Text)
	assert.Equal(t, "echo: hi there", sent.Reply.Text)
	assert.Equal(t, 49, sent.PromptsRemaining)

	rec = f.do(t, "PATCH", base, token, map[string]string{"name": "  Greetings  "})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Greetings", decode[model.Conversation](t, rec).Name)

	rec = f.do(t, "GET", "/app/conversations", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]model.Conversation](t, rec)["conversations"]
	require.Len(t, list, 1)
	assert.Len(t, list[0].Messages, 2)

	// Conversations are private to their owner.
	other := f.signUp(t, "bob@example.com")
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", base, other, nil).Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", base, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", base, token, nil).Code)
}

func TestSendMessage_FlowErrorBecomesBubble(t *testing.T) {
	f := newFixture(t, nil)
	f.flows.fail = &ai.FlowError{Flow: ai.FlowChat, Message: "Chat response failed to produce an output."}
	token := f.signUp(t, "ada@example.com")
	conv := decode[model.Conversation](t, f.do(t, "POST", "/app/conversations", token, nil))

	rec := f.do(t, "POST", "/app/conversations/"+conv.ID+"/messages", token, map[string]string{"input": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	sent := decode[SendMessageResponse](t, rec)
	assert.True(t, sent.Reply.IsError())
	assert.Equal(t, "Chat response failed to produce an output.", sent.Reply.Text)
}

func TestSendMessage_PlanQuota(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Quota.ExplorerDaily = 1 })
	token := f.signUp(t, "ada@example.com")
	conv := decode[model.Conversation](t, f.do(t, "POST", "/app/conversations", token, nil))
	path := "/app/conversations/" + conv.ID + "/messages"

	require.Equal(t, http.StatusOK, f.do(t, "POST", path, token, map[string]string{"input": "one"}).Code)
	rec := f.do(t, "POST", path, token, map[string]string{"input": "two"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, auth.ErrPromptQuotaExceeded.Error(), errorOf(t, rec).Message)
}

func TestSendMessage_QuotaRejectionKeepsFeature(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Quota.ExplorerDaily = 1 })
	token := f.signUp(t, "ada@example.com")
	conv := decode[model.Conversation](t, f.do(t, "POST", "/app/conversations", token, nil))
	path := "/app/conversations/" + conv.ID + "/messages"
	require.Equal(t, http.StatusOK, f.do(t, "POST", path, token, map[string]string{"input": "one"}).Code)

	rec := f.do(t, "POST", path, token, map[string]string{"feature": "code_explanation", "code": "x := 1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", errorOf(t, rec).Type)

	got := decode[model.Conversation](t, f.do(t, "GET", "/app/conversations/"+conv.ID, token, nil))
	assert.Equal(t, model.FeatureChat, got.Feature)
}

func TestSendMessage_WrongAttachmentUsesNoQuota(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Quota.ExplorerDaily = 1 })
	token := f.signUp(t, "ada@example.com")
	conv := decode[model.Conversation](t, f.do(t, "POST", "/app/conversations", token, map[string]string{"feature": "image_analysis"}))
	path := "/app/conversations/" + conv.ID + "/messages"

	rec := f.do(t, "POST", path, token, map[string]any{
		"file": map[string]string{"name": "clip.mp3", "dataUri": ai.EncodeDataURI("audio/mpeg", []byte("ID3"))},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please upload an image file.", errorOf(t, rec).Message)

	rec = f.do(t, "POST", path, token, map[string]any{
		"file": map[string]string{"name": "red.png", "dataUri": ai.EncodeDataURI("image/png", []byte("png-bytes"))},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent := decode[SendMessageResponse](t, rec)
	assert.Equal(t, "Analyzing red.png", sent.User.Text)
	assert.Equal(t, "a red square", sent.Reply.Text)
}

// =============================================================================
// DEVELOPER API
// =============================================================================

func TestV1_ChatWithKey(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "dev@example.com")
	key := f.apiKey(t, token)
	assert.True(t, strings.HasPrefix(key, apikeys.Prefix))

	rec := f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "ping"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]string{"response": "echo: ping"}, decode[map[string]string](t, rec))
	assert.Equal(t, "999", rec.Header().Get("X-Quota-Remaining"))

	rec = f.do(t, "POST", "/v1/code/explain", key, map[string]string{"code": "x := 1", "language": "golang"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "explained go", decode[map[string]string](t, rec)["explanation"])

	rec = f.do(t, "POST", "/v1/audio/transcribe", key, map[string]string{"audio": ai.EncodeDataURI("audio/wav", []byte("RIFF"))})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", decode[map[string]string](t, rec)["transcription"])

	usage := decode[apikeys.Usage](t, f.do(t, "GET", "/app/apikey/usage", token, nil))
	assert.Equal(t, 3, usage.RequestsToday)

	entries, err := f.logs.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, http.StatusOK, entries[0].Status)
	assert.NotEmpty(t, entries[0].UserID)
}

func TestV1_Authentication(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "POST", "/v1/chat", "", map[string]string{"prompt": "ping"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "POST", "/v1/chat", apikeys.Prefix+strings.Repeat("a", apikeys.BodyLength), map[string]string{"prompt": "ping"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apikeys.ErrInvalidKey.Error(), errorOf(t, rec).Message)

	// Rejected calls are logged without a user.
	entries, err := f.logs.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].UserID)
	assert.Equal(t, http.StatusUnauthorized, entries[0].Status)
}

func TestV1_RegenerateRevokesKey(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "dev@example.com")
	old := f.apiKey(t, token)

	rec := f.do(t, "POST", "/app/apikey/regenerate", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fresh := decode[APIKeyResponse](t, rec).Key.Key
	assert.NotEqual(t, old, fresh)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, "POST", "/v1/chat", old, map[string]string{"prompt": "x"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/v1/chat", fresh, map[string]string{"prompt": "x"}).Code)
}

func TestV1_DailyQuota(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Quota.APIDailyLimit = 1 })
	key := f.apiKey(t, f.signUp(t, "dev@example.com"))

	require.Equal(t, http.StatusOK, f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "1"}).Code)
	rec := f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "2"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota_exceeded", errorOf(t, rec).Type)
	assert.Equal(t, "0", rec.Header().Get("X-Quota-Remaining"))
}

func TestV1_RateLimitType(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Quota.APIRequestsPerMinute = 1 })
	key := f.apiKey(t, f.signUp(t, "dev@example.com"))

	require.Equal(t, http.StatusOK, f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "1"}).Code)
	rec := f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "2"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorOf(t, rec).Type)
	assert.Equal(t, apikeys.ErrRateLimited.Error(), errorOf(t, rec).Message)
}

func TestV1_FlowFailureRefundsQuota(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "dev@example.com")
	key := f.apiKey(t, token)
	f.flows.fail = &ai.FlowError{Flow: ai.FlowChat, Message: "model unavailable", Err: errors.New("503")}

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	c := client.New(ts.URL, key, client.WithRetryDelay(time.Millisecond), client.WithLogger(zaptest.NewLogger(t)))
	_, err := c.Chat(context.Background(), "hello", "")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "model unavailable", apiErr.Message)

	uid, err := f.srv.keys.Authenticate(context.Background(), key)
	require.NoError(t, err)
	u, err := f.srv.keys.Usage(context.Background(), uid)
	require.NoError(t, err)
	assert.Equal(t, 0, u.RequestsToday, "failed flows are refunded")

	f.flows.fail = nil
	rec := f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(u.Limit-1), rec.Header().Get("X-Quota-Remaining"))
}

func TestV1_ValidationUsesNoQuota(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Quota.APIDailyLimit = 1 })
	key := f.apiKey(t, f.signUp(t, "dev@example.com"))

	rec := f.do(t, "POST", "/v1/image/analyze", key, map[string]string{"image": ai.EncodeDataURI("audio/wav", []byte("RIFF"))})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please upload an image file.", errorOf(t, rec).Message)

	rec = f.do(t, "POST", "/v1/video/summarize", key, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `"videoUrl" is required`, errorOf(t, rec).Message)

	rec = f.do(t, "POST", "/v1/image/analyze", key, map[string]string{"image": ai.EncodeDataURI("image/png", []byte("png"))})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a red square", decode[map[string]string](t, rec)["description"])
}

func TestV1_FeatureDisabled(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	key := f.apiKey(t, f.signUp(t, "dev@example.com"))

	rec := f.do(t, "PATCH", "/admin/features/chat", adminToken, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[features.Toggle](t, rec).Enabled)

	rec = f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "ping"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_error", errorOf(t, rec).Type)

	// Omitting enabled flips the toggle back on.
	require.Equal(t, http.StatusOK, f.do(t, "PATCH", "/admin/features/chat", adminToken, map[string]any{}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "ping"}).Code)
}

func TestV1_SuspendedUser(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	devToken := f.signUp(t, "dev@example.com")
	key := f.apiKey(t, devToken)
	me := decode[MeResponse](t, f.do(t, "GET", "/auth/me", devToken, nil))

	rec := f.do(t, "PATCH", "/admin/users/"+me.User.UID, adminToken, map[string]string{"status": "suspended"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusForbidden, f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "x"}).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresAdminRole(t *testing.T) {
	f := newFixture(t, nil)
	token := f.signUp(t, "user@example.com")

	rec := f.do(t, "GET", "/admin/users", token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Admin access required", errorOf(t, rec).Message)
}

func TestAdmin_Users(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	f.signUp(t, "user@example.com")

	rec := f.do(t, "GET", "/admin/users?q=user@", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[map[string][]auth.UserData](t, rec)["users"]
	require.Len(t, users, 1)
	uid := users[0].UID

	rec = f.do(t, "PATCH", "/admin/users/"+uid, adminToken, map[string]string{"plan": "platinum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "PATCH", "/admin/users/"+uid, adminToken, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "PATCH", "/admin/users/"+uid, adminToken, map[string]string{"plan": "innovator"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.PlanInnovator, decode[auth.UserData](t, rec).Plan)

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/admin/users/"+uid, adminToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/admin/users/"+uid, adminToken, nil).Code)
}

func TestAdmin_DeleteUserRevokesAccess(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	token := f.signUp(t, "dev@example.com")
	key := f.apiKey(t, token)
	uid := decode[MeResponse](t, f.do(t, "GET", "/auth/me", token, nil)).User.UID
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/app/conversations", token, map[string]string{"feature": "chat"}).Code)

	require.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/admin/users/"+uid, adminToken, nil).Code)

	rec := f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "still here?"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusUnauthorized, f.do(t, "GET", "/auth/me", token, nil).Code)

	mgr, err := f.srv.convs.For(uid)
	require.NoError(t, err)
	assert.Zero(t, mgr.Len())
}

func TestAdmin_MediaModeration(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	token := f.signUp(t, "user@example.com")
	conv := decode[model.Conversation](t, f.do(t, "POST", "/app/conversations", token, map[string]string{"feature": "image_analysis"}))
	rec := f.do(t, "POST", "/app/conversations/"+conv.ID+"/messages", token, map[string]any{
		"file": map[string]string{"name": "red.png", "dataUri": ai.EncodeDataURI("image/png", []byte("png-bytes"))},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/admin/media?status=pending", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	uploads := decode[map[string][]media.Upload](t, rec)["media"]
	require.Len(t, uploads, 1)
	up := uploads[0]
	assert.Equal(t, "user@example.com", up.UploaderEmail)
	assert.Equal(t, "red.png", up.Name)

	rec = f.do(t, "GET", "/admin/media/"+up.ID+"/file", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = f.do(t, "PATCH", "/admin/media/"+up.ID, adminToken, map[string]string{"status": "shelved"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "PATCH", "/admin/media/"+up.ID, adminToken, map[string]string{"status": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, media.StatusApproved, decode[media.Upload](t, rec).Status)

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/admin/media/"+up.ID, adminToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/admin/media/"+up.ID+"/file", adminToken, nil).Code)
}

func TestAdmin_LogsAndOverview(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	key := f.apiKey(t, f.signUp(t, "dev@example.com"))
	require.Equal(t, http.StatusOK, f.do(t, "POST", "/v1/chat", key, map[string]string{"prompt": "x"}).Code)

	rec := f.do(t, "GET", "/admin/logs", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[map[string][]admin.LogRow](t, rec)["logs"]
	require.Len(t, rows, 1)
	assert.Equal(t, "dev@example.com", rows[0].UserEmail)
	assert.Equal(t, "/v1/chat", rows[0].Endpoint)

	rec = f.do(t, "GET", "/admin/overview", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ov := decode[admin.Overview](t, rec)
	assert.Equal(t, 2, ov.Users)
	assert.Equal(t, 1, ov.Admins)
	assert.Equal(t, 1, ov.RecentAPICalls)
	assert.Equal(t, len(model.Features), ov.TotalFeatures)
}

func TestAdmin_EventsStream(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bad, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/admin/events?collection=credentials", nil)
	require.NoError(t, err)
	bad.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(bad)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/admin/events?collection=featureToggles", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": connected", lines.Text())

	_, err = f.feats.Set(context.Background(), string(model.FeatureChat), false)
	require.NoError(t, err)

	var event string
	for lines.Scan() {
		if line := lines.Text(); strings.HasPrefix(line, "event: ") {
			event = line
			break
		}
	}
	assert.Equal(t, "event: modified", event)
	cancel()
}

func TestShutdown_EndsOpenEventStreams(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.signUp(t, adminEmail)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- f.srv.Serve(ln) }()

	req, err := http.NewRequest("GET", "http://"+ln.Addr().String()+"/admin/events?collection=users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{auth.ErrEmailTaken, http.StatusConflict, auth.ErrEmailTaken.Error()},
		{apikeys.ErrRateLimited, http.StatusTooManyRequests, apikeys.ErrRateLimited.Error()},
		{dispatch.ErrFeatureDisabled, http.StatusForbidden, dispatch.ErrFeatureDisabled.Error()},
		{&dispatch.AttachmentError{Message: "Please upload an audio file."}, http.StatusBadRequest, "Please upload an audio file."},
		{conversation.ErrConversationNotFound, http.StatusNotFound, "conversation not found"},
		{&ai.FlowError{Flow: ai.FlowChat, Message: "boom", Err: errors.New("upstream")}, http.StatusBadGateway, "boom"},
		{badRequest("nope"), http.StatusBadRequest, "nope"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tt := range tests {
		status, msg := statusFor(tt.err)
		if status != tt.status || msg != tt.msg {
			t.Errorf("statusFor(%v) = %d %q, want %d %q", tt.err, status, msg, tt.status, tt.msg)
		}
	}
}

func TestTypeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{apikeys.ErrQuotaExceeded, "quota_exceeded"},
		{auth.ErrPromptQuotaExceeded, "quota_exceeded"},
		{apikeys.ErrRateLimited, "rate_limited"},
		{auth.ErrLocked, "rate_limited"},
		{apikeys.ErrInvalidKey, "authentication_error"},
		{&ai.FlowError{Flow: ai.FlowChat, Message: "boom"}, "api_error"},
		{badRequest("nope"), "invalid_request_error"},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		if got := typeFor(tt.err, status); got != tt.want {
			t.Errorf("typeFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("New() with no config should fail")
	}
	if _, err := New(Deps{Config: config.Default()}); err == nil {
		t.Fatal("New() without services should fail")
	}
}
