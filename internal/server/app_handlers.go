// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/apikeys"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/model"
)

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) managerFor(w http.ResponseWriter, r *http.Request, sess *auth.Session) (*conversation.Manager, bool) {
	mgr, err := s.convs.For(sess.User.UID)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return mgr, true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	mgr, ok := s.managerFor(w, r, sess)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": mgr.List()})
}

type createConversationRequest struct {
	Feature model.Feature `json:"feature"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	var req createConversationRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Feature == "" {
		req.Feature = model.FeatureChat
	}
	if !req.Feature.Valid() {
		s.fail(w, r, dispatch.ErrInvalidFeature)
		return
	}
	mgr, ok := s.managerFor(w, r, sess)
	if !ok {
		return
	}
	conv, err := mgr.Create(req.Feature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	mgr, ok := s.managerFor(w, r, sess)
	if !ok {
		return
	}
	conv, err := mgr.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type updateConversationRequest struct {
	Name    *string        `json:"name,omitempty"`
	Feature *model.Feature `json:"feature,omitempty"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	var req updateConversationRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Name == nil && req.Feature == nil {
		s.fail(w, r, badRequest("Nothing to update"))
		return
	}
	if req.Feature != nil && !req.Feature.Valid() {
		s.fail(w, r, dispatch.ErrInvalidFeature)
		return
	}
	mgr, ok := s.managerFor(w, r, sess)
	if !ok {
		return
	}
	id := r.PathValue("id")

	conv, err := mgr.Get(id)
	if req.Feature != nil && err == nil {
		conv, err = mgr.SetFeature(id, *req.Feature)
	}
	if req.Name != nil && err == nil {
		conv, err = mgr.Rename(id, *req.Name)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	mgr, ok := s.managerFor(w, r, sess)
	if !ok {
		return
	}
	if err := mgr.Delete(r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// MESSAGES
// ============================================================================

// FileUpload is an attachment sent as a data URI.
type FileUpload struct {
	Name    string `json:"name"`
	DataURI string `json:"dataUri"`
}

// SendMessageRequest is the body of POST /app/conversations/{id}/messages.
// An empty feature uses the conversation's.
type SendMessageRequest struct {
	Feature  model.Feature `json:"feature,omitempty"`
	Input    string        `json:"input,omitempty"`
	Code     string        `json:"code,omitempty"`
	Language string        `json:"language,omitempty"`
	URL      string        `json:"url,omitempty"`
	File     *FileUpload   `json:"file,omitempty"`
}

// SendMessageResponse carries both new bubbles.
type SendMessageResponse struct {
	User             *model.Message `json:"user"`
	Reply            *model.Message `json:"reply"`
	PromptsRemaining int            `json:"promptsRemaining"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	var body SendMessageRequest
	if err := decodeJSON(w, r, s.maxMedia+s.maxBody, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	mgr, ok := s.managerFor(w, r, sess)
	if !ok {
		return
	}
	id := r.PathValue("id")
	conv, err := mgr.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	req := dispatch.Request{
		Feature:  body.Feature,
		Input:    body.Input,
		Code:     body.Code,
		Language: body.Language,
		URL:      body.URL,
	}
	if req.Feature == "" {
		req.Feature = conv.Feature
	}
	if body.File != nil {
		file, err := dispatch.AttachmentFromDataURI(body.File.Name, body.File.DataURI)
		if err != nil {
			s.fail(w, r, badRequest("Invalid file upload"))
			return
		}
		if int64(file.Size()) > s.maxMedia {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		req.File = file
	}

	// Rejected requests must not use the plan quota.
	if err := s.dispatch.Check(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}
	remaining, err := s.auth.RecordPrompt(r.Context(), sess.User.UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Feature != conv.Feature {
		if _, err := mgr.SetFeature(id, req.Feature); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.File != nil && s.media != nil {
		if _, err := s.media.Record(r.Context(), sess.User.Label(), req.File); err != nil {
			s.log.Warn("record upload failed",
				zap.String("uid", sess.User.UID),
				zap.String("file", req.File.Name),
				zap.Error(err))
		}
	}

	user, reply, err := s.dispatch.Exchange(r.Context(), mgr, id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendMessageResponse{User: user, Reply: reply, PromptsRemaining: remaining})
}

// ============================================================================
// DEVELOPER API KEY
// ============================================================================

// APIKeyResponse shows a user's key and today's usage.
type APIKeyResponse struct {
	Key   *apikeys.Key   `json:"key"`
	Usage *apikeys.Usage `json:"usage"`
}

func (s *Server) writeKey(w http.ResponseWriter, r *http.Request, uid string, key *apikeys.Key) {
	usage, err := s.keys.Usage(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIKeyResponse{Key: key, Usage: usage})
}

// handleGetAPIKey issues a key on first visit.
func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if sess.User.Anonymous {
		writeError(w, http.StatusForbidden, "Sign in with an email account to get an API key")
		return
	}
	key, err := s.keys.Generate(r.Context(), sess.User.UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeKey(w, r, sess.User.UID, key)
}

func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if sess.User.Anonymous {
		writeError(w, http.StatusForbidden, "Sign in with an email account to get an API key")
		return
	}
	key, err := s.keys.Regenerate(r.Context(), sess.User.UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeKey(w, r, sess.User.UID, key)
}

func (s *Server) handleAPIKeyUsage(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	usage, err := s.keys.Usage(r.Context(), sess.User.UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// trimmed reports whether s has non-space content.
func trimmed(s string) bool {
	return strings.TrimSpace(s) != ""
}
