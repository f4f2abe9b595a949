// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/apikeys"
	"github.com/jeranaias/erimtech/internal/apilog"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/logging"
	"github.com/jeranaias/erimtech/internal/model"
)

// apiHandler serves a /v1 request for the key owner uid.
type apiHandler func(w http.ResponseWriter, r *http.Request, uid string)

// withAPIKey authenticates the bearer API key and records every call,
// including rejected ones, in the API log.
func (s *Server) withAPIKey(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := newResponseWriter(w)
		var uid string
		defer func() { s.logAPICall(r, uid, rw.statusCode) }()

		key := bearerToken(r)
		if key == "" {
			writeError(rw, http.StatusUnauthorized, "Missing API key")
			return
		}
		owner, err := s.keys.Authenticate(r.Context(), key)
		if err != nil {
			s.log.Info("api key rejected", logging.Secret("key", key), zap.Error(err))
			s.fail(rw, r, err)
			return
		}
		uid = owner

		user, err := s.auth.GetUser(r.Context(), uid)
		if err != nil {
			s.fail(rw, r, err)
			return
		}
		if user.Status == auth.StatusSuspended {
			s.fail(rw, r, auth.ErrSuspended)
			return
		}
		h(rw, r, uid)
	}
}

func (s *Server) logAPICall(r *http.Request, uid string, status int) {
	if s.apiLogs == nil {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	_, err := s.apiLogs.Record(ctx, apilog.Entry{
		UserID:    uid,
		Endpoint:  r.URL.Path,
		Status:    status,
		IPAddress: s.proxies.ClientIP(r),
	})
	if err != nil {
		s.log.Warn("api log write failed", zap.String("endpoint", r.URL.Path), zap.Error(err))
	}
}

// runV1 validates req, charges the key's quota and dispatches. Invalid
// requests are rejected before any quota is used, and a request whose
// flow fails is refunded.
func (s *Server) runV1(w http.ResponseWriter, r *http.Request, uid string, req dispatch.Request, respond func(*model.Message) any) {
	ctx := r.Context()
	if err := s.dispatch.Check(ctx, req); err != nil {
		s.fail(w, r, err)
		return
	}
	usage, err := s.keys.Consume(ctx, uid)
	setQuotaHeaders(w, usage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.dispatch.Dispatch(ctx, req)
	if err != nil {
		refunded, rerr := s.keys.Refund(context.WithoutCancel(ctx), uid)
		if rerr != nil {
			s.log.Warn("quota refund failed", zap.String("uid", uid), zap.Error(rerr))
		} else {
			setQuotaHeaders(w, refunded)
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(msg))
}

func setQuotaHeaders(w http.ResponseWriter, usage *apikeys.Usage) {
	if usage == nil {
		return
	}
	w.Header().Set("X-Quota-Limit", strconv.Itoa(usage.Limit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(usage.Remaining()))
}

func required(name, value string) error {
	if !trimmed(value) {
		return badRequest(strconv.Quote(name) + " is required")
	}
	return nil
}

// ============================================================================
// ENDPOINTS
// ============================================================================

type v1ChatRequest struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url,omitempty"`
}

func (s *Server) handleV1Chat(w http.ResponseWriter, r *http.Request, uid string) {
	var body v1ChatRequest
	if err := decodeJSON(w, r, s.maxBody, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("prompt", body.Prompt); err != nil {
		s.fail(w, r, err)
		return
	}
	req := dispatch.Request{Feature: model.FeatureChat, Input: body.Prompt, URL: body.URL}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"response": m.Text}
	})
}

type v1CodeGenerateRequest struct {
	Description string `json:"description"`
	Language    string `json:"language,omitempty"`
}

func (s *Server) handleV1CodeGenerate(w http.ResponseWriter, r *http.Request, uid string) {
	var body v1CodeGenerateRequest
	if err := decodeJSON(w, r, s.maxBody, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("description", body.Description); err != nil {
		s.fail(w, r, err)
		return
	}
	req := dispatch.Request{Feature: model.FeatureCodeGeneration, Code: body.Description, Language: body.Language}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"code": m.Text}
	})
}

type v1CodeExplainRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleV1CodeExplain(w http.ResponseWriter, r *http.Request, uid string) {
	var body v1CodeExplainRequest
	if err := decodeJSON(w, r, s.maxBody, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("code", body.Code); err != nil {
		s.fail(w, r, err)
		return
	}
	req := dispatch.Request{Feature: model.FeatureCodeExplanation, Code: body.Code, Language: body.Language}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"explanation": m.Text}
	})
}

// mediaRequest decodes a {field: dataURI} body into an attachment.
func (s *Server) mediaRequest(w http.ResponseWriter, r *http.Request, field string, feature model.Feature) (dispatch.Request, error) {
	var body map[string]string
	if err := decodeJSON(w, r, s.maxMedia+s.maxBody, &body); err != nil {
		return dispatch.Request{}, err
	}
	uri := body[field]
	if err := required(field, uri); err != nil {
		return dispatch.Request{}, err
	}
	file, err := dispatch.AttachmentFromDataURI(field, uri)
	if err != nil {
		return dispatch.Request{}, badRequest("Invalid " + field + " data URI")
	}
	return dispatch.Request{Feature: feature, File: file}, nil
}

func (s *Server) handleV1ImageAnalyze(w http.ResponseWriter, r *http.Request, uid string) {
	req, err := s.mediaRequest(w, r, "image", model.FeatureImageAnalysis)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"description": m.Text}
	})
}

func (s *Server) handleV1AudioTranscribe(w http.ResponseWriter, r *http.Request, uid string) {
	req, err := s.mediaRequest(w, r, "audio", model.FeatureAudioTranscription)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"transcription": m.Text}
	})
}

type v1VideoRequest struct {
	VideoURL string `json:"videoUrl"`
}

func (s *Server) handleV1VideoSummarize(w http.ResponseWriter, r *http.Request, uid string) {
	var body v1VideoRequest
	if err := decodeJSON(w, r, s.maxBody, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("videoUrl", body.VideoURL); err != nil {
		s.fail(w, r, err)
		return
	}
	req := dispatch.Request{Feature: model.FeatureVideoSummarization, URL: body.VideoURL}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"summary": m.Text}
	})
}

type v1URLRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleV1URLAnalyze(w http.ResponseWriter, r *http.Request, uid string) {
	var body v1URLRequest
	if err := decodeJSON(w, r, s.maxBody, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("url", body.URL); err != nil {
		s.fail(w, r, err)
		return
	}
	req := dispatch.Request{Feature: model.FeatureURLAnalysis, URL: body.URL}
	s.runV1(w, r, uid, req, func(m *model.Message) any {
		return map[string]string{"analysis": m.Text}
	})
}
