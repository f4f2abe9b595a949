// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/auth"
)

// sessionHandler is a handler that runs for a signed-in user.
type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *auth.Session)

// withSession resolves the bearer session token or answers 401.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
			return
		}
		sess, err := s.auth.Resolve(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		h(w, r, sess)
	}
}

// withAdmin is withSession restricted to active admins.
func (s *Server) withAdmin(h sessionHandler) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
		if !sess.User.IsAdmin() {
			s.log.Warn("admin access denied",
				zap.String("uid", sess.User.UID),
				zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		h(w, r, sess)
	})
}

// ============================================================================
// AUTH HANDLERS
// ============================================================================

// SessionResponse is returned by every sign-in route.
type SessionResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	User      *auth.UserData `json:"user"`
}

func sessionResponse(sess *auth.Session) SessionResponse {
	return SessionResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt, User: sess.User}
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.auth.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.auth.SignIn(r.Context(), req.Email, req.Password, req.TOTP)
	if err != nil {
		s.log.Info("sign-in failed",
			zap.String("ip", s.proxies.ClientIP(r)),
			zap.Error(err))
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	sess, err := s.auth.SignInAnonymous(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := s.auth.SignOut(r.Context(), token); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// MeResponse is the body of GET /auth/me.
type MeResponse struct {
	User             *auth.UserData `json:"user"`
	PromptLimit      int            `json:"promptLimit"`
	PromptsRemaining int            `json:"promptsRemaining"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	limit := s.auth.PromptLimit(sess.User.Plan)
	remaining := auth.Unlimited
	if limit != auth.Unlimited {
		used := sess.User.PromptsToday
		if sess.User.PromptDay != time.Now().UTC().Format(time.DateOnly) {
			used = 0
		}
		remaining = max(limit-used, 0)
	}
	writeJSON(w, http.StatusOK, MeResponse{
		User:             sess.User,
		PromptLimit:      limit,
		PromptsRemaining: remaining,
	})
}

func (s *Server) handleEnrollTOTP(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	if !sess.User.IsAdmin() {
		writeError(w, http.StatusForbidden, "Only admins use authenticator codes")
		return
	}
	url, err := s.auth.EnrollTOTP(r.Context(), sess.User.UID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
