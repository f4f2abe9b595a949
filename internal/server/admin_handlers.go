// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/admin"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/docstore"
)

// ============================================================================
// USERS
// ============================================================================

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	users, err := s.admin.ListUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	var patch admin.UserPatch
	if err := decodeJSON(w, r, s.maxBody, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := validatePatch(patch); err != nil {
		s.fail(w, r, err)
		return
	}
	uid := r.PathValue("id")
	if uid == sess.User.UID && patch.Role != "" && patch.Role != string(auth.RoleAdmin) {
		s.fail(w, r, badRequest("You cannot remove your own admin role"))
		return
	}
	user, err := s.admin.UpdateUser(r.Context(), uid, patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func validatePatch(p admin.UserPatch) error {
	if p.Role != "" {
		if _, err := auth.ParseRole(p.Role); err != nil {
			return badRequest(err.Error())
		}
	}
	if p.Status != "" {
		if _, err := auth.ParseStatus(p.Status); err != nil {
			return badRequest(err.Error())
		}
	}
	if p.Plan != "" {
		if _, err := auth.ParsePlan(p.Plan); err != nil {
			return badRequest(err.Error())
		}
	}
	return nil
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	uid := r.PathValue("id")
	if uid == sess.User.UID {
		s.fail(w, r, badRequest("You cannot delete your own account"))
		return
	}
	if err := s.admin.DeleteUser(r.Context(), uid); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.convs.Forget(uid); err != nil {
		s.log.Warn("drop conversations of deleted user", zap.String("uid", uid), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// MEDIA
// ============================================================================

func (s *Server) handleAdminMedia(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	uploads, err := s.admin.ListMedia(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"media": uploads})
}

type mediaPatch struct {
	Status string `json:"status"`
}

func (s *Server) handleAdminUpdateMedia(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	var patch mediaPatch
	if err := decodeJSON(w, r, s.maxBody, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	up, err := s.admin.SetMediaStatus(r.Context(), r.PathValue("id"), patch.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) handleAdminDeleteMedia(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	if err := s.admin.DeleteMedia(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminMediaFile(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	if s.media == nil {
		writeError(w, http.StatusNotFound, "Media storage is not configured")
		return
	}
	up, f, err := s.media.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	if up.Type != "" {
		w.Header().Set("Content-Type", up.Type)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", up.Name))
	http.ServeContent(w, r, up.Name, up.UploadedAt, f)
}

// ============================================================================
// LOGS, FEATURES AND OVERVIEW
// ============================================================================

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	rows, err := s.admin.ListLogs(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": rows})
}

func (s *Server) handleAdminFeatures(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	toggles, err := s.admin.ListFeatures(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": toggles})
}

// featurePatch sets Enabled, or flips the toggle when it is omitted.
type featurePatch struct {
	Enabled *bool `json:"enabled,omitempty"`
}

func (s *Server) handleAdminUpdateFeature(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	var patch featurePatch
	if err := decodeJSON(w, r, s.maxBody, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	var err error
	var t any
	if patch.Enabled == nil {
		t, err = s.admin.ToggleFeature(r.Context(), id)
	} else {
		t, err = s.admin.SetFeature(r.Context(), id, *patch.Enabled)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("feature toggled", zap.String("feature", id), zap.String("by", sess.User.Label()))
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdminOverview(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	ov, err := s.admin.Overview(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// ============================================================================
// LIVE EVENTS
// ============================================================================

// watchableCollections are the collections the admin dashboard may follow.
var watchableCollections = map[string]bool{
	docstore.Users:          true,
	docstore.MediaUploads:   true,
	docstore.APILogs:        true,
	docstore.FeatureToggles: true,
}

// eventHeartbeat keeps idle event streams open through proxies.
const eventHeartbeat = 20 * time.Second

// handleAdminEvents streams document changes as server-sent events until
// the client disconnects or the server shuts down.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, _ *auth.Session) {
	collection := r.URL.Query().Get("collection")
	if !watchableCollections[collection] {
		s.fail(w, r, badRequest(fmt.Sprintf("Cannot watch collection %q", collection)))
		return
	}
	changes, err := s.store.Watch(r.Context(), collection)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		s.log.Warn("event stream cannot flush", zap.Error(err))
		return
	}

	ticker := time.NewTicker(eventHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
		case c, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				s.log.Warn("encode change", zap.String("id", c.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", c.Kind, c.ID, data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
