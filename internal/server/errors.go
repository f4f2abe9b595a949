// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jeranaias/erimtech/internal/admin"
	"github.com/jeranaias/erimtech/internal/ai"
	"github.com/jeranaias/erimtech/internal/apikeys"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/features"
	"github.com/jeranaias/erimtech/internal/media"
)

// ============================================================================
// ERROR MAPPING
// ============================================================================

// requestError is a client mistake detected by a handler.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// errorStatus pairs sentinel errors with the status they produce.
var errorStatus = []struct {
	err    error
	status int
}{
	{auth.ErrInvalidEmail, http.StatusBadRequest},
	{auth.ErrWeakPassword, http.StatusBadRequest},
	{auth.ErrEmailTaken, http.StatusConflict},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrTOTPRequired, http.StatusUnauthorized},
	{auth.ErrInvalidTOTP, http.StatusUnauthorized},
	{auth.ErrUnauthenticated, http.StatusUnauthorized},
	{auth.ErrSessionExpired, http.StatusUnauthorized},
	{auth.ErrSuspended, http.StatusForbidden},
	{auth.ErrLocked, http.StatusTooManyRequests},
	{auth.ErrPromptQuotaExceeded, http.StatusTooManyRequests},
	{auth.ErrUserNotFound, http.StatusNotFound},

	{apikeys.ErrInvalidKey, http.StatusUnauthorized},
	{apikeys.ErrNoKey, http.StatusNotFound},
	{apikeys.ErrQuotaExceeded, http.StatusTooManyRequests},
	{apikeys.ErrRateLimited, http.StatusTooManyRequests},

	{dispatch.ErrInvalidFeature, http.StatusBadRequest},
	{dispatch.ErrEmptyRequest, http.StatusBadRequest},
	{dispatch.ErrInvalidAttachment, http.StatusBadRequest},
	{dispatch.ErrFeatureDisabled, http.StatusForbidden},
	{ai.ErrInvalidDataURI, http.StatusBadRequest},

	{conversation.ErrConversationNotFound, http.StatusNotFound},
	{conversation.ErrEmptyName, http.StatusBadRequest},

	{media.ErrNotFound, http.StatusNotFound},
	{media.ErrInvalidStatus, http.StatusBadRequest},
	{features.ErrUnknownToggle, http.StatusNotFound},
	{admin.ErrEmptyPatch, http.StatusBadRequest},
	{docstore.ErrNotFound, http.StatusNotFound},
}

// statusFor maps an error to an HTTP status and the message safe to return.
// Anything unrecognised is a 500 with a generic message; the caller logs the
// detail.
func statusFor(err error) (int, string) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest, reqErr.msg
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, "Request body too large"
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return m.status, err.Error()
		}
	}
	var flowErr *ai.FlowError
	if errors.As(err, &flowErr) {
		return http.StatusBadGateway, flowErr.Message
	}
	return http.StatusInternalServerError, "Internal server error"
}

// errorType names the error class in the response body.
func errorType(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusConflict:
		return "conflict_error"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= http.StatusInternalServerError {
		return "api_error"
	}
	return "invalid_request_error"
}

// quotaErrors are the 429s that last until the next UTC day rather than
// the next minute.
var quotaErrors = []error{apikeys.ErrQuotaExceeded, auth.ErrPromptQuotaExceeded}

// typeFor is errorType, refined by the error that produced status.
func typeFor(err error, status int) string {
	for _, q := range quotaErrors {
		if errors.Is(err, q) {
			return "quota_exceeded"
		}
	}
	return errorType(status)
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeTypedError(w, status, errorType(status), message)
}

func writeTypedError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{
		Message: message,
		Type:    typ,
		Code:    status,
	}})
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return badRequest("Invalid request format")
	}
	return nil
}
