// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the ERIMTECH AI HTTP API.
//
// # Endpoints
//
//   - GET  /health, GET /stats
//   - POST /auth/signup, /auth/signin, /auth/anonymous, /auth/signout, /auth/totp
//   - GET  /auth/me
//   - /app/conversations[/{id}[/messages]]  - chat, session bearer token
//   - /app/apikey[/regenerate|/usage]       - developer key management
//   - POST /v1/chat, /v1/code/generate, /v1/code/explain, /v1/image/analyze,
//     /v1/audio/transcribe, /v1/video/summarize, /v1/url/analyze
//   - /admin/users, /admin/media, /admin/logs, /admin/features,
//     /admin/overview, /admin/events (server-sent events)
//
// /v1 requests authenticate with a developer API key, are charged against
// the key's daily quota and are written to the API log. /app and /admin
// requests authenticate with a session token from /auth.
//
// Errors are always JSON:
//
//	{"error": {"message": "...", "type": "quota_exceeded", "code": 429}}
//
// A 429 has type quota_exceeded when the daily quota is used up and
// rate_limited when the caller is sending too fast.
//
// # Middleware
//
// Requests pass through panic recovery, security headers, zap request
// logging, a per-IP token bucket and CORS, in that order.
package server
