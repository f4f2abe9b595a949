// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/admin"
	"github.com/jeranaias/erimtech/internal/ai"
	"github.com/jeranaias/erimtech/internal/apikeys"
	"github.com/jeranaias/erimtech/internal/apilog"
	"github.com/jeranaias/erimtech/internal/auth"
	"github.com/jeranaias/erimtech/internal/config"
	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/docstore"
	"github.com/jeranaias/erimtech/internal/features"
	"github.com/jeranaias/erimtech/internal/media"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// Version is reported by /health.
	Version = "1.0.0"

	// DefaultMaxBodyBytes applies when the config leaves max_body_mb unset.
	DefaultMaxBodyBytes = 20 << 20
)

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats counts requests and model token usage. It implements
// ai.UsageRecorder.
type ServerStats struct {
	TotalRequests    int64     `json:"total_requests"`
	APIRequests      int64     `json:"api_requests"`
	FailedRequests   int64     `json:"failed_requests"`
	FlowCalls        int64     `json:"flow_calls"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	StartTime        time.Time `json:"start_time"`

	mu     sync.Mutex
	byFlow map[string]int64
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now(), byFlow: make(map[string]int64)}
}

// RecordRequest counts one handled request.
func (s *ServerStats) RecordRequest(api bool, status int) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if api {
		atomic.AddInt64(&s.APIRequests, 1)
	}
	if status >= http.StatusInternalServerError {
		atomic.AddInt64(&s.FailedRequests, 1)
	}
}

// RecordUsage implements ai.UsageRecorder.
func (s *ServerStats) RecordUsage(flow string, u ai.Usage) {
	atomic.AddInt64(&s.FlowCalls, 1)
	atomic.AddInt64(&s.PromptTokens, int64(u.PromptTokens))
	atomic.AddInt64(&s.CompletionTokens, int64(u.CompletionTokens))
	atomic.AddInt64(&s.TotalTokens, int64(u.TotalTokens))

	s.mu.Lock()
	s.byFlow[flow]++
	s.mu.Unlock()
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	TotalRequests    int64            `json:"total_requests"`
	APIRequests      int64            `json:"api_requests"`
	FailedRequests   int64            `json:"failed_requests"`
	FlowCalls        int64            `json:"flow_calls"`
	CallsByFlow      map[string]int64 `json:"calls_by_flow"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
}

// Snapshot returns a copy of the current counters.
func (s *ServerStats) Snapshot() StatsResponse {
	s.mu.Lock()
	byFlow := make(map[string]int64, len(s.byFlow))
	for k, v := range s.byFlow {
		byFlow[k] = v
	}
	s.mu.Unlock()

	return StatsResponse{
		TotalRequests:    atomic.LoadInt64(&s.TotalRequests),
		APIRequests:      atomic.LoadInt64(&s.APIRequests),
		FailedRequests:   atomic.LoadInt64(&s.FailedRequests),
		FlowCalls:        atomic.LoadInt64(&s.FlowCalls),
		CallsByFlow:      byFlow,
		PromptTokens:     atomic.LoadInt64(&s.PromptTokens),
		CompletionTokens: atomic.LoadInt64(&s.CompletionTokens),
		TotalTokens:      atomic.LoadInt64(&s.TotalTokens),
		UptimeSeconds:    int64(s.Uptime().Seconds()),
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Deps are the services the server routes to. Stats may be nil.
type Deps struct {
	Config        *config.Config
	Log           *zap.Logger
	Store         docstore.Store
	Auth          *auth.Service
	Keys          *apikeys.Service
	Dispatcher    *dispatch.Dispatcher
	Conversations *conversation.Registry
	Media         *media.Library
	APILogs       *apilog.Recorder
	Admin         *admin.Console
	Features      *features.Service
	Stats         *ServerStats
}

// Server is the ERIMTECH HTTP API.
type Server struct {
	addr     string
	router   *http.ServeMux
	handler  http.Handler
	server   *http.Server
	log      *zap.Logger
	limiter  *IPRateLimiter
	proxies  *ProxyResolver
	maxBody  int64
	maxMedia int64

	readTimeout  time.Duration
	writeTimeout time.Duration

	store    docstore.Store
	auth     *auth.Service
	keys     *apikeys.Service
	dispatch *dispatch.Dispatcher
	convs    *conversation.Registry
	media    *media.Library
	apiLogs  *apilog.Recorder
	admin    *admin.Console
	features *features.Service
	stats    *ServerStats

	mu     sync.Mutex
	closed bool
	// done is closed by Shutdown so long-lived streams can end before
	// http.Server.Shutdown waits on them.
	done chan struct{}
}

// New builds a Server from d.
func New(d Deps) (*Server, error) {
	if d.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if d.Auth == nil || d.Keys == nil || d.Dispatcher == nil || d.Conversations == nil {
		return nil, errors.New("server: auth, keys, dispatcher and conversations are required")
	}
	if d.Admin != nil && d.Store == nil {
		return nil, errors.New("server: admin routes need the document store")
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	stats := d.Stats
	if stats == nil {
		stats = NewServerStats()
	}
	cfg := d.Config.Server

	proxies, err := NewProxyResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	maxBody := int64(cfg.MaxBodyMB) << 20
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	maxMedia := int64(d.Config.Media.MaxUploadMB) << 20
	if maxMedia <= 0 {
		maxMedia = maxBody
	}

	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		router:       http.NewServeMux(),
		log:          log.Named("server"),
		limiter:      NewIPRateLimiter(cfg.RateLimitPerMinute),
		proxies:      proxies,
		maxBody:      maxBody,
		maxMedia:     maxMedia,
		readTimeout:  time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		writeTimeout: time.Duration(cfg.WriteTimeoutSecs) * time.Second,
		store:        d.Store,
		auth:         d.Auth,
		keys:         d.Keys,
		dispatch:     d.Dispatcher,
		convs:        d.Conversations,
		media:        d.Media,
		apiLogs:      d.APILogs,
		admin:        d.Admin,
		features:     d.Features,
		stats:        stats,
		done:         make(chan struct{}),
	}
	s.setupRoutes()

	s.handler = Chain(
		RecoveryMiddleware(s.log),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log.Named("http"), s.proxies),
		RateLimitMiddleware(s.limiter, s.proxies, s.log),
		CORSMiddleware(NewCORSConfig(cfg.CORSOrigins)),
	)(s.countRequests(s.router))
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stats returns the live counters.
func (s *Server) Stats() *ServerStats {
	return s.stats
}

// SetLimits changes the per-IP request budget.
func (s *Server) SetLimits(perMinute int) {
	s.limiter.SetLimit(perMinute)
	s.log.Info("rate limit updated", zap.Int("per_minute", perMinute))
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)

	s.router.HandleFunc("POST /auth/signup", s.handleSignUp)
	s.router.HandleFunc("POST /auth/signin", s.handleSignIn)
	s.router.HandleFunc("POST /auth/anonymous", s.handleAnonymous)
	s.router.HandleFunc("POST /auth/signout", s.handleSignOut)
	s.router.HandleFunc("GET /auth/me", s.withSession(s.handleMe))
	s.router.HandleFunc("POST /auth/totp", s.withSession(s.handleEnrollTOTP))

	s.router.HandleFunc("GET /app/conversations", s.withSession(s.handleListConversations))
	s.router.HandleFunc("POST /app/conversations", s.withSession(s.handleCreateConversation))
	s.router.HandleFunc("GET /app/conversations/{id}", s.withSession(s.handleGetConversation))
	s.router.HandleFunc("PATCH /app/conversations/{id}", s.withSession(s.handleUpdateConversation))
	s.router.HandleFunc("DELETE /app/conversations/{id}", s.withSession(s.handleDeleteConversation))
	s.router.HandleFunc("POST /app/conversations/{id}/messages", s.withSession(s.handleSendMessage))
	s.router.HandleFunc("GET /app/apikey", s.withSession(s.handleGetAPIKey))
	s.router.HandleFunc("POST /app/apikey/regenerate", s.withSession(s.handleRegenerateAPIKey))
	s.router.HandleFunc("GET /app/apikey/usage", s.withSession(s.handleAPIKeyUsage))

	s.router.HandleFunc("POST /v1/chat", s.withAPIKey(s.handleV1Chat))
	s.router.HandleFunc("POST /v1/code/generate", s.withAPIKey(s.handleV1CodeGenerate))
	s.router.HandleFunc("POST /v1/code/explain", s.withAPIKey(s.handleV1CodeExplain))
	s.router.HandleFunc("POST /v1/image/analyze", s.withAPIKey(s.handleV1ImageAnalyze))
	s.router.HandleFunc("POST /v1/audio/transcribe", s.withAPIKey(s.handleV1AudioTranscribe))
	s.router.HandleFunc("POST /v1/video/summarize", s.withAPIKey(s.handleV1VideoSummarize))
	s.router.HandleFunc("POST /v1/url/analyze", s.withAPIKey(s.handleV1URLAnalyze))

	if s.admin != nil {
		s.router.HandleFunc("GET /admin/users", s.withAdmin(s.handleAdminUsers))
		s.router.HandleFunc("PATCH /admin/users/{id}", s.withAdmin(s.handleAdminUpdateUser))
		s.router.HandleFunc("DELETE /admin/users/{id}", s.withAdmin(s.handleAdminDeleteUser))
		s.router.HandleFunc("GET /admin/media", s.withAdmin(s.handleAdminMedia))
		s.router.HandleFunc("PATCH /admin/media/{id}", s.withAdmin(s.handleAdminUpdateMedia))
		s.router.HandleFunc("DELETE /admin/media/{id}", s.withAdmin(s.handleAdminDeleteMedia))
		s.router.HandleFunc("GET /admin/media/{id}/file", s.withAdmin(s.handleAdminMediaFile))
		s.router.HandleFunc("GET /admin/logs", s.withAdmin(s.handleAdminLogs))
		s.router.HandleFunc("GET /admin/features", s.withAdmin(s.handleAdminFeatures))
		s.router.HandleFunc("PATCH /admin/features/{id}", s.withAdmin(s.handleAdminUpdateFeature))
		s.router.HandleFunc("GET /admin/overview", s.withAdmin(s.handleAdminOverview))
		s.router.HandleFunc("GET /admin/events", s.withAdmin(s.handleAdminEvents))
	}
}

// ============================================================================
// HEALTH AND STATS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{Status: "ok", Version: Version, Store: "ok"}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.store.Query(ctx, docstore.FeatureToggles, docstore.Query{Limit: 1}); err != nil {
			s.log.Warn("health check: store unavailable", zap.Error(err))
			health.Status = "degraded"
			health.Store = "unavailable"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown. It
// returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("server started", zap.String("addr", ln.Addr().String()), zap.String("version", Version))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.log.Info("server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// countRequests feeds ServerStats.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)
		s.stats.RecordRequest(strings.HasPrefix(r.URL.Path, "/v1/"), rw.statusCode)
	})
}

// fail writes the mapped error response, logging anything that is not a
// client error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeTypedError(w, status, typeFor(err, status), msg)
}
