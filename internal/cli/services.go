// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

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
	"github.com/jeranaias/erimtech/internal/fetch"
	"github.com/jeranaias/erimtech/internal/media"
	"github.com/jeranaias/erimtech/internal/server"
)

// =============================================================================
// SERVICE WIRING
// =============================================================================

// services is everything a command may need, built from one config.
type services struct {
	cfg   *config.Config
	log   *zap.Logger
	store docstore.Store
	auth  *auth.Service
	keys  *apikeys.Service
	feats *features.Service
	media *media.Library
	logs  *apilog.Recorder
	admin *admin.Console
	stats *server.ServerStats

	// Only set by withDispatch.
	flows *ai.Flows
	disp  *dispatch.Dispatcher
	bolt  *conversation.BoltDB
	convs *conversation.Registry
}

// openServices opens the document store and the services on top of it.
// Feature toggles are seeded so a fresh store starts with every feature on.
func openServices(ctx context.Context, cfg *config.Config, log *zap.Logger) (*services, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if cfg.Store.Backend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	store, err := docstore.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	s := &services{cfg: cfg, log: log, store: store, stats: server.NewServerStats()}
	s.auth = auth.New(store, authOptions(cfg), log)
	s.keys = apikeys.New(store, apikeys.Options{
		DailyLimit:        cfg.Quota.APIDailyLimit,
		RequestsPerMinute: cfg.Quota.APIRequestsPerMinute,
	}, log)
	s.feats = features.New(store, log)
	s.logs = apilog.New(store)

	if s.media, err = media.New(store, cfg.Media.Dir, log); err != nil {
		store.Close()
		return nil, err
	}
	s.admin = admin.New(store, s.auth, s.media, s.logs, s.feats, log, admin.WithKeys(s.keys))

	if err := s.feats.Seed(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed feature toggles: %w", err)
	}
	return s, nil
}

// withDispatch adds the AI flows, the dispatcher and, when persist is set,
// the bolt-backed conversation registry.
func (s *services) withDispatch(ctx context.Context, persist bool) error {
	flows, err := newFlows(ctx, s.cfg, s.log, s.stats)
	if err != nil {
		return err
	}
	s.flows = flows
	s.disp = dispatch.New(flows, s.feats, s.log)

	if persist && s.cfg.Conversations.Persist {
		if s.bolt, err = conversation.OpenBolt(s.cfg.Conversations.Path); err != nil {
			return fmt.Errorf("open conversation store: %w", err)
		}
	}
	s.convs = conversation.NewRegistry(s.bolt, s.cfg.Conversations.MaxConversations, s.log,
		conversation.WithMaxOwners(s.cfg.Conversations.MaxOwners))
	s.admin.Use(admin.WithConversations(s.convs))
	return nil
}

// newFlows builds the Gemini-backed flows. Without an API key every flow
// fails with ai.ErrNotConfigured, which surfaces as an error bubble.
func newFlows(ctx context.Context, cfg *config.Config, log *zap.Logger, usage ai.UsageRecorder) (*ai.Flows, error) {
	var gen ai.Generator
	g, err := ai.NewGenAI(ctx, cfg.AI.APIKey, cfg.AI.Model, cfg.AITimeout(), log)
	switch {
	case errors.Is(err, ai.ErrNotConfigured):
		log.Warn("no model API key configured; set GEMINI_API_KEY or ai.api_key")
		gen = ai.GeneratorFunc(func(context.Context, ai.Request) (*ai.Response, error) {
			return nil, ai.ErrNotConfigured
		})
	case err != nil:
		return nil, err
	default:
		gen = g
	}

	fetcher := fetch.New(fetch.Options{
		Timeout:      cfg.FetchTimeout(),
		MaxBytes:     cfg.Fetch.MaxBytes,
		MaxChars:     cfg.Fetch.MaxChars,
		UserAgent:    cfg.Fetch.UserAgent,
		AllowPrivate: cfg.Fetch.AllowPrivate,
	}, log)

	opts := []ai.Option{ai.WithFetcher(fetcher), ai.WithLogger(log)}
	if usage != nil {
		opts = append(opts, ai.WithUsageRecorder(usage))
	}
	return ai.NewFlows(gen, opts...)
}

func authOptions(cfg *config.Config) auth.Options {
	return auth.Options{
		AdminEmails:       cfg.Auth.AdminEmails,
		SessionTTL:        cfg.SessionTTL(),
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		TOTPIssuer:        cfg.Auth.TOTPIssuer,
		ExplorerDaily:     cfg.Quota.ExplorerDaily,
		InnovatorDaily:    cfg.Quota.InnovatorDaily,
	}
}

// Close releases the stores.
func (s *services) Close() error {
	var errs []error
	if s.bolt != nil {
		errs = append(errs, s.bolt.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
