// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/erimtech/internal/config"
	"github.com/jeranaias/erimtech/internal/server"
)

// shutdownTimeout bounds the wait for in-flight requests on exit.
const shutdownTimeout = 15 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var (
		port int
		host string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Run the ERIMTECH AI HTTP API: sign-in, chat conversations, developer
API keys, the /v1 developer endpoints and the admin console.

The config file is watched while the server runs; rate limits, quotas and
auth options are applied without a restart.`,
		Example: `  erimtech serve
  erimtech serve --port 9000
  GEMINI_API_KEY=... erimtech serve --host 0.0.0.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				a.cfg.Server.Port = port
			}
			if host != "" {
				a.cfg.Server.Host = host
			}
			return a.runServe(cmd.Context(), cmd)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	return cmd
}

func (a *app) runServe(ctx context.Context, cmd *cobra.Command) error {
	svc, err := openServices(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.withDispatch(ctx, true); err != nil {
		return err
	}

	srv, err := server.New(server.Deps{
		Config:        a.cfg,
		Log:           a.log,
		Store:         svc.store,
		Auth:          svc.auth,
		Keys:          svc.keys,
		Dispatcher:    svc.disp,
		Conversations: svc.convs,
		Media:         svc.media,
		APILogs:       svc.logs,
		Admin:         svc.admin,
		Features:      svc.feats,
		Stats:         svc.stats,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s listening on http://%s\n", labelStyle.Render("ERIMTECH AI API"), ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	if err := svc.feats.Start(gctx); err != nil {
		ln.Close()
		return err
	}

	g.Go(func() error { return srv.Serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if path, err := a.configPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			g.Go(func() error {
				err := config.Watch(gctx, path, a.reloader(srv, svc), func(err error) {
					a.log.Warn("config reload failed; keeping previous settings", zap.Error(err))
				})
				if err != nil {
					a.log.Warn("config hot reload disabled", zap.Error(err))
				}
				return nil
			})
		}
	}

	err = g.Wait()
	<-svc.feats.Done()
	return err
}

// reloader applies the settings that can change while serving.
func (a *app) reloader(srv *server.Server, svc *services) func(*config.Config) {
	return func(cfg *config.Config) {
		srv.SetLimits(cfg.Server.RateLimitPerMinute)
		svc.keys.SetLimits(cfg.Quota.APIDailyLimit, cfg.Quota.APIRequestsPerMinute)
		svc.auth.SetOptions(authOptions(cfg))
		a.log.Info("config reloaded",
			zap.Int("rate_limit_per_minute", cfg.Server.RateLimitPerMinute),
			zap.Int("api_daily_limit", cfg.Quota.APIDailyLimit),
			zap.Int("explorer_daily", cfg.Quota.ExplorerDaily))
	}
}
