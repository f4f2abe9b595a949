// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/model"
	"github.com/jeranaias/erimtech/internal/tui"
)

// localOwner owns the conversations of the terminal chat.
const localOwner = "local"

func (a *app) chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the full-screen terminal chat",
		Long: `Start the full-screen terminal chat. Conversations are kept in the local
conversation store and survive restarts when conversations.persist is on.

Type /help inside the chat for the list of slash commands.`,
		Example: `  erimtech chat
  erimtech chat --feature code_generation --lang go`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"logfile": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd)
		},
	}
	cmd.Flags().String("feature", "", "start a new conversation with this feature")
	cmd.Flags().String("lang", "", "default code language")
	return cmd
}

func (a *app) runChat(cmd *cobra.Command) error {
	ctx := cmd.Context()

	var feature model.Feature
	if f := cmd.Flags().Lookup("feature"); f != nil && f.Value.String() != "" {
		parsed, err := model.ParseFeature(f.Value.String())
		if err != nil {
			return err
		}
		feature = parsed
	}
	var lang string
	if f := cmd.Flags().Lookup("lang"); f != nil {
		lang = f.Value.String()
	}

	svc, err := openServices(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.withDispatch(ctx, true); err != nil {
		// A running server holds the bolt lock; chat still works in memory.
		a.log.Warn("conversation store unavailable; history will not be saved", zap.Error(err))
		fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("Warning: "+err.Error()+" (conversations kept in memory)"))
		if err := svc.withDispatch(ctx, false); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := svc.feats.Start(ctx); err != nil {
		return err
	}
	defer func() {
		cancel()
		<-svc.feats.Done()
	}()

	mgr, err := svc.convs.For(localOwner)
	if err != nil {
		return err
	}
	if feature != "" {
		if _, err := mgr.Create(feature); err != nil {
			return err
		}
	}

	m, err := tui.New(mgr, svc.disp, tui.Options{
		Theme:          chatTheme(a.cfg.UI.Theme),
		Language:       lang,
		MaxUploadBytes: int64(a.cfg.Media.MaxUploadMB) << 20,
		Log:            a.log,
	})
	if err != nil {
		return err
	}
	return tui.Run(ctx, m)
}

func chatTheme(name string) *tui.Theme {
	switch strings.ToLower(name) {
	case "dark":
		return tui.NewTheme(true)
	case "light":
		return tui.NewTheme(false)
	default:
		return tui.DetectTheme()
	}
}
