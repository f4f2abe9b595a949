// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the erimtech command line.
//
//	erimtech                  Start the terminal chat (same as "chat")
//	erimtech serve            Run the HTTP API
//	erimtech ask "question"   One-shot or REPL question, local or via --server
//	erimtech admin ...        Users, feature toggles and API logs
//	erimtech config ...       init, show, path
//	erimtech version
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/config"
	"github.com/jeranaias/erimtech/internal/logging"
)

// Version information (can be overridden at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// skipConfig marks commands that must work without a loadable config.
const skipConfig = "skip-config"

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FB7185")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22D3EE")).Bold(true)
)

// app carries the state shared by every command.
type app struct {
	cfgPath string
	debug   bool

	// logFile redirects logs away from the terminal for full-screen commands.
	logFile string

	cfg *config.Config
	log *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "erimtech",
		Short: "ERIMTECH AI - chat, code, image, audio, video and URL assistant",
		Long: `ERIMTECH AI brings chat, code generation and explanation, image analysis,
audio transcription, video summarization and URL analysis to the terminal
and to an HTTP API with developer keys.

Run without a subcommand to start the terminal chat.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd)
		},
	}
	root.Annotations = map[string]string{"logfile": "true"}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default ~/.erimtech/config.toml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "debug logging in console format")

	root.AddCommand(
		a.serveCmd(),
		a.chatCmd(),
		a.askCmd(),
		a.adminCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

// setup loads the config and builds the logger for cmd.
func (a *app) setup(cmd *cobra.Command) error {
	var err error
	if a.cfgPath != "" {
		a.cfg, err = config.LoadFromPath(a.cfgPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		if cmd.Annotations[skipConfig] == "" {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("Warning: "+err.Error()+" (using defaults)"))
		a.cfg = config.Default()
		a.cfg.SetDefaults()
	}
	config.SetGlobal(a.cfg)

	var paths []string
	if cmd.Annotations["logfile"] != "" {
		if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
			return err
		}
		a.logFile = filepath.Join(a.cfg.DataDir, "erimtech.log")
		paths = []string{a.logFile}
	}
	a.log, err = logging.New(a.cfg.Log, a.debug, paths...)
	return err
}

// configPath is the file "config init" writes and "serve" watches.
func (a *app) configPath() (string, error) {
	if a.cfgPath != "" {
		return a.cfgPath, nil
	}
	return config.ConfigPathTOML()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "erimtech %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
			return nil
		},
	}
}
