// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jeranaias/erimtech/internal/client"
	"github.com/jeranaias/erimtech/internal/config"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/model"
)

// apiKeyEnv supplies --key when the flag is not given.
const apiKeyEnv = "ERIMTECH_API_KEY"

type askFlags struct {
	feature string
	url     string
	file    string
	lang    string
	server  string
	key     string
	json    bool
}

func (a *app) askCmd() *cobra.Command {
	var f askFlags
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Ask a single question, or start a line-based REPL",
		Long: `Ask ERIMTECH AI a question without the full-screen chat.

The prompt comes from the arguments, or from stdin when it is piped. With
no arguments on a terminal, ask starts a line-based REPL with history.

By default ask runs the flows in-process. With --server it calls the /v1
developer API of a running server instead, authenticated by --key or
` + apiKeyEnv + `.`,
		Example: `  erimtech ask "what is a goroutine?"
  erimtech ask --feature code_generation --lang go "an LRU cache"
  cat main.go | erimtech ask --feature code_explanation
  erimtech ask --feature image_analysis --file photo.jpg
  erimtech ask --feature url_analysis https://go.dev/blog
  erimtech ask --server http://127.0.0.1:8787 --key etk_... "hello"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAsk(cmd, args, f)
		},
	}
	cmd.Flags().StringVarP(&f.feature, "feature", "f", string(model.FeatureChat), "feature id")
	cmd.Flags().StringVar(&f.url, "url", "", "URL for chat context, video or URL analysis")
	cmd.Flags().StringVar(&f.file, "file", "", "image or audio file; source file for code features")
	cmd.Flags().StringVar(&f.lang, "lang", "", "code language")
	cmd.Flags().StringVar(&f.server, "server", "", "call a running server's /v1 API at this base URL")
	cmd.Flags().StringVar(&f.key, "key", "", "developer API key for --server (default $"+apiKeyEnv+")")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the answer as JSON")
	return cmd
}

// =============================================================================
// ANSWERERS
// =============================================================================

// answerer turns a request into response text.
type answerer interface {
	answer(ctx context.Context, req dispatch.Request) (string, error)
}

type localAnswerer struct {
	disp *dispatch.Dispatcher
}

func (l localAnswerer) answer(ctx context.Context, req dispatch.Request) (string, error) {
	msg, err := l.disp.Dispatch(ctx, req)
	if err != nil {
		return "", err
	}
	return msg.Text, nil
}

type remoteAnswerer struct {
	c *client.Client
}

func (r remoteAnswerer) answer(ctx context.Context, req dispatch.Request) (string, error) {
	switch req.Feature {
	case model.FeatureChat:
		return r.c.Chat(ctx, req.Input, req.URL)
	case model.FeatureCodeGeneration:
		return r.c.GenerateCode(ctx, req.Code, req.Language)
	case model.FeatureCodeExplanation:
		return r.c.ExplainCode(ctx, req.Code, req.Language)
	case model.FeatureImageAnalysis, model.FeatureAudioTranscription:
		if req.File == nil {
			return "", errors.New("--file is required for " + string(req.Feature))
		}
		if req.Feature == model.FeatureImageAnalysis {
			return r.c.AnalyzeImage(ctx, req.File.DataURI())
		}
		return r.c.TranscribeAudio(ctx, req.File.DataURI())
	case model.FeatureVideoSummarization:
		return r.c.SummarizeVideo(ctx, req.URL)
	case model.FeatureURLAnalysis:
		return r.c.AnalyzeURL(ctx, req.URL)
	}
	return "", dispatch.ErrInvalidFeature
}

// =============================================================================
// COMMAND
// =============================================================================

func (a *app) runAsk(cmd *cobra.Command, args []string, f askFlags) error {
	ctx := cmd.Context()
	feature, err := model.ParseFeature(f.feature)
	if err != nil {
		return err
	}
	maxBytes := int64(a.cfg.Media.MaxUploadMB) << 20

	var ans answerer
	if f.server != "" {
		key := f.key
		if key == "" {
			key = os.Getenv(apiKeyEnv)
		}
		ans = remoteAnswerer{c: client.New(f.server, key, client.WithLogger(a.log))}
	} else {
		svc, err := openServices(ctx, a.cfg, a.log)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.withDispatch(ctx, false); err != nil {
			return err
		}
		ans = localAnswerer{disp: svc.disp}
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 && isTerminal(cmd.InOrStdin()) {
		return a.askREPL(ctx, out, ans, feature, f, maxBytes)
	}

	var prompt string
	if len(args) > 0 {
		prompt = strings.Join(args, " ")
	} else {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxBytes))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = string(data)
	}

	req, err := askRequest(feature, prompt, f, maxBytes)
	if err != nil {
		return err
	}
	text, err := ans.answer(ctx, req)
	if err != nil {
		return err
	}
	return printAnswer(out, feature, text, f.json)
}

// askRequest maps a prompt and the flags onto a dispatch request. For code
// features --file is read as source; for image and audio it is attached.
func askRequest(feature model.Feature, prompt string, f askFlags, maxBytes int64) (dispatch.Request, error) {
	prompt = strings.TrimSpace(prompt)
	req := dispatch.Request{Feature: feature, Language: model.NormalizeLanguage(f.lang)}
	info := feature.Info()

	switch {
	case info.RequiresCodeInput:
		req.Code = prompt
		if f.file != "" {
			src, err := os.ReadFile(f.file)
			if err != nil {
				return req, fmt.Errorf("read %s: %w", f.file, err)
			}
			if req.Code != "" {
				req.Code += "\n\n"
			}
			req.Code += string(src)
			if req.Language == "" {
				req.Language = languageFromExt(f.file)
			}
		}
	case info.RequiresFileUpload:
		req.Input = prompt
		if f.file == "" {
			return req, fmt.Errorf("--file is required for %s", feature)
		}
		att, err := dispatch.LoadAttachment(f.file, maxBytes)
		if err != nil {
			return req, err
		}
		if err := dispatch.ValidateAttachment(feature, att); err != nil {
			return req, err
		}
		req.File = att
	case info.RequiresURL:
		req.URL = f.url
		if req.URL == "" {
			req.URL = prompt
		}
	default:
		req.Input = prompt
		req.URL = f.url
	}
	if _, err := dispatch.UserText(req); err != nil {
		return req, err
	}
	return req, nil
}

var extLanguages = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".ts": "typescript",
	".rs": "rust", ".java": "java", ".rb": "ruby", ".c": "c", ".h": "c",
	".cpp": "cpp", ".cs": "csharp", ".sh": "bash", ".sql": "sql",
	".kt": "kotlin", ".swift": "swift", ".php": "php",
}

func languageFromExt(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

// askREPL reads one prompt per line until EOF, Ctrl+C or /quit.
func (a *app) askREPL(ctx context.Context, out io.Writer, ans answerer, feature model.Feature, f askFlags, maxBytes int64) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := ""
	if dir, err := config.ConfigDir(); err == nil {
		histPath = filepath.Join(dir, "ask_history")
		if fh, err := os.Open(histPath); err == nil {
			_, _ = line.ReadHistory(fh)
			fh.Close()
		}
	}
	defer func() {
		if histPath == "" {
			return
		}
		if fh, err := os.Create(histPath); err == nil {
			_, _ = line.WriteHistory(fh)
			fh.Close()
		}
	}()

	fmt.Fprintf(out, "%s %s\n", labelStyle.Render(feature.Info().Name), dimStyle.Render("(/quit to exit)"))
	prompt := string(feature) + "> "
	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "/quit", "/exit", "/q":
			return nil
		}
		line.AppendHistory(input)

		req, err := askRequest(feature, input, f, maxBytes)
		if err == nil {
			var text string
			if text, err = ans.answer(ctx, req); err == nil {
				err = printAnswer(out, feature, text, f.json)
			}
		}
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("Error:"), err)
		}
	}
}

// printAnswer writes text as JSON, as rendered markdown on a terminal, or
// as-is.
func printAnswer(out io.Writer, feature model.Feature, text string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"feature": string(feature), "response": text})
	}
	if isTerminal(out) {
		width := 80
		if fd, ok := out.(*os.File); ok {
			if w, _, err := term.GetSize(int(fd.Fd())); err == nil && w > 20 {
				width = w - 4
			}
		}
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err == nil {
			if rendered, err := r.Render(text); err == nil {
				_, err = io.WriteString(out, rendered)
				return err
			}
		}
	}
	_, err := fmt.Fprintln(out, strings.TrimRight(text, "\n"))
	return err
}

// isTerminal reports whether v is an *os.File attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
