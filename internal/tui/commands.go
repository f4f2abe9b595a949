// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/erimtech/internal/model"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// CommandKind identifies a slash command.
type CommandKind int

const (
	CmdNew CommandKind = iota + 1
	CmdRename
	CmdDelete
	CmdFeature
	CmdLang
	CmdURL
	CmdFile
	CmdCode
	CmdNext
	CmdPrev
	CmdExport
	CmdHelp
	CmdQuit
)

// Command is a parsed slash command.
type Command struct {
	Kind    CommandKind
	Arg     string
	Feature model.Feature // CmdNew and CmdFeature
}

// ErrNotCommand is returned for input that does not start with "/".
var ErrNotCommand = errors.New("not a command")

type commandSpec struct {
	kind     CommandKind
	usage    string
	help     string
	needsArg bool
}

var commandTable = map[string]commandSpec{
	"new":     {CmdNew, "/new [feature]", "Start a conversation", false},
	"rename":  {CmdRename, "/rename <name>", "Rename the current conversation", true},
	"delete":  {CmdDelete, "/delete", "Delete the current conversation", false},
	"feature": {CmdFeature, "/feature <name>", "Switch the conversation's feature", true},
	"lang":    {CmdLang, "/lang <language>", "Set the code language", true},
	"url":     {CmdURL, "/url <url>", "Attach a URL to the next message", true},
	"file":    {CmdFile, "/file <path>", "Attach a file to the next message", true},
	"code":    {CmdCode, "/code <text>", "Send text as code input", true},
	"next":    {CmdNext, "/next", "Next conversation", false},
	"prev":    {CmdPrev, "/prev", "Previous conversation", false},
	"export":  {CmdExport, "/export <path>", "Export as Markdown (or JSON by extension)", true},
	"help":    {CmdHelp, "/help", "Show commands", false},
	"quit":    {CmdQuit, "/quit", "Exit", false},
}

var commandAliases = map[string]string{
	"n": "new", "q": "quit", "exit": "quit", "h": "help", "?": "help",
	"language": "lang", "f": "feature",
}

// ParseCommand parses a line starting with "/". Everything after the
// command word is the argument, with surrounding whitespace removed.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, ErrNotCommand
	}
	word, arg, _ := strings.Cut(line[1:], " ")
	word = strings.ToLower(word)
	arg = strings.TrimSpace(arg)
	if alias, ok := commandAliases[word]; ok {
		word = alias
	}

	spec, ok := commandTable[word]
	if !ok {
		return Command{}, fmt.Errorf("unknown command /%s (try /help)", word)
	}
	if spec.needsArg && arg == "" {
		return Command{}, fmt.Errorf("usage: %s", spec.usage)
	}

	cmd := Command{Kind: spec.kind, Arg: arg}
	switch spec.kind {
	case CmdNew:
		cmd.Feature = model.FeatureChat
		if arg != "" {
			f, err := model.ParseFeature(arg)
			if err != nil {
				return Command{}, err
			}
			cmd.Feature = f
		}
	case CmdFeature:
		f, err := model.ParseFeature(arg)
		if err != nil {
			return Command{}, err
		}
		cmd.Feature = f
	case CmdLang:
		cmd.Arg = model.NormalizeLanguage(arg)
	}
	return cmd, nil
}

// HelpText lists the commands in a stable order.
func HelpText() string {
	order := []string{"new", "rename", "delete", "feature", "lang", "url", "file", "code", "next", "prev", "export", "help", "quit"}
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range order {
		spec := commandTable[name]
		fmt.Fprintf(&sb, "  %-18s %s\n", spec.usage, spec.help)
	}
	sb.WriteString("\nFeatures: ")
	ids := make([]string, len(model.Features))
	for i, f := range model.Features {
		ids[i] = string(f)
	}
	sb.WriteString(strings.Join(ids, ", "))
	sb.WriteString("\nKeys: enter send, ctrl+n/ctrl+p switch, pgup/pgdn scroll, esc cancel, ctrl+c quit")
	return sb.String()
}
