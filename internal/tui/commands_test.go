// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jeranaias/erimtech/internal/model"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"/new", Command{Kind: CmdNew, Feature: model.FeatureChat}},
		{"/new code-generation", Command{Kind: CmdNew, Arg: "code-generation", Feature: model.FeatureCodeGeneration}},
		{"/rename  My project  ", Command{Kind: CmdRename, Arg: "My project"}},
		{"/delete", Command{Kind: CmdDelete}},
		{"/feature url_analysis", Command{Kind: CmdFeature, Arg: "url_analysis", Feature: model.FeatureURLAnalysis}},
		{"/lang Py", Command{Kind: CmdLang, Arg: "python"}},
		{"/url https://example.com", Command{Kind: CmdURL, Arg: "https://example.com"}},
		{"/file ./a b.png", Command{Kind: CmdFile, Arg: "./a b.png"}},
		{"/code fmt.Println(1)", Command{Kind: CmdCode, Arg: "fmt.Println(1)"}},
		{"/next", Command{Kind: CmdNext}},
		{"/PREV", Command{Kind: CmdPrev}},
		{"/export out.md", Command{Kind: CmdExport, Arg: "out.md"}},
		{"/?", Command{Kind: CmdHelp}},
		{"/q", Command{Kind: CmdQuit}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			if err != nil {
				t.Fatalf("ParseCommand(%q) error = %v", tt.line, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCommand(%q) mismatch (-want +got):\n%s", tt.line, diff)
			}
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	if _, err := ParseCommand("hello"); !errors.Is(err, ErrNotCommand) {
		t.Errorf("plain text: err = %v, want ErrNotCommand", err)
	}

	tests := map[string]string{
		"/bogus":         "unknown command",
		"/rename":        "usage: /rename <name>",
		"/file   ":       "usage: /file <path>",
		"/feature nope":  "unknown feature",
		"/new hologram":  "unknown feature",
	}
	for line, want := range tests {
		_, err := ParseCommand(line)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("ParseCommand(%q) error = %v, want containing %q", line, err, want)
		}
	}
}

func TestHelpTextListsEveryCommand(t *testing.T) {
	help := HelpText()
	for name := range commandTable {
		if !strings.Contains(help, "/"+name) {
			t.Errorf("help text is missing /%s", name)
		}
	}
	if !strings.Contains(help, string(model.FeatureVideoSummarization)) {
		t.Error("help text should list feature ids")
	}
}
