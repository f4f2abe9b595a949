// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/erimtech/internal/model"
)

// =============================================================================
// MESSAGE RENDERER
// =============================================================================

// renderer turns messages into styled terminal text for a given width.
type renderer struct {
	theme *Theme
	width int
	md    *glamour.TermRenderer
}

func newRenderer(theme *Theme, width int) *renderer {
	r := &renderer{theme: theme, width: max(width, 20)}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(theme.GlamourStyle),
		glamour.WithWordWrap(r.width-2),
	)
	if err == nil {
		r.md = md
	}
	return r
}

// Conversation renders every message, oldest first.
func (r *renderer) Conversation(conv *model.Conversation) string {
	if conv == nil || conv.IsEmpty() {
		info := model.FeatureChat.Info()
		if conv != nil {
			info = conv.Feature.Info()
		}
		return r.theme.Thinking.Render(info.Description + "\n\n" + info.Placeholder + "\nType /help for commands.")
	}
	parts := make([]string, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		parts = append(parts, r.Message(msg))
	}
	return strings.Join(parts, "\n\n")
}

// Message renders one bubble with its sender line.
func (r *renderer) Message(msg *model.Message) string {
	label := r.theme.AILabel.Render(msg.Sender.DisplayName())
	if msg.Sender == model.SenderUser {
		label = r.theme.UserLabel.Render(msg.Sender.DisplayName())
	}
	head := label + " " + r.theme.Timestamp.Render(msg.Timestamp.Format("15:04"))

	var body string
	switch {
	case msg.IsError():
		body = r.theme.ErrorBox.Width(r.width - 4).Render(msg.Text)
	case msg.Sender == model.SenderUser:
		body = r.theme.UserText.Width(r.width - 2).Render(msg.Text)
	case msg.Type == model.TypeCode:
		body = r.code(msg.Text, msg.DataString(model.DataLanguage))
	case msg.Type == model.TypeImageAnalysis && msg.DataString(model.DataDescription) != "":
		body = r.markdown(msg.DataString(model.DataDescription))
	default:
		body = r.markdown(msg.Text)
	}
	return head + "\n" + body
}

func (r *renderer) markdown(text string) string {
	if r.md == nil {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

// code renders prose through markdown and each fenced block through chroma.
// Text without fences is treated as prose.
func (r *renderer) code(text, lang string) string {
	blocks := splitFences(text)
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if !b.code {
			if s := strings.TrimSpace(b.text); s != "" {
				parts = append(parts, r.markdown(s))
			}
			continue
		}
		l := b.lang
		if l == "" {
			l = lang
		}
		parts = append(parts, r.codeBlock(b.text, l))
	}
	return strings.Join(parts, "\n")
}

func (r *renderer) codeBlock(code, lang string) string {
	badge := ""
	if lang != "" {
		badge = r.theme.CodeBadge.Render(lang) + "\n"
	}
	return r.theme.CodeBlock.MaxWidth(r.width).Render(badge + Highlight(code, lang, r.theme.ChromaStyle))
}

// Highlight colours code for a 256-colour terminal. Unknown languages are
// detected from the source; on failure the code is returned unchanged.
func Highlight(code, lang, style string) string {
	var sb strings.Builder
	if err := quick.Highlight(&sb, strings.TrimRight(code, "\n"), lang, "terminal256", style); err != nil {
		return code
	}
	return strings.TrimRight(sb.String(), "\n")
}

type fence struct {
	code bool
	lang string
	text string
}

// splitFences cuts markdown into prose and ``` fenced code segments. An
// unclosed fence runs to the end of the text.
func splitFences(text string) []fence {
	var out []fence
	var cur []string
	inCode := false
	lang := ""
	flush := func() {
		if len(cur) > 0 {
			out = append(out, fence{code: inCode, lang: lang, text: strings.Join(cur, "\n")})
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			flush()
			if inCode {
				inCode, lang = false, ""
			} else {
				inCode = true
				lang = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "```"))
			}
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// =============================================================================
// SIDEBAR AND HEADER
// =============================================================================

// renderSidebar lists conversation names, one per line, truncated to width
// display cells. The selected row is marked.
func renderSidebar(theme *Theme, convs []*model.Conversation, selected, width, height int) string {
	inner := max(width-3, 4)
	lines := []string{theme.SidebarTitle.Render(runewidth.Truncate("CONVERSATIONS", inner, ""))}
	for i, c := range convs {
		if len(lines) >= height {
			break
		}
		name := runewidth.FillRight(runewidth.Truncate(c.Name, inner-2, "…"), inner-2)
		if i == selected {
			lines = append(lines, theme.SidebarSelected.Render("▸ "+name))
		} else {
			lines = append(lines, theme.SidebarItem.Render("  "+name))
		}
	}
	return theme.Sidebar.Width(width - 1).Height(max(height, 1)).Render(strings.Join(lines, "\n"))
}

func renderHeader(theme *Theme, conv *model.Conversation, lang string, width int) string {
	title := theme.HeaderBrand.Render("ERIMTECH AI")
	info := ""
	if conv != nil {
		info = conv.Feature.Info().Name
		if conv.Feature == model.FeatureCodeGeneration || conv.Feature == model.FeatureCodeExplanation {
			info += " · " + lang
		}
		info += " · " + runewidth.Truncate(conv.Name, 40, "…")
	}
	gap := max(width-lipgloss.Width(title)-runewidth.StringWidth(info)-4, 1)
	return theme.Header.Width(width).Render(title + strings.Repeat(" ", gap) + theme.HeaderInfo.Render(info))
}

func pendingLine(theme *Theme, url, file string) string {
	var parts []string
	if url != "" {
		parts = append(parts, "url: "+url)
	}
	if file != "" {
		parts = append(parts, "file: "+file)
	}
	if len(parts) == 0 {
		return ""
	}
	return theme.Pending.Render(fmt.Sprintf("attached %s", strings.Join(parts, ", ")))
}
