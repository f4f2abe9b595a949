// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// =============================================================================
// PALETTE
// =============================================================================

type palette struct {
	accent, brand, success, danger, warn lipgloss.Color
	text, muted, subtle, surface         lipgloss.Color
	userFg, aiFg                         lipgloss.Color
}

var darkPalette = palette{
	accent: "#A78BFA", brand: "#22D3EE", success: "#34D399", danger: "#FB7185", warn: "#FBBF24",
	text: "#CDD6F4", muted: "#6C7086", subtle: "#45475A", surface: "#181825",
	userFg: "#E0F2FE", aiFg: "#E9E4F5",
}

var lightPalette = palette{
	accent: "#7C3AED", brand: "#0891B2", success: "#059669", danger: "#E11D48", warn: "#D97706",
	text: "#1F2937", muted: "#9CA3AF", subtle: "#D4D4D4", surface: "#F5F5F5",
	userFg: "#1E40AF", aiFg: "#5B4B8A",
}

// =============================================================================
// THEME
// =============================================================================

// Theme holds every style the chat screen uses.
type Theme struct {
	Dark bool

	// GlamourStyle and ChromaStyle name the markdown and syntax styles that
	// match the background.
	GlamourStyle string
	ChromaStyle  string

	Header      lipgloss.Style
	HeaderBrand lipgloss.Style
	HeaderInfo  lipgloss.Style

	Sidebar         lipgloss.Style
	SidebarTitle    lipgloss.Style
	SidebarItem     lipgloss.Style
	SidebarSelected lipgloss.Style

	UserLabel lipgloss.Style
	AILabel   lipgloss.Style
	UserText  lipgloss.Style
	Timestamp lipgloss.Style
	CodeBlock lipgloss.Style
	CodeBadge lipgloss.Style
	ErrorText lipgloss.Style
	ErrorBox  lipgloss.Style

	Input    lipgloss.Style
	Pending  lipgloss.Style
	Spinner  lipgloss.Style
	Thinking lipgloss.Style
	Status   lipgloss.Style
	Help     lipgloss.Style
}

// DetectTheme picks the dark or light theme from the terminal background.
func DetectTheme() *Theme {
	return NewTheme(termenv.HasDarkBackground())
}

// NewTheme builds the dark or light theme.
func NewTheme(dark bool) *Theme {
	p := lightPalette
	t := &Theme{Dark: dark, GlamourStyle: "light", ChromaStyle: "github"}
	if dark {
		p = darkPalette
		t.GlamourStyle = "dark"
		t.ChromaStyle = "monokai"
	}

	t.Header = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(p.subtle).
		Padding(0, 1)
	t.HeaderBrand = lipgloss.NewStyle().Foreground(p.brand).Bold(true)
	t.HeaderInfo = lipgloss.NewStyle().Foreground(p.muted)

	t.Sidebar = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderRight(true).
		BorderForeground(p.subtle).
		Padding(0, 1)
	t.SidebarTitle = lipgloss.NewStyle().Foreground(p.muted).Bold(true)
	t.SidebarItem = lipgloss.NewStyle().Foreground(p.text)
	t.SidebarSelected = lipgloss.NewStyle().Foreground(p.accent).Bold(true)

	t.UserLabel = lipgloss.NewStyle().Foreground(p.brand).Bold(true)
	t.AILabel = lipgloss.NewStyle().Foreground(p.accent).Bold(true)
	t.UserText = lipgloss.NewStyle().Foreground(p.userFg)
	t.Timestamp = lipgloss.NewStyle().Foreground(p.muted)
	t.CodeBlock = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(p.subtle).
		Padding(0, 1)
	t.CodeBadge = lipgloss.NewStyle().Foreground(p.muted).Bold(true)
	t.ErrorText = lipgloss.NewStyle().Foreground(p.danger)
	t.ErrorBox = lipgloss.NewStyle().
		Foreground(p.danger).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(p.danger).
		Padding(0, 1)

	t.Input = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(p.accent).
		Padding(0, 1)
	t.Pending = lipgloss.NewStyle().Foreground(p.warn)
	t.Spinner = lipgloss.NewStyle().Foreground(p.accent)
	t.Thinking = lipgloss.NewStyle().Foreground(p.muted).Italic(true)
	t.Status = lipgloss.NewStyle().Foreground(p.success)
	t.Help = lipgloss.NewStyle().Foreground(p.text)
	return t
}
