// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui is the terminal chat client: a conversation sidebar, the
// message history and an input line driven by slash commands.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/jeranaias/erimtech/internal/conversation"
	"github.com/jeranaias/erimtech/internal/dispatch"
	"github.com/jeranaias/erimtech/internal/model"
)

const (
	sidebarWidth    = 28
	minSidebarTotal = 72
	thinkingText    = "ERIMTECH AI is thinking..."
)

// Conversations is the conversation store the screen works on.
// *conversation.Manager implements it.
type Conversations interface {
	dispatch.Appender
	Create(feature model.Feature) (*model.Conversation, error)
	Get(id string) (*model.Conversation, error)
	List() []*model.Conversation
	Rename(id, name string) (*model.Conversation, error)
	SetFeature(id string, feature model.Feature) (*model.Conversation, error)
	Delete(id string) error
}

// Exchanger runs one submission. *dispatch.Dispatcher implements it.
type Exchanger interface {
	Exchange(ctx context.Context, convs dispatch.Appender, convID string, req dispatch.Request) (user, reply *model.Message, err error)
}

// Options configures the chat screen.
type Options struct {
	Theme          *Theme
	Language       string
	MaxUploadBytes int64
	Log            *zap.Logger
}

// exchangeDoneMsg carries the result of an Exchange back to Update.
type exchangeDoneMsg struct {
	convID string
	reply  *model.Message
	err    error
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the bubbletea model for the chat screen.
type Model struct {
	convs Conversations
	disp  Exchanger
	log   *zap.Logger
	theme *Theme
	rend  *renderer

	list     []*model.Conversation
	selected string

	// Applied to the next submission, then cleared. lang persists.
	lang string
	url  string
	file *dispatch.Attachment

	maxUpload int64

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	busy       bool
	cancel     context.CancelFunc
	optimistic *model.Message

	status    string
	statusErr bool
	showHelp  bool

	width, height int
	ready         bool
}

// New builds the screen. A chat conversation is created when the store is
// empty.
func New(convs Conversations, disp Exchanger, opts Options) (Model, error) {
	if convs == nil || disp == nil {
		return Model{}, errors.New("tui: conversations and dispatcher are required")
	}
	if opts.Theme == nil {
		opts.Theme = NewTheme(true)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 8000
	ti.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(opts.Theme.Spinner))

	m := Model{
		convs:     convs,
		disp:      disp,
		log:       opts.Log.Named("tui"),
		theme:     opts.Theme,
		rend:      newRenderer(opts.Theme, 80),
		lang:      model.NormalizeLanguage(opts.Language),
		maxUpload: opts.MaxUploadBytes,
		input:     ti,
		viewport:  viewport.New(80, 20),
		spinner:   sp,
	}
	if err := m.refresh(); err != nil {
		return Model{}, err
	}
	return m, nil
}

// Run starts the program on the alternate screen and blocks until it exits.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Current returns the selected conversation.
func (m Model) Current() *model.Conversation {
	for _, c := range m.list {
		if c.ID == m.selected {
			return c
		}
	}
	return nil
}

// Busy reports whether an exchange is in flight.
func (m Model) Busy() bool { return m.busy }

// Status returns the last status line.
func (m Model) Status() string { return m.status }

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "esc":
			m.showHelp = false
			if m.busy && m.cancel != nil {
				m.cancel()
				m.setStatus("Cancelling...", false)
			}
			m.syncView()
			return m, nil
		case "ctrl+n":
			m.move(1)
			return m, nil
		case "ctrl+p":
			m.move(-1)
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case "enter":
			return m.submit()
		}

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case exchangeDoneMsg:
		m.busy = false
		m.cancel = nil
		m.optimistic = nil
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
		} else if msg.reply != nil && msg.reply.IsError() {
			m.setStatus("Request failed", true)
		} else {
			m.setStatus("", false)
		}
		if err := m.refresh(); err != nil {
			m.setStatus(err.Error(), true)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	if m.busy {
		m.setStatus("Please wait for the current reply.", true)
		return m, nil
	}
	if strings.HasPrefix(strings.TrimSpace(line), "/") {
		m.input.Reset()
		cmd, err := ParseCommand(line)
		if err != nil {
			m.setStatus(err.Error(), true)
			return m, nil
		}
		return m.apply(cmd)
	}

	conv := m.Current()
	if conv == nil {
		return m, nil
	}
	req := buildRequest(conv.Feature, line, m.lang, m.url, m.file)
	if _, err := dispatch.UserText(req); err != nil {
		return m, nil
	}
	m.input.Reset()
	return m.send(req)
}

// send starts an asynchronous exchange on the selected conversation.
func (m Model) send(req dispatch.Request) (tea.Model, tea.Cmd) {
	conv := m.Current()
	if conv == nil {
		return m, nil
	}
	text, err := dispatch.UserText(req)
	if err != nil {
		m.setStatus(err.Error(), true)
		return m, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.busy = true
	m.cancel = cancel
	m.optimistic = model.NewUserMessage(text)
	m.url, m.file = "", nil
	m.setStatus("", false)
	m.syncView()

	return m, tea.Batch(m.spinner.Tick, exchangeCmd(ctx, cancel, m.disp, m.convs, conv.ID, req))
}

func exchangeCmd(ctx context.Context, cancel context.CancelFunc, d Exchanger, convs Conversations, convID string, req dispatch.Request) tea.Cmd {
	return func() tea.Msg {
		defer cancel()
		_, reply, err := d.Exchange(ctx, convs, convID, req)
		return exchangeDoneMsg{convID: convID, reply: reply, err: err}
	}
}

// buildRequest maps typed text onto the fields each feature reads.
func buildRequest(f model.Feature, text, lang, url string, file *dispatch.Attachment) dispatch.Request {
	text = strings.TrimSpace(text)
	req := dispatch.Request{Feature: f}
	switch f {
	case model.FeatureCodeGeneration, model.FeatureCodeExplanation:
		req.Code = text
		req.Language = lang
	case model.FeatureVideoSummarization, model.FeatureURLAnalysis:
		req.URL = text
		if req.URL == "" {
			req.URL = url
		}
	case model.FeatureImageAnalysis, model.FeatureAudioTranscription:
		req.Input = text
		req.File = file
	default:
		req.Input = text
		req.URL = url
	}
	return req
}

// apply runs a slash command.
func (m Model) apply(cmd Command) (tea.Model, tea.Cmd) {
	conv := m.Current()
	var err error

	switch cmd.Kind {
	case CmdQuit:
		return m, tea.Quit

	case CmdHelp:
		m.showHelp = !m.showHelp
		m.syncView()
		return m, nil

	case CmdNew:
		var c *model.Conversation
		if c, err = m.convs.Create(cmd.Feature); err == nil {
			m.selected = c.ID
			m.setStatus("Started "+cmd.Feature.Info().Name, false)
		}

	case CmdRename:
		if conv != nil {
			if _, err = m.convs.Rename(conv.ID, cmd.Arg); err == nil {
				m.setStatus("Renamed", false)
			}
		}

	case CmdDelete:
		if conv != nil {
			if err = m.convs.Delete(conv.ID); err == nil {
				m.selected = ""
				m.setStatus("Deleted "+conv.Name, false)
			}
		}

	case CmdFeature:
		if conv != nil {
			if _, err = m.convs.SetFeature(conv.ID, cmd.Feature); err == nil {
				m.setStatus("Switched to "+cmd.Feature.Info().Name, false)
			}
		}

	case CmdLang:
		m.lang = cmd.Arg
		m.setStatus("Language: "+m.lang, false)

	case CmdURL:
		m.url = cmd.Arg
		m.setStatus("URL attached to the next message", false)

	case CmdFile:
		var a *dispatch.Attachment
		if a, err = dispatch.LoadAttachment(cmd.Arg, m.maxUpload); err == nil {
			m.file = a
			m.setStatus(fmt.Sprintf("Attached %s (%s)", a.Name, a.MIMEType), false)
		}

	case CmdCode:
		if conv == nil {
			return m, nil
		}
		return m.send(dispatch.Request{Feature: conv.Feature, Code: cmd.Arg, Language: m.lang, URL: m.url, File: m.file})

	case CmdNext:
		m.move(1)
		return m, nil

	case CmdPrev:
		m.move(-1)
		return m, nil

	case CmdExport:
		if conv != nil {
			if err = conversation.WriteExport(cmd.Arg, conv); err == nil {
				m.setStatus("Exported to "+cmd.Arg, false)
			}
		}
	}

	if err != nil {
		m.log.Debug("command failed", zap.Int("command", int(cmd.Kind)), zap.Error(err))
		m.setStatus(err.Error(), true)
	}
	if rerr := m.refresh(); rerr != nil {
		m.setStatus(rerr.Error(), true)
	}
	return m, nil
}

// =============================================================================
// STATE HELPERS
// =============================================================================

// refresh reloads the conversation list, keeps the selection when it still
// exists and creates a chat conversation when none remain.
func (m *Model) refresh() error {
	m.list = m.convs.List()
	if len(m.list) == 0 {
		c, err := m.convs.Create(model.FeatureChat)
		if err != nil {
			return err
		}
		m.list = []*model.Conversation{c}
	}
	if m.Current() == nil {
		m.selected = m.list[0].ID
	}
	m.syncView()
	return nil
}

func (m *Model) move(delta int) {
	if m.busy || len(m.list) == 0 {
		return
	}
	idx := 0
	for i, c := range m.list {
		if c.ID == m.selected {
			idx = i
		}
	}
	idx = (idx + delta + len(m.list)) % len(m.list)
	m.selected = m.list[idx].ID
	m.syncView()
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	mainW := m.mainWidth()
	m.rend = newRenderer(m.theme, mainW)
	m.input.Width = max(mainW-8, 10)
	// header 2, input box 3, thinking/status 1, pending 1
	m.viewport.Width = mainW
	m.viewport.Height = max(h-7, 3)
	m.ready = true
	m.syncView()
}

func (m Model) mainWidth() int {
	if m.width >= minSidebarTotal {
		return m.width - sidebarWidth
	}
	return max(m.width, 20)
}

// syncView re-renders the history into the viewport.
func (m *Model) syncView() {
	conv := m.Current()
	if conv != nil {
		m.input.Placeholder = conv.Feature.Info().Placeholder
	}
	if m.showHelp {
		m.viewport.SetContent(m.theme.Help.Render(HelpText()))
		m.viewport.GotoTop()
		return
	}
	if conv != nil && m.optimistic != nil {
		conv = conv.Clone()
		conv.Messages = append(conv.Messages, m.optimistic)
	}
	m.viewport.SetContent(m.rend.Conversation(conv))
	m.viewport.GotoBottom()
}

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	mainW := m.mainWidth()

	var status string
	switch {
	case m.busy:
		status = m.spinner.View() + " " + m.theme.Thinking.Render(thinkingText)
	case m.status != "" && m.statusErr:
		status = m.theme.ErrorText.Render(m.status)
	default:
		status = m.theme.Status.Render(m.status)
	}
	fileName := ""
	if m.file != nil {
		fileName = m.file.Name
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		renderHeader(m.theme, m.Current(), m.lang, mainW),
		m.viewport.View(),
		status,
		pendingLine(m.theme, m.url, fileName),
		m.theme.Input.Width(mainW-2).Render(m.input.View()),
	)
	if m.width < minSidebarTotal {
		return main
	}

	idx := 0
	for i, c := range m.list {
		if c.ID == m.selected {
			idx = i
		}
	}
	side := renderSidebar(m.theme, m.list, idx, sidebarWidth, m.height)
	return lipgloss.JoinHorizontal(lipgloss.Top, side, main)
}
