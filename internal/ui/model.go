// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides the terminal reader view.
//
// The model is a thin renderer over the session controller: every decision
// (debouncing, gating, retries) lives in the controller, and the UI only
// translates key presses into controller commands and events into pixels.
package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/pagebrief/internal/session"
	"github.com/jeranaias/pagebrief/internal/util"
)

const maxTitleWidth = 60

// Model is the Bubble Tea model for the reader view.
type Model struct {
	ctrl   *session.Controller
	events <-chan session.Event

	// Target page, shown in the header until a title arrives.
	target string
	theme  string

	// Dimensions
	width  int
	height int
	ready  bool

	// Session state mirrored for rendering
	mode      session.Mode
	status    session.Status
	raw       string // accumulated markdown
	message   string // retryable/fatal message line
	fatal     bool
	countdown time.Duration

	// Components
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	keyMap KeyMap
	styles Styles
}

// New creates the reader view bound to a running controller.
func New(ctrl *session.Controller, target, theme string) Model {
	input := textinput.New()
	input.Placeholder = "Ask about this page..."
	input.CharLimit = 500

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctrl:    ctrl,
		events:  ctrl.Events(),
		target:  target,
		theme:   theme,
		mode:    session.ModeBrief,
		status:  session.StatusIdle,
		input:   input,
		spinner: sp,
		keyMap:  DefaultKeyMap(),
		styles:  DefaultStyles(),
	}
}

// Init starts event consumption and kicks off the initial brief.
func (m Model) Init() tea.Cmd {
	m.ctrl.SelectMode(session.ModeBrief)
	return tea.Batch(m.waitForEvent(), m.spinner.Tick)
}

// waitForEvent blocks on the controller's event stream. One event per Cmd;
// Update re-arms it, which is the standard Bubble Tea channel-pump shape.
func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return sessionClosedMsg{}
		}
		return sessionEventMsg{event: ev}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case sessionEventMsg:
		model, cmd := m.handleEvent(msg.event)
		return model, tea.Batch(cmd, model.waitForEvent())

	case sessionClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	// Header (2) + status (1) + input (1) + help (1).
	contentHeight := msg.Height - 5
	if contentHeight < 1 {
		contentHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(msg.Width, contentHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = contentHeight
	}
	m.input.Width = msg.Width - 4

	m.renderer = newRenderer(m.theme, msg.Width)
	m.refreshContent()
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// While the query input is focused, only Submit/Cancel/quit are chords;
	// everything else is text.
	if m.input.Focused() {
		switch {
		case key.Matches(msg, m.keyMap.Submit):
			question := m.input.Value()
			m.input.Blur()
			m.ctrl.SubmitQuery(question)
			return m, nil
		case key.Matches(msg, m.keyMap.Cancel):
			m.input.Blur()
			m.ctrl.CancelView()
			return m, nil
		case msg.Type == tea.KeyCtrlC:
			return m.quit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keyMap.Quit):
		return m.quit()
	case key.Matches(msg, m.keyMap.Brief):
		m.ctrl.SelectMode(session.ModeBrief)
		return m, nil
	case key.Matches(msg, m.keyMap.Explain):
		m.ctrl.SelectMode(session.ModeExplain)
		return m, nil
	case key.Matches(msg, m.keyMap.Query):
		m.ctrl.SelectMode(session.ModeQuery)
		return m, m.input.Focus()
	case key.Matches(msg, m.keyMap.Retry):
		if !m.fatal && m.message != "" {
			m.ctrl.Retry()
		}
		return m, nil
	case key.Matches(msg, m.keyMap.Cancel):
		m.ctrl.CancelView()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.ctrl.Shutdown()
	return m, tea.Quit
}

// handleEvent mirrors controller state into the view.
func (m Model) handleEvent(ev session.Event) (Model, tea.Cmd) {
	switch ev := ev.(type) {
	case session.ModeChangedEvent:
		m.mode = ev.Mode
		m.message = ""
		m.fatal = false
		m.countdown = 0
		if ev.Mode != session.ModeQuery {
			m.raw = ""
			m.refreshContent()
		}

	case session.StatusEvent:
		m.status = ev.Status
		if ev.Status == session.StatusExtracting {
			m.raw = ""
			m.message = ""
			m.fatal = false
			m.countdown = 0
			m.refreshContent()
		}

	case session.TextEvent:
		m.raw = ev.Text
		m.refreshContent()
		m.viewport.GotoBottom()

	case session.SettledOkEvent:
		m.raw = ev.Text
		m.message = ""
		m.countdown = 0
		m.refreshContent()

	case session.RetryableEvent:
		m.message = ev.Message
		m.fatal = false
		m.countdown = ev.Countdown

	case session.CountdownTickEvent:
		m.countdown = ev.Remaining

	case session.FatalEvent:
		m.message = ev.Message
		m.fatal = true
		m.countdown = 0
	}

	return m, nil
}

// refreshContent re-renders the accumulated markdown into the viewport.
func (m *Model) refreshContent() {
	if !m.ready {
		return
	}
	if m.raw == "" {
		m.viewport.SetContent("")
		return
	}
	if m.renderer != nil {
		if out, err := m.renderer.Render(m.raw); err == nil {
			m.viewport.SetContent(out)
			return
		}
	}
	// Rendering failure degrades to plain text, never to a blank screen.
	m.viewport.SetContent(m.raw)
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the full screen.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusView())
	b.WriteString("\n")
	b.WriteString(m.inputView())
	b.WriteString("\n")
	b.WriteString(m.styles.Help.Render("1 brief · 2 explain · 3 ask · r retry · esc cancel · q quit"))
	return b.String()
}

func (m Model) headerView() string {
	title := m.styles.Title.Render(util.TruncateRunes(m.target, maxTitleWidth))

	tab := func(label string, mode session.Mode) string {
		if m.mode == mode {
			return m.styles.TabActive.Render("[" + label + "]")
		}
		return m.styles.Tab.Render(" " + label + " ")
	}
	tabs := tab("Brief", session.ModeBrief) + " " +
		tab("Explain", session.ModeExplain) + " " +
		tab("Ask", session.ModeQuery)

	return title + "\n" + tabs
}

func (m Model) statusView() string {
	if m.countdown > 0 {
		secs := int(math.Ceil(m.countdown.Seconds()))
		line := fmt.Sprintf("%s (retrying in %ds)", m.message, secs)
		return m.styles.Countdown.Render(line)
	}
	if m.message != "" {
		line := m.message
		if !m.fatal {
			line += " Press r to retry."
		}
		return m.styles.Error.Render(line)
	}

	switch m.status {
	case session.StatusExtracting:
		return m.styles.Status.Render(m.spinner.View() + " Reading page...")
	case session.StatusGating, session.StatusStreaming:
		return m.styles.Status.Render(m.spinner.View() + " Thinking...")
	default:
		return m.styles.Status.Render("")
	}
}

func (m Model) inputView() string {
	if m.mode != session.ModeQuery {
		return ""
	}
	return m.styles.Prompt.Render("> ") + m.input.View()
}

// newRenderer builds the markdown renderer for the current width and theme.
func newRenderer(theme string, width int) *glamour.TermRenderer {
	wrap := width - 2
	if wrap < 20 {
		wrap = 20
	}

	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wrap)}
	switch theme {
	case "dark", "light":
		opts = append(opts, glamour.WithStandardStyle(theme))
	default:
		opts = append(opts, glamour.WithAutoStyle())
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil
	}
	return r
}
