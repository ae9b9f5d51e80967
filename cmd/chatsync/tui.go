package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tuiCmd)
}

var tuiCmd = &cobra.Command{
	Use:   "tui [conversation]",
	Short: "Chat in a terminal UI",
	Long:  "Open an interactive chat. Tab cycles conversations, /open <conversation> jumps to one, /quit exits.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var first chatsync.Key
		if len(args) == 1 {
			var err error
			if first, err = chatsync.ParseKey(args[0]); err != nil {
				return err
			}
		}

		e, err := newEngine(chatsync.WithNotifications(chatsync.NewNotificationDispatcher(chatsync.DesktopNotifier{})))
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		events := make(chan chatsync.Event, 256)
		e.sync.OnEvent(forwardEvents(ctx, events))

		tm, ep, err := e.transport(nil)
		if err != nil {
			return err
		}
		if err := tm.Connect(ctx, ep); err != nil {
			return err
		}
		defer tm.Disconnect()

		_, err = tea.NewProgram(newTUIModel(e.sync, events, first), tea.WithAltScreen()).Run()
		// Unblock any forwarder stuck on a full channel before disconnecting.
		cancel()
		return err
	},
}

// forwardEvents hands every engine event to the UI. A full channel applies
// backpressure instead of dropping, so failures always reach the screen;
// cancelling ctx releases a blocked sender once the UI is gone.
func forwardEvents(ctx context.Context, ch chan<- chatsync.Event) chatsync.EventHandler {
	return func(ev chatsync.Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
}

// ============================================================================
// Model
// ============================================================================

const sidebarWidth = 26

type syncEventMsg chatsync.Event

type actionResultMsg struct {
	err error
}

type tuiModel struct {
	cs     *chatsync.ConversationSync
	events <-chan chatsync.Event
	first  chatsync.Key

	input    textinput.Model
	viewport viewport.Model

	convs  []chatsync.Conversation
	active chatsync.Key
	state  chatsync.TransportState
	notice string
	width  int
	height int
}

func newTUIModel(cs *chatsync.ConversationSync, events <-chan chatsync.Event, first chatsync.Key) tuiModel {
	ti := textinput.New()
	ti.Placeholder = "message, /open dm:<id>, /quit"
	ti.CharLimit = 4000
	ti.Focus()

	return tuiModel{
		cs:       cs,
		events:   events,
		first:    first,
		input:    ti,
		viewport: viewport.New(60, 20),
		state:    chatsync.StateDisconnected,
	}
}

func waitEvent(ch <-chan chatsync.Event) tea.Cmd {
	return func() tea.Msg { return syncEventMsg(<-ch) }
}

func (m tuiModel) loadDirectory() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return actionResultMsg{err: m.cs.LoadDirectory(ctx)}
	}
}

func (m tuiModel) open(k chatsync.Key) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := m.cs.Open(ctx, k)
		if errors.Is(err, chatsync.ErrSuperseded) {
			err = nil
		}
		return actionResultMsg{err: err}
	}
}

func (m tuiModel) send(k chatsync.Key, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		_, err := m.cs.Send(ctx, k, text, nil)
		return actionResultMsg{err: err}
	}
}

func (m tuiModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitEvent(m.events), textinput.Blink, m.loadDirectory()}
	if !m.first.IsZero() {
		cmds = append(cmds, m.open(m.first))
	}
	return tea.Batch(cmds...)
}

// refresh re-reads conversations from the engine.
func (m *tuiModel) refresh() {
	m.convs = m.cs.Conversations()
	m.active = m.cs.Active()

	now := time.Now()
	var lines []string
	for _, msg := range m.cs.Messages(m.active) {
		lines = append(lines, formatMessage(msg, now))
	}
	body := strings.Join(lines, "\n")
	switch {
	case m.active.IsZero():
		body = "No conversation open. Tab cycles conversations, /open dm:<id> opens one."
	case body == "":
		body = "No messages yet."
	}
	m.viewport.SetContent(body)
	m.viewport.GotoBottom()
}

// cycle opens the conversation delta places from the active one.
func (m *tuiModel) cycle(delta int) tea.Cmd {
	if len(m.convs) == 0 {
		return nil
	}
	idx := -1
	for i, c := range m.convs {
		if c.Key == m.active {
			idx = i
			break
		}
	}
	next := (idx + delta + len(m.convs)) % len(m.convs)
	if idx < 0 && delta < 0 {
		next = len(m.convs) - 1
	}
	return m.open(m.convs[next].Key)
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(20, msg.Width-sidebarWidth-4)
		m.viewport.Height = max(3, msg.Height-6)
		m.input.Width = max(10, msg.Width-4)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "tab":
			return m, m.cycle(1)
		case "shift+tab":
			return m, m.cycle(-1)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if line == "/quit" {
				return m, tea.Quit
			}
			if arg, ok := strings.CutPrefix(line, "/open "); ok {
				k, err := chatsync.ParseKey(arg)
				if err != nil {
					m.notice = err.Error()
					return m, nil
				}
				m.notice = ""
				return m, m.open(k)
			}
			if m.active.IsZero() {
				m.notice = "open a conversation first"
				return m, nil
			}
			m.notice = ""
			return m, m.send(m.active, line)
		}

	case syncEventMsg:
		switch msg.Type {
		case chatsync.EventTransport:
			m.state = msg.State
		case chatsync.EventAuthRequired:
			m.notice = "authentication required: run 'chatsync init <token>'"
		case chatsync.EventMessageFailed:
			m.notice = fmt.Sprintf("send failed: %v", msg.Err)
		}
		m.refresh()
		return m, waitEvent(m.events)

	case actionResultMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// ============================================================================
// View
// ============================================================================

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("247"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	badgeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62"))
	activeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	sidebarStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	chatStyle    = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
)

func (m tuiModel) View() string {
	total := 0
	for _, c := range m.convs {
		total += c.Unread
	}
	header := headerStyle.Render("chatsync") + "  " +
		statusStyle.Render(fmt.Sprintf("transport=%s unread=%d", m.state, total))

	if m.width < 40 || m.height < 8 {
		return header + "\n" + m.input.View()
	}

	var side []string
	for _, c := range m.convs {
		title := conversationTitle(c)
		if w := sidebarWidth - 8; len(title) > w {
			title = title[:w-1] + "~"
		}
		line := "  " + title
		if c.Key == m.active {
			line = activeStyle.Render("> " + title)
		}
		if c.Unread > 0 {
			line += " " + badgeStyle.Render(fmt.Sprintf(" %d ", c.Unread))
		}
		side = append(side, line)
	}
	if len(side) == 0 {
		side = []string{"(no conversations)"}
	}
	sidebar := sidebarStyle.Width(sidebarWidth).Height(m.viewport.Height + 1).Render(strings.Join(side, "\n"))

	title := "Chat"
	if !m.active.IsZero() {
		title = "Chat: " + m.active.String()
		for _, c := range m.convs {
			if c.Key == m.active {
				title = "Chat: " + conversationTitle(c)
			}
		}
	}
	chat := chatStyle.Width(m.viewport.Width + 2).Render(title + "\n" + m.viewport.View())

	out := header + "\n" + lipgloss.JoinHorizontal(lipgloss.Top, sidebar, chat) + "\n" + m.input.View()
	if m.notice != "" {
		out += "\n" + noticeStyle.Render(m.notice)
	}
	return out
}
