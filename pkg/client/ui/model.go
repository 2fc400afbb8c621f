// Package ui is the terminal front end for the chat client.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/cyberchat/pkg/client"
	"github.com/aeolun/cyberchat/pkg/protocol"
)

// Connection is the part of *client.Client the UI needs
type Connection interface {
	Send(text string) error
	Events() <-chan protocol.Event
	Errors() <-chan error
	Addr() string
	Name() string
}

// lineKind selects the style a history line is drawn with
type lineKind int

const (
	kindPlain lineKind = iota
	kindSystem
	kindChat
	kindOwn
	kindRooms
	kindRoom
	kindHelp
	kindWelcome
	kindError
)

type line struct {
	kind lineKind
	text string
}

// maxHistory bounds the scrollback kept in memory
const maxHistory = 1000

// Model is the bubbletea model: a scrolling history above a one-line input.
type Model struct {
	conn Connection

	viewport viewport.Model
	input    textinput.Model
	history  []line
	room     string

	width  int
	height int
	ready  bool

	quitting bool
	err      error
}

// Message types for bubbletea

// EventMsg wraps an event read from the server
type EventMsg struct {
	Event protocol.Event
}

// DisconnectedMsg is sent once the event stream ends
type DisconnectedMsg struct {
	Err error
}

// NewModel creates the UI for an established connection
func NewModel(conn Connection) Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = "> "
	input.CharLimit = protocol.MaxPlaintextSize
	input.Focus()

	m := Model{
		conn:  conn,
		input: input,
	}
	m.appendLine(kindSystem, fmt.Sprintf("[SECURITY] Encrypted connection established with %s", conn.Addr()))
	m.appendLine(kindSystem, "Commands: /rooms, /join <room>, /help, /quit")
	return m
}

// Init starts listening for server events
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForEvents(m.conn))
}

// listenForEvents waits for the next event, or reports the disconnect once
// the stream is closed
func listenForEvents(conn Connection) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-conn.Events()
		if ok {
			return EventMsg{Event: ev}
		}
		// The read loop queues its error before closing the stream
		select {
		case err := <-conn.Errors():
			return DisconnectedMsg{Err: err}
		default:
			return DisconnectedMsg{}
		}
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		historyHeight := msg.Height - 3 // Status bar and input
		if historyHeight < 1 {
			historyHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, historyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = historyHeight
		}
		m.input.Width = msg.Width - len(m.input.Prompt) - 1
		m.refreshViewport()
		return m, nil

	case EventMsg:
		m.handleEvent(msg.Event)
		return m, listenForEvents(m.conn)

	case DisconnectedMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.appendLine(kindError, fmt.Sprintf("[ERROR] %v", msg.Err))
		} else {
			m.appendLine(kindSystem, "[CONNECTION] Server closed the connection.")
		}
		m.quitting = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		// Best effort: the server treats a dropped connection the same way
		m.conn.Send("/quit")
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEnter:
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.input.Reset()

		if err := m.conn.Send(text); err != nil {
			m.appendLine(kindError, fmt.Sprintf("[ERROR] %v", err))
			return m, nil
		}
		if client.IsQuit(text) {
			m.appendLine(kindSystem, "[DISCONNECTING] Closing connection...")
			m.quitting = true
			return m, tea.Quit
		}
		// The server does not echo chat lines back to their sender
		if !strings.HasPrefix(text, "/") {
			m.appendLine(kindOwn, "[you] "+text)
		}
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.WelcomeEvent:
		m.room = ev.Room
	case protocol.RoomChangeEvent:
		m.room = ev.Room
	}
	m.appendLine(kindOf(ev), Render(ev))
}

func (m *Model) appendLine(kind lineKind, text string) {
	m.history = append(m.history, line{kind: kind, text: text})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderHistory())
	if atBottom || m.viewport.TotalLineCount() <= m.viewport.Height {
		m.viewport.GotoBottom()
	}
}

// Render formats an event as one history entry (the welcome banner spans
// several lines)
func Render(ev protocol.Event) string {
	switch ev := ev.(type) {
	case protocol.WelcomeEvent:
		rule := strings.Repeat("=", 60)
		return strings.Join([]string{
			rule,
			"  " + ev.Message,
			"  Current room: " + ev.Room,
			"  Available rooms: " + strings.Join(ev.Rooms, ", "),
			rule,
		}, "\n")
	case protocol.SystemEvent:
		return "[SYSTEM] " + ev.Message
	case protocol.ChatEvent:
		return fmt.Sprintf("[%s] %s", ev.Username, ev.Message)
	case protocol.RoomListEvent:
		return "[ROOMS] Available: " + strings.Join(ev.Rooms, ", ")
	case protocol.RoomChangeEvent:
		return "[ROOM] " + ev.Message
	case protocol.HelpEvent:
		return "[HELP] " + ev.Message
	case protocol.PlainText:
		return ev.Text
	default:
		return fmt.Sprintf("%v", ev)
	}
}

func kindOf(ev protocol.Event) lineKind {
	switch ev.(type) {
	case protocol.WelcomeEvent:
		return kindWelcome
	case protocol.SystemEvent:
		return kindSystem
	case protocol.ChatEvent:
		return kindChat
	case protocol.RoomListEvent:
		return kindRooms
	case protocol.RoomChangeEvent:
		return kindRoom
	case protocol.HelpEvent:
		return kindHelp
	default:
		return kindPlain
	}
}

// Err returns why the connection ended, if it failed
func (m Model) Err() error { return m.err }
