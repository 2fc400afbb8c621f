package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	PrimaryColor = lipgloss.Color("205")
	MutedColor   = lipgloss.Color("240")
	SystemColor  = lipgloss.Color("39")
	SuccessColor = lipgloss.Color("42")
	WarningColor = lipgloss.Color("214")
	ErrorColor   = lipgloss.Color("196")
	TextColor    = lipgloss.Color("252")
)

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			Background(lipgloss.Color("236")).
			Padding(0, 1)

	lineStyles = map[lineKind]lipgloss.Style{
		kindPlain:   lipgloss.NewStyle().Foreground(TextColor),
		kindSystem:  lipgloss.NewStyle().Foreground(SystemColor),
		kindChat:    lipgloss.NewStyle().Foreground(TextColor),
		kindOwn:     lipgloss.NewStyle().Foreground(MutedColor),
		kindRooms:   lipgloss.NewStyle().Foreground(SuccessColor),
		kindRoom:    lipgloss.NewStyle().Foreground(SuccessColor),
		kindHelp:    lipgloss.NewStyle().Foreground(WarningColor),
		kindWelcome: lipgloss.NewStyle().Foreground(PrimaryColor).Bold(true),
		kindError:   lipgloss.NewStyle().Foreground(ErrorColor),
	}
)

// View renders the UI
func (m Model) View() string {
	if !m.ready {
		return "Connecting...\n"
	}

	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	b.WriteString("\n")
	if !m.quitting {
		b.WriteString(m.input.View())
	}
	return b.String()
}

func (m Model) renderHistory() string {
	wrap := lipgloss.NewStyle()
	if m.width > 0 {
		wrap = wrap.Width(m.width)
	}

	rendered := make([]string, 0, len(m.history))
	for _, l := range m.history {
		rendered = append(rendered, wrap.Render(lineStyles[l.kind].Render(l.text)))
	}
	return strings.Join(rendered, "\n")
}

func (m Model) renderStatusBar() string {
	room := m.room
	if room == "" {
		room = "-"
	}
	status := fmt.Sprintf("%s | %s | #%s", m.conn.Addr(), m.conn.Name(), room)
	if m.quitting {
		status += " | disconnected"
	}
	style := statusStyle
	if m.width > 0 {
		style = style.Width(m.width)
	}
	return style.Render(status)
}
