// Package botlib provides a simple library for building chat bots.
package botlib

import (
	"strings"
	"time"
)

// Message represents a chat line received by the bot.
type Message struct {
	Author  string
	Content string
	Room    string // Room the bot was in when the line arrived
	SentAt  time.Time

	// Internal: the bot's name for mention detection
	botName string
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @name anywhere or "name:" / "name," / "name " at the start
// (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	name := strings.ToLower(m.botName)

	if strings.Contains(content, "@"+name) {
		return true
	}

	return strings.HasPrefix(content, name+":") ||
		strings.HasPrefix(content, name+",") ||
		strings.HasPrefix(content, name+" ")
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botName == "" {
		return m.Content
	}

	content := m.Content
	name := m.botName

	// Remove @name mentions in any case
	for {
		i := strings.Index(strings.ToLower(content), "@"+strings.ToLower(name))
		if i < 0 {
			break
		}
		content = content[:i] + content[i+1+len(name):]
	}

	lower := strings.ToLower(content)
	lowerName := strings.ToLower(name)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerName+sep) {
			content = content[len(name)+1:]
			break
		}
	}

	return strings.TrimSpace(content)
}
