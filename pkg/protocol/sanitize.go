package protocol

import (
	"net"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTextLength is the maximum number of characters kept by Sanitize
	MaxTextLength = 500

	// MinNameLength is the shortest display name accepted at registration
	MinNameLength = 2
)

var controlReplacer = strings.NewReplacer("\x00", "", "\r", " ", "\n", " ")

// Sanitize strips NUL bytes, turns CR and LF into spaces and truncates the
// result to MaxTextLength characters. It is idempotent.
func Sanitize(text string) string {
	text = controlReplacer.Replace(text)
	if utf8.RuneCountInString(text) <= MaxTextLength {
		return text
	}

	n := 0
	for i := range text {
		if n == MaxTextLength {
			return text[:i]
		}
		n++
	}
	return text
}

// ValidateName sanitizes a requested display name and reports whether it is usable.
func ValidateName(raw string) (string, bool) {
	name := strings.TrimSpace(Sanitize(raw))
	if utf8.RuneCountInString(name) < MinNameLength {
		return "", false
	}
	return name, true
}

// DefaultName is the name assigned when a client sends nothing usable.
// It is derived from the client's source port, e.g. "User_51432".
func DefaultName(remoteAddr string) string {
	_, port, err := net.SplitHostPort(remoteAddr)
	if err != nil || port == "" {
		port = "0"
	}
	return "User_" + port
}

// NameOrDefault returns the validated name, or DefaultName(remoteAddr) when
// raw is empty or too short.
func NameOrDefault(raw, remoteAddr string) string {
	if name, ok := ValidateName(raw); ok {
		return name
	}
	return DefaultName(remoteAddr)
}
