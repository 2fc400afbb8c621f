package server

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

// Commands recognized after a leading '/'. Matching is case-insensitive.
const (
	cmdQuit  = "quit"
	cmdExit  = "exit"
	cmdRooms = "rooms"
	cmdJoin  = "join"
	cmdHelp  = "help"
)

const helpText = "Commands: /rooms, /join <room>, /quit, /help"

// Kinds recorded for inbound messages
const (
	kindChat    = "chat"
	kindCommand = "command"
	kindIgnored = "ignored"
)

// ErrClientQuit is returned when the client asks to leave with /quit or /exit
var ErrClientQuit = errors.New("client quit")

// parseCommand splits "/name arg" into its lowercased name and the rest of
// the line. ok is false for text that isn't a command.
func parseCommand(text string) (name, arg string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	rest := text[1:]
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		return strings.ToLower(rest[:i]), strings.TrimSpace(rest[i:]), true
	}
	return strings.ToLower(rest), "", true
}

// dispatch handles one sanitized inbound payload from sess
func (s *Server) dispatch(sess *Session, text string) (err error) {
	start := time.Now()
	room, _ := s.registry.RoomOf(sess.ID)
	name, arg, isCommand := parseCommand(text)

	attrs := []attribute.KeyValue{
		attribute.String("cyberchat.session_id", sess.ID),
		attribute.String("cyberchat.room", room),
	}
	if isCommand {
		attrs = append(attrs, attribute.String("cyberchat.command", name))
	}
	_, span := s.tracer.Start(sess.Context(), "cyberchat.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	defer func() {
		if err != nil && !errors.Is(err, ErrClientQuit) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		s.metrics.ObserveDispatch(start)
	}()

	if !isCommand {
		return s.handleChat(sess, room, text)
	}

	switch name {
	case cmdQuit, cmdExit:
		s.metrics.RecordMessageReceived(kindCommand)
		return ErrClientQuit
	case cmdRooms:
		s.metrics.RecordMessageReceived(kindCommand)
		return s.handleRooms(sess)
	case cmdJoin:
		if arg == "" {
			break
		}
		s.metrics.RecordMessageReceived(kindCommand)
		return s.handleJoin(sess, arg)
	case cmdHelp:
		s.metrics.RecordMessageReceived(kindCommand)
		return s.handleHelp(sess)
	}

	debugLog.Printf("Session %s: ignoring unknown command %q", sess.ID, name)
	s.metrics.RecordMessageReceived(kindIgnored)
	return nil
}

// handleChat relays a chat line to everyone else in the sender's room
func (s *Server) handleChat(sess *Session, room, text string) error {
	if text == "" {
		s.metrics.RecordMessageReceived(kindIgnored)
		return nil
	}
	s.metrics.RecordMessageReceived(kindChat)

	s.registry.Broadcast(room, protocol.NewChatEvent(sess.Nickname, text), sess.ID)
	return nil
}

// handleRooms sends the list of every room that exists
func (s *Server) handleRooms(sess *Session) error {
	return s.registry.SendTo(sess.ID, protocol.RoomListEvent{Rooms: s.registry.RoomNames()})
}

// handleJoin moves the session into room, creating it if needed
func (s *Server) handleJoin(sess *Session, room string) error {
	previous, err := s.registry.Join(sess.ID, room)
	if err != nil {
		return err
	}

	if previous != room {
		s.registry.Broadcast(previous, protocol.SystemEvent{Message: sess.Nickname + " has left the room"}, sess.ID)
	}

	if err := s.registry.SendTo(sess.ID, protocol.RoomChangeEvent{
		Room:    room,
		Message: "Joined room: " + room,
	}); err != nil {
		return err
	}

	if previous != room {
		s.registry.Broadcast(room, protocol.SystemEvent{Message: sess.Nickname + " joined the room"}, sess.ID)
	}
	return nil
}

// handleHelp sends the command summary
func (s *Server) handleHelp(sess *Session) error {
	return s.registry.SendTo(sess.ID, protocol.HelpEvent{Message: helpText})
}
