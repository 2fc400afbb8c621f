package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

// State is the lifecycle position of a session. It only moves forward.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrTransportClosed = errors.New("transport closed")
)

// Connection types
const (
	ConnTypeTCP       = "tcp"
	ConnTypeWebSocket = "websocket"
	ConnTypeSSH       = "ssh"
)

// Session represents one client connection
type Session struct {
	ID         string    // "<remote-addr>#<uuid>", unique per connection
	Nickname   string    // Fixed after the handshake
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string
	ConnType   string
	Connected  time.Time

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession wraps an accepted connection in a session in the handshaking state.
func NewSession(conn net.Conn, connType string, codec *protocol.Codec, writeTimeout time.Duration) *Session {
	remote := conn.RemoteAddr().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         remote + "#" + uuid.NewString(),
		Conn:       NewSafeConn(conn, codec, writeTimeout),
		RemoteAddr: remote,
		ConnType:   connType,
		Connected:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Context is cancelled once the session reaches the closed state
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the session to next if that is a forward transition.
// It returns false when the session is already at or past next.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			if next == StateClosed {
				s.cancel()
			}
			return true
		}
	}
}

// Duration returns how long the session has been connected
func (s *Session) Duration() time.Duration {
	return time.Since(s.Connected)
}

// Send marshals ev and writes it to this session only.
func (s *Session) Send(ev protocol.Event) error {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type(), err)
	}
	return s.sendPayload(payload)
}

func (s *Session) sendPayload(payload []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	return s.Conn.WriteMessage(payload)
}
