package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization and the session codec.
//
// A session's own replies and broadcasts from other sessions' goroutines can
// target the same connection at once. Every write goes through mu so frame
// bytes never interleave on the wire.
//
// A write that fails or times out may have left part of a frame on the wire,
// so the connection is closed on the spot and every later write fails fast.
// The session's own receive loop then sees the closed transport.
type SafeConn struct {
	conn         net.Conn
	codec        *protocol.Codec
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to conn and broken
	broken       error      // First write failure, if any

	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn. A zero writeTimeout disables write deadlines.
func NewSafeConn(conn net.Conn, codec *protocol.Codec, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		codec:        codec,
		writeTimeout: writeTimeout,
	}
}

// WriteMessage seals plaintext into a fresh frame and sends it.
func (sc *SafeConn) WriteMessage(plaintext []byte) error {
	frame, err := sc.codec.Encode(plaintext)
	if err != nil {
		return err
	}
	return sc.WriteBytes(frame)
}

// WriteBytes writes raw bytes to the connection with synchronization.
// Used for the unframed key at handshake time.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.broken != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, sc.broken)
	}

	if sc.writeTimeout > 0 {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return sc.fail(err)
		}
	}
	if _, err := sc.conn.Write(data); err != nil {
		return sc.fail(err)
	}
	if sc.writeTimeout > 0 {
		// An armed deadline on an SSH channel closes it even when idle
		sc.conn.SetWriteDeadline(time.Time{})
	}
	return nil
}

// fail marks the connection broken and closes it. Caller must hold sc.mu.
func (sc *SafeConn) fail(err error) error {
	sc.broken = err
	sc.Close()
	return err
}

// Broken reports whether a write has failed on this connection
func (sc *SafeConn) Broken() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.broken != nil
}

// ReadText reads one frame and decodes it as UTF-8 text.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadText() (string, error) {
	body, err := protocol.ReadFrame(sc.conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
			return "", fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		return "", err
	}
	return sc.codec.DecodeText(body)
}

// SetReadDeadline bounds the next read
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
