// Package client is the chat client core: it connects to a server, performs
// the key handshake and turns frames into protocol events. Presentation is
// left to the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

// ErrClosed is returned by Send after the client has been closed
var ErrClosed = errors.New("client closed")

// Client is one connection to a chat server.
type Client struct {
	conn  net.Conn
	codec *protocol.Codec
	name  string
	addr  string

	events chan protocol.Event
	errors chan error

	writeMu sync.Mutex
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	logger atomic.Pointer[log.Logger]
}

// Dial connects to addr (see parseServerAddress for the accepted forms) and
// registers name. ctx bounds the connect and the handshake only.
func Dial(ctx context.Context, addr, name string) (*Client, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}

	c, err := NewClient(ctx, conn, name)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.addr = cfg.display
	return c, nil
}

// NewClient runs the handshake over an established connection: it reads the
// raw key and sends name as the first frame. On success the client owns conn.
func NewClient(ctx context.Context, conn net.Conn, name string) (*Client, error) {
	// A cancelled context has no deadline to fire, so it closes the connection
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	var raw [protocol.KeySize]byte
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		return nil, handshakeError(ctx, "failed to read key", err)
	}
	key, err := protocol.KeyFromBytes(raw[:])
	if err != nil {
		return nil, err
	}
	codec, err := protocol.NewCodec(key)
	if err != nil {
		return nil, err
	}

	if err := codec.WriteMessage(conn, []byte(name)); err != nil {
		return nil, handshakeError(ctx, "failed to send name", err)
	}
	if !stop() {
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		codec:   codec,
		name:    name,
		addr:    conn.RemoteAddr().String(),
		events:  make(chan protocol.Event, 100),
		errors:  make(chan error, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func handshakeError(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// SetLogger sets a logger for connection events. It may be called while
// the read loop is running.
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger.Store(logger)
}

func (c *Client) logf(format string, args ...interface{}) {
	if logger := c.logger.Load(); logger != nil {
		logger.Printf(format, args...)
	}
}

// Name returns the name sent at registration. The server may have replaced
// it with a default; the welcome event carries the final one.
func (c *Client) Name() string { return c.name }

// Addr returns the server address for display
func (c *Client) Addr() string { return c.addr }

// Events delivers every event from the server. It is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Errors carries at most one error: why the connection ended, if it was not
// closed cleanly by either side.
func (c *Client) Errors() <-chan error { return c.errors }

// Done is closed once the read loop has exited
func (c *Client) Done() <-chan struct{} { return c.done }

// Send seals text and writes it as one frame. Sending /quit or /exit closes
// the client afterwards.
func (c *Client) Send(text string) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	frame, err := c.codec.Encode([]byte(text))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	c.logf("→ SEND: %d bytes", len(frame))

	if IsQuit(text) {
		c.logf("Quit command sent, closing connection")
		c.Close()
	}
	return nil
}

// Close closes the connection and waits for the read loop. Safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		body, err := c.codec.ReadMessage(c.conn)
		if err != nil {
			select {
			case <-c.closing:
				c.logf("Connection closed")
			default:
				if errors.Is(err, io.EOF) {
					c.logf("Connection closed by server (EOF)")
				} else {
					c.logf("Read error: %v", err)
					c.errors <- fmt.Errorf("read error: %w", err)
				}
			}
			return
		}

		ev := protocol.ParseEvent(body)
		c.logf("← RECV: %q event, %d bytes", ev.Type(), len(body))

		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

// IsQuit reports whether the server will end the session on text: a line
// starting with "/" whose first word is /quit or /exit in any case. Anything
// after the command word is ignored.
func IsQuit(text string) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}
	switch strings.ToLower(strings.Fields(protocol.Sanitize(text))[0]) {
	case "/quit", "/exit":
		return true
	}
	return false
}
