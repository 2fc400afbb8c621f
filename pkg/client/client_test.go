package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

// fakeServer accepts one connection and speaks the server side of the
// handshake
type fakeServer struct {
	ln    net.Listener
	codec *protocol.Codec
	key   protocol.Key

	conns chan net.Conn
	names chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	key, err := protocol.GenerateKey()
	require.NoError(t, err)
	codec, err := protocol.NewCodec(key)
	require.NoError(t, err)

	s := &fakeServer{
		ln:    ln,
		codec: codec,
		key:   key,
		conns: make(chan net.Conn, 1),
		names: make(chan string, 1),
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := conn.Write(key[:]); err != nil {
			return
		}
		body, err := codec.ReadMessage(conn)
		if err != nil {
			return
		}
		s.names <- string(body)
		s.conns <- conn
	}()
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

// accept waits for the handshake and returns the server end
func (s *fakeServer) accept(t *testing.T) (net.Conn, string) {
	t.Helper()
	select {
	case name := <-s.names:
		conn := <-s.conns
		t.Cleanup(func() { conn.Close() })
		return conn, name
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake")
		return nil, ""
	}
}

func (s *fakeServer) send(t *testing.T, conn net.Conn, ev protocol.Event) {
	t.Helper()
	payload, err := protocol.MarshalEvent(ev)
	require.NoError(t, err)
	require.NoError(t, s.codec.WriteMessage(conn, payload))
}

func nextEvent(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestDialHandshakeAndEvents(t *testing.T) {
	srv := newFakeServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.addr(), "Neo")
	require.NoError(t, err)
	defer c.Close()

	conn, name := srv.accept(t)
	assert.Equal(t, "Neo", name)
	assert.Equal(t, "Neo", c.Name())
	assert.Equal(t, srv.addr(), c.Addr())

	srv.send(t, conn, protocol.WelcomeEvent{Message: "Welcome", Room: "general", Rooms: []string{"general"}})
	srv.send(t, conn, protocol.NewChatEvent("Trinity", "hi"))
	srv.send(t, conn, protocol.PlainText{Text: "legacy line"})

	assert.Equal(t, protocol.WelcomeEvent{Message: "Welcome", Room: "general", Rooms: []string{"general"}}, nextEvent(t, c))
	chat := nextEvent(t, c).(protocol.ChatEvent)
	assert.Equal(t, "Trinity", chat.Username)
	assert.Equal(t, protocol.PlainText{Text: "legacy line"}, nextEvent(t, c))
}

func TestClientSend(t *testing.T) {
	srv := newFakeServer(t)
	c, err := Dial(context.Background(), srv.addr(), "Neo")
	require.NoError(t, err)
	defer c.Close()
	conn, _ := srv.accept(t)

	require.NoError(t, c.Send("/join zion"))
	body, err := srv.codec.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, "/join zion", string(body))

	_, err = c.codec.Encode(make([]byte, protocol.MaxPlaintextSize+1))
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.ErrorIs(t, c.Send(string(make([]byte, protocol.MaxPlaintextSize+1))), protocol.ErrFrameTooLarge)
}

func TestClientQuitCloses(t *testing.T) {
	srv := newFakeServer(t)
	c, err := Dial(context.Background(), srv.addr(), "Neo")
	require.NoError(t, err)
	conn, _ := srv.accept(t)

	require.NoError(t, c.Send("/QUIT"))
	body, err := srv.codec.ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, "/QUIT", string(body))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client still open after /quit")
	}
	assert.ErrorIs(t, c.Send("hello"), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestClientServerClose(t *testing.T) {
	srv := newFakeServer(t)
	c, err := Dial(context.Background(), srv.addr(), "Neo")
	require.NoError(t, err)
	defer c.Close()
	conn, _ := srv.accept(t)

	conn.Close()
	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("events not closed")
	}
	select {
	case err := <-c.Errors():
		t.Fatalf("clean close reported %v", err)
	default:
	}
}

func TestClientTamperedFrame(t *testing.T) {
	srv := newFakeServer(t)
	c, err := Dial(context.Background(), srv.addr(), "Neo")
	require.NoError(t, err)
	defer c.Close()
	conn, _ := srv.accept(t)

	require.NoError(t, protocol.WriteFrame(conn, []byte("definitely not sealed, but long enough to parse as one")))
	select {
	case err := <-c.Errors():
		assert.ErrorIs(t, err, protocol.ErrTransform)
	case <-time.After(5 * time.Second):
		t.Fatal("no error")
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			// Never send the key
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, ln.Addr().String(), "Neo")
	assert.Error(t, err)
}

func TestIsQuit(t *testing.T) {
	for text, want := range map[string]bool{
		"/quit":        true,
		"/EXIT":        true,
		"/quit ":       true,
		"/quit bye":    true,
		"/EXIT now":    true,
		"/Quit\tlater": true,
		"/quit\nbye":   true,
		" /quit":       false,
		"quit":         false,
		"/quitter":     false,
		"/":            false,
		"hello /quit":  false,
	} {
		assert.Equal(t, want, IsQuit(text), text)
	}
}
