package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

// recordingConn is a net.Conn whose writes are captured and whose reads
// block until Close.
type recordingConn struct {
	mu      sync.Mutex
	written bytes.Buffer
	failing bool

	closed    chan struct{}
	closeOnce sync.Once
	remote    net.Addr
}

func newRecordingConn(port int) *recordingConn {
	return &recordingConn{
		closed: make(chan struct{}),
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}
}

func (c *recordingConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.isClosed() {
		return 0, net.ErrClosed
	}
	return c.written.Write(p)
}

func (c *recordingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *recordingConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *recordingConn) setFailing(failing bool) {
	c.mu.Lock()
	c.failing = failing
	c.mu.Unlock()
}

func (c *recordingConn) LocalAddr() net.Addr                { return c.remote }
func (c *recordingConn) RemoteAddr() net.Addr               { return c.remote }
func (c *recordingConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }

// events decodes everything written so far
func (c *recordingConn) events(t *testing.T, codec *protocol.Codec) []protocol.Event {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.written.Bytes()...)
	c.mu.Unlock()

	r := bytes.NewReader(data)
	var events []protocol.Event
	for r.Len() > 0 {
		body, err := codec.ReadMessage(r)
		require.NoError(t, err)
		events = append(events, protocol.ParseEvent(body))
	}
	return events
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.written.Reset()
	c.mu.Unlock()
}

// testingT is satisfied by *testing.T and *rapid.T
type testingT interface {
	require.TestingT
	Helper()
}

func newTestCodec(t testingT) *protocol.Codec {
	t.Helper()
	key, err := protocol.GenerateKey()
	require.NoError(t, err)
	codec, err := protocol.NewCodec(key)
	require.NoError(t, err)
	return codec
}

var testPort = struct {
	sync.Mutex
	next int
}{next: 40000}

// newTestSession builds a session over a recordingConn
func newTestSession(t testingT, codec *protocol.Codec, nickname string) (*Session, *recordingConn) {
	t.Helper()
	testPort.Lock()
	port := testPort.next
	testPort.next++
	testPort.Unlock()

	conn := newRecordingConn(port)
	sess := NewSession(conn, ConnTypeTCP, codec, 0)
	sess.Nickname = nickname
	return sess, conn
}
