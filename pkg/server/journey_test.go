package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/cyberchat/pkg/protocol"
	"github.com/aeolun/cyberchat/pkg/transport"
)

const journeyTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Transport abstraction
//
// Every transport ends up as a byte stream. A single persistent reader
// goroutine per client reads the key, then decodes frames into a buffered
// channel, so SSH channels (which have no deadlines) and WebSocket
// connections (where a read timeout corrupts state) behave like TCP.
// ---------------------------------------------------------------------------

type transportClient struct {
	name   string
	stream io.ReadWriteCloser

	codec   *protocol.Codec
	keyCh   chan protocol.Key
	events  chan protocol.Event
	errors  chan error
	done    chan struct{}
	onClose func()

	closeOnce sync.Once
}

func newTransportClient(t *testing.T, name string, stream io.ReadWriteCloser, onClose func()) *transportClient {
	t.Helper()
	c := &transportClient{
		name:    name,
		stream:  stream,
		keyCh:   make(chan protocol.Key, 1),
		events:  make(chan protocol.Event, 64),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}

	go func() {
		defer close(c.done)
		var raw [protocol.KeySize]byte
		if _, err := io.ReadFull(stream, raw[:]); err != nil {
			c.errors <- err
			return
		}
		key, _ := protocol.KeyFromBytes(raw[:])
		codec, err := protocol.NewCodec(key)
		if err != nil {
			c.errors <- err
			return
		}
		c.codec = codec
		c.keyCh <- key

		for {
			body, err := codec.ReadMessage(stream)
			if err != nil {
				c.errors <- err
				return
			}
			c.events <- protocol.ParseEvent(body)
		}
	}()

	select {
	case <-c.keyCh:
	case err := <-c.errors:
		t.Fatalf("%s: reading key failed: %v", name, err)
	case <-time.After(journeyTimeout):
		t.Fatalf("%s: no key within %v", name, journeyTimeout)
	}
	return c
}

// send seals text into one frame and writes it
func (c *transportClient) send(t *testing.T, text string) {
	t.Helper()
	frame, err := c.codec.Encode([]byte(text))
	if err != nil {
		t.Fatalf("%s: encode %q: %v", c.name, text, err)
	}
	if _, err := c.stream.Write(frame); err != nil {
		t.Fatalf("%s: send %q: %v", c.name, text, err)
	}
}

// sendRaw writes bytes without framing
func (c *transportClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.stream.Write(data); err != nil {
		t.Fatalf("%s: raw send: %v", c.name, err)
	}
}

// expect returns the next event and fails unless it has the given type
func (c *transportClient) expect(t *testing.T, want protocol.EventType) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.events:
		if ev.Type() != want {
			t.Fatalf("%s: expected %q event, got %#v", c.name, want, ev)
		}
		return ev
	case err := <-c.errors:
		t.Fatalf("%s: expected %q event, read error: %v", c.name, want, err)
	case <-time.After(journeyTimeout):
		t.Fatalf("%s: expected %q event, timed out after %v", c.name, want, journeyTimeout)
	}
	return nil
}

// expectSystem waits for a system event carrying message
func (c *transportClient) expectSystem(t *testing.T, message string) {
	t.Helper()
	ev := c.expect(t, protocol.EventSystem).(protocol.SystemEvent)
	if ev.Message != message {
		t.Fatalf("%s: system message = %q, want %q", c.name, ev.Message, message)
	}
}

// expectNothing fails if any event arrives within window
func (c *transportClient) expectNothing(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("%s: unexpected event %#v", c.name, ev)
	case <-time.After(window):
	}
}

// expectClosed waits for the server to end the stream
func (c *transportClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case <-c.events:
		case <-c.errors:
			return
		case <-deadline:
			t.Fatalf("%s: connection still open after %v", c.name, journeyTimeout)
		}
	}
}

func (c *transportClient) close() {
	c.closeOnce.Do(func() {
		c.stream.Close()
		if c.onClose != nil {
			c.onClose()
		}
		<-c.done
	})
}

// join performs the name handshake and consumes the welcome event
func (c *transportClient) join(t *testing.T, name string) protocol.WelcomeEvent {
	t.Helper()
	c.send(t, name)
	return c.expect(t, protocol.EventWelcome).(protocol.WelcomeEvent)
}

// ---------------------------------------------------------------------------
// Transports
// ---------------------------------------------------------------------------

func dialTCP(t *testing.T, addr string) *transportClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, journeyTimeout)
	if err != nil {
		t.Fatalf("TCP connect to %s failed: %v", addr, err)
	}
	return newTransportClient(t, "tcp", conn, nil)
}

func dialSSH(t *testing.T, addr string) *transportClient {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "neo",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         journeyTimeout,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		t.Fatalf("SSH dial %s: %v", addr, err)
	}
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)
	return newTransportClient(t, "ssh", channel, func() { client.Close() })
}

func dialWS(t *testing.T, addr string) *transportClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: journeyTimeout}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		t.Fatalf("WebSocket dial %s: %v", addr, err)
	}
	return newTransportClient(t, "websocket", transport.NewWebSocketConn(ws), nil)
}

type transportFactory struct {
	name    string
	connect func(t *testing.T, s *journeyServer) *transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServer) *transportClient { return dialTCP(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServer) *transportClient { return dialSSH(t, s.sshAddr) }},
		{"websocket", func(t *testing.T, s *journeyServer) *transportClient { return dialWS(t, s.httpAddr) }},
	}
}

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

type journeyServer struct {
	srv      *Server
	tcpAddr  string
	sshAddr  string
	httpAddr string
}

// setupJourneyServer starts a server with TCP, SSH and WebSocket listeners
// on random loopback ports. Each tweak adjusts the config before start.
func setupJourneyServer(t *testing.T, tweaks ...func(*ServerConfig)) *journeyServer {
	t.Helper()
	tmpDir := t.TempDir()

	config := DefaultConfig()
	config.TCPAddr = "127.0.0.1:0"
	config.SSHAddr = "127.0.0.1:0"
	config.HTTPAddr = "127.0.0.1:0"
	config.MetricsAddr = ""
	config.DataDir = tmpDir
	config.SSHHostKeyPath = filepath.Join(tmpDir, "ssh_host_key")
	config.ServerName = "Journey"
	config.HandshakeTimeoutSeconds = 2
	for _, tweak := range tweaks {
		tweak(&config)
	}

	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
	})

	return &journeyServer{
		srv:      srv,
		tcpAddr:  srv.Addr().String(),
		sshAddr:  srv.SSHAddr().String(),
		httpAddr: srv.HTTPAddr().String(),
	}
}

// waitFor polls cond until it holds or the journey timeout passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	s := setupJourneyServer(t)

	for _, tf := range allTransports() {
		t.Run("greeting_and_chat/"+tf.name, func(t *testing.T) {
			runGreetingAndChat(t, s, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("commands/"+tf.name, func(t *testing.T) {
			runCommands(t, s, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("quit/"+tf.name, func(t *testing.T) {
			runQuit(t, s, tf)
		})
	}

	t.Run("oversized_frame", func(t *testing.T) {
		runOversizedFrame(t, s)
	})

	t.Run("undecodable_payload", func(t *testing.T) {
		runUndecodablePayload(t, s)
	})

	t.Run("default_name", func(t *testing.T) {
		runDefaultName(t, s)
	})

	t.Run("cross_transport_broadcast", func(t *testing.T) {
		runCrossTransportBroadcast(t, s)
	})
}

// Two users in the same room see each other arrive and talk
func runGreetingAndChat(t *testing.T, s *journeyServer, tf transportFactory) {
	room := "greeting_" + tf.name

	neo := tf.connect(t, s)
	defer neo.close()
	welcome := neo.join(t, "Neo")
	if welcome.Room != "general" {
		t.Fatalf("welcome room = %q, want general", welcome.Room)
	}
	if welcome.Message != "Welcome to Journey, Neo!" {
		t.Fatalf("welcome message = %q", welcome.Message)
	}
	neo.send(t, "/join "+room)
	neo.expect(t, protocol.EventRoomChange)

	trinity := tf.connect(t, s)
	defer trinity.close()
	trinity.join(t, "Trinity")
	trinity.send(t, "/join "+room)
	change := trinity.expect(t, protocol.EventRoomChange).(protocol.RoomChangeEvent)
	if change.Room != room || change.Message != "Joined room: "+room {
		t.Fatalf("room_change = %#v", change)
	}
	neo.expectSystem(t, "Trinity joined the room")

	before := time.Now().Add(-time.Second)
	trinity.send(t, "Follow the white rabbit")
	msg := neo.expect(t, protocol.EventMessage).(protocol.ChatEvent)
	if msg.Username != "Trinity" || msg.Message != "Follow the white rabbit" {
		t.Fatalf("chat = %#v", msg)
	}
	if msg.Time().Before(before) {
		t.Fatalf("timestamp %v is older than the send", msg.Time())
	}

	// No echo to the sender
	trinity.expectNothing(t, 200*time.Millisecond)

	// Control characters are flattened before relay
	neo.send(t, "line one\r\nline\x00 two")
	msg = trinity.expect(t, protocol.EventMessage).(protocol.ChatEvent)
	if msg.Message != "line one  line two" {
		t.Fatalf("sanitized chat = %q", msg.Message)
	}
}

// /rooms, /join, /help and unknown commands
func runCommands(t *testing.T, s *journeyServer, tf transportFactory) {
	room := "commands_" + tf.name

	c := tf.connect(t, s)
	defer c.close()
	c.join(t, "Morpheus")

	c.send(t, "/HELP")
	help := c.expect(t, protocol.EventHelp).(protocol.HelpEvent)
	if help.Message != "Commands: /rooms, /join <room>, /quit, /help" {
		t.Fatalf("help = %q", help.Message)
	}

	c.send(t, "/join "+room)
	c.expect(t, protocol.EventRoomChange)
	if got, _ := s.srv.Registry().RoomOf(sessionIDFor(t, s, "Morpheus")); got != room {
		t.Fatalf("registry room = %q, want %q", got, room)
	}

	c.send(t, "/rooms")
	list := c.expect(t, protocol.EventRoomList).(protocol.RoomListEvent)
	if len(list.Rooms) == 0 || list.Rooms[0] != "general" {
		t.Fatalf("room list should start with general, got %v", list.Rooms)
	}
	found := false
	for _, r := range list.Rooms {
		found = found || r == room
	}
	if !found {
		t.Fatalf("room list %v is missing %q", list.Rooms, room)
	}

	// Joining the current room still answers
	c.send(t, "/join "+room)
	c.expect(t, protocol.EventRoomChange)

	// Ignored: unknown command and /join without a room
	c.send(t, "/kungfu")
	c.send(t, "/join")
	c.expectNothing(t, 200*time.Millisecond)

	c.send(t, "/help")
	c.expect(t, protocol.EventHelp)
}

// /quit closes the session and tells the room
func runQuit(t *testing.T, s *journeyServer, tf transportFactory) {
	room := "quit_" + tf.name

	stay := tf.connect(t, s)
	defer stay.close()
	stay.join(t, "Tank")
	stay.send(t, "/join "+room)
	stay.expect(t, protocol.EventRoomChange)

	leave := tf.connect(t, s)
	defer leave.close()
	leave.join(t, "Cypher")
	leave.send(t, "/join "+room)
	leave.expect(t, protocol.EventRoomChange)
	stay.expectSystem(t, "Cypher joined the room")

	leave.send(t, "/Quit")
	leave.expectClosed(t)
	stay.expectSystem(t, "Cypher has left the room")

	waitFor(t, "Cypher to leave the room", func() bool {
		return len(s.srv.Registry().Members(room)) == 1
	})
}

// A header declaring 20,000 bytes closes only that session
func runOversizedFrame(t *testing.T, s *journeyServer) {
	room := "oversized"

	bystander := dialTCP(t, s.tcpAddr)
	defer bystander.close()
	bystander.join(t, "Oracle")
	bystander.send(t, "/join "+room)
	bystander.expect(t, protocol.EventRoomChange)

	attacker := dialTCP(t, s.tcpAddr)
	defer attacker.close()
	attacker.join(t, "Smith")
	attacker.send(t, "/join "+room)
	attacker.expect(t, protocol.EventRoomChange)
	bystander.expectSystem(t, "Smith joined the room")

	var header [protocol.HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 20000)
	attacker.sendRaw(t, header[:])
	attacker.expectClosed(t)
	bystander.expectSystem(t, "Smith has left the room")

	// The bystander is unaffected
	other := dialTCP(t, s.tcpAddr)
	defer other.close()
	other.join(t, "Seraph")
	other.send(t, "/join "+room)
	other.expect(t, protocol.EventRoomChange)
	bystander.expectSystem(t, "Seraph joined the room")
	other.send(t, "still here?")
	msg := bystander.expect(t, protocol.EventMessage).(protocol.ChatEvent)
	if msg.Message != "still here?" {
		t.Fatalf("chat = %q", msg.Message)
	}
}

// A frame sealed under another key closes the session
func runUndecodablePayload(t *testing.T, s *journeyServer) {
	c := dialTCP(t, s.tcpAddr)
	defer c.close()
	c.join(t, "Mouse")

	key, err := protocol.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	foreign, err := protocol.NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	frame, err := foreign.Encode([]byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c.sendRaw(t, frame)
	c.expectClosed(t)
}

// A name that is too short becomes User_<port>
func runDefaultName(t *testing.T, s *journeyServer) {
	conn, err := net.DialTimeout("tcp", s.tcpAddr, journeyTimeout)
	if err != nil {
		t.Fatalf("TCP connect: %v", err)
	}
	_, port, _ := net.SplitHostPort(conn.LocalAddr().String())
	c := newTransportClient(t, "tcp", conn, nil)
	defer c.close()

	welcome := c.join(t, " x ")
	if !strings.HasSuffix(welcome.Message, "User_"+port+"!") {
		t.Fatalf("welcome = %q, want default name for port %s", welcome.Message, port)
	}
}

// One client per transport in the same room
func runCrossTransportBroadcast(t *testing.T, s *journeyServer) {
	room := "cross"

	var clients []*transportClient
	for i, tf := range allTransports() {
		c := tf.connect(t, s)
		defer c.close()
		c.join(t, fmt.Sprintf("cross_%s_%d", tf.name, i))
		c.send(t, "/join "+room)
		c.expect(t, protocol.EventRoomChange)
		// Earlier members see the arrival
		for _, prev := range clients {
			prev.expect(t, protocol.EventSystem)
		}
		clients = append(clients, c)
	}

	content := "Cross-transport broadcast test"
	clients[0].send(t, content)

	var wg sync.WaitGroup
	for _, c := range clients[1:] {
		wg.Add(1)
		go func(c *transportClient) {
			defer wg.Done()
			select {
			case ev := <-c.events:
				msg, ok := ev.(protocol.ChatEvent)
				if !ok || msg.Message != content {
					t.Errorf("%s: got %#v, want chat %q", c.name, ev, content)
				}
			case <-time.After(journeyTimeout):
				t.Errorf("%s: no broadcast within %v", c.name, journeyTimeout)
			}
		}(c)
	}
	wg.Wait()
}

// sessionIDFor finds the registered session with nickname
func sessionIDFor(t *testing.T, s *journeyServer, nickname string) string {
	t.Helper()
	for _, sess := range s.srv.Registry().Sessions() {
		if sess.Nickname == nickname {
			return sess.ID
		}
	}
	t.Fatalf("no session named %q", nickname)
	return ""
}

func TestServerStopClosesSessions(t *testing.T) {
	s := setupJourneyServer(t)

	var clients []*transportClient
	for _, tf := range allTransports() {
		c := tf.connect(t, s)
		defer c.close()
		c.join(t, "stopper_"+tf.name)
		clients = append(clients, c)
	}
	// Still in the handshake when Stop runs
	pending := dialTCP(t, s.tcpAddr)
	defer pending.close()

	waitFor(t, "all sessions to register", func() bool {
		return s.srv.Registry().Count() == len(clients)
	})

	if err := s.srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, c := range clients {
		c.expectClosed(t)
	}
	pending.expectClosed(t)

	if n := s.srv.Registry().Count(); n != 0 {
		t.Fatalf("%d sessions still registered after Stop", n)
	}
	if err := s.srv.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
