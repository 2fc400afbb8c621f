package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aeolun/cyberchat/pkg/protocol"
)

const tracerName = "github.com/aeolun/cyberchat/pkg/server"

// Close reasons recorded in metrics and logs
const (
	closeReasonEOF       = "eof"
	closeReasonQuit      = "quit"
	closeReasonTooLarge  = "frame_too_large"
	closeReasonTruncated = "truncated"
	closeReasonTransform = "transform"
	closeReasonTransport = "transport"
	closeReasonHandshake = "handshake"
	closeReasonShutdown  = "shutdown"
)

// generalRoom always exists
const generalRoom = "general"

const (
	maxAcceptBackoff      = time.Second
	metricsReportInterval = 30 * time.Second
)

// Server is the chat relay. One key is generated per server run and shared
// with every client at connect time.
type Server struct {
	config   ServerConfig
	key      protocol.Key
	codec    *protocol.Codec
	registry *Registry
	metrics  *Metrics
	tracer   trace.Tracer

	listener        net.Listener
	sshListener     net.Listener
	httpListener    net.Listener
	metricsListener net.Listener
	httpServer      *http.Server
	metricsServer   *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	trackMu   sync.Mutex // Guards stopping and pending against concurrent wg.Add
	stopping  bool
	pending   map[*Session]struct{} // Sessions still in the handshake
	wg        sync.WaitGroup
	startTime time.Time // Server start time for uptime calculation

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration. An empty address disables that listener.
type ServerConfig struct {
	TCPAddr     string // Raw TCP clients
	SSHAddr     string // Same protocol inside an SSH session channel
	HTTPAddr    string // Public HTTP: /ws and /health
	MetricsAddr string // Internal HTTP: /metrics and /health
	DataDir     string
	ServerName  string

	SSHHostKeyPath string // Defaults to <data dir>/ssh_host_key

	HandshakeTimeoutSeconds int
	WriteTimeoutSeconds     int
	ShutdownTimeoutSeconds  int

	DefaultRoom string
	SeedRooms   []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPAddr:                 "0.0.0.0:65432",
		HTTPAddr:                "0.0.0.0:8080",
		MetricsAddr:             "0.0.0.0:9090",
		DataDir:                 "~/.local/share/cyberchat",
		ServerName:              "Cyberpunk Chat",
		HandshakeTimeoutSeconds: 10,
		WriteTimeoutSeconds:     5,
		ShutdownTimeoutSeconds:  5,
		DefaultRoom:             generalRoom,
	}
}

// NewServer creates a new server instance with a fresh key
func NewServer(config ServerConfig) (*Server, error) {
	if config.DefaultRoom == "" {
		config.DefaultRoom = DefaultConfig().DefaultRoom
	}
	if config.ServerName == "" {
		config.ServerName = DefaultConfig().ServerName
	}

	key, err := protocol.GenerateKey()
	if err != nil {
		return nil, err
	}
	codec, err := protocol.NewCodec(key)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	registry := NewRegistry(initialRooms(config)...)
	registry.SetMetrics(metrics)

	return &Server{
		config:    config,
		key:       key,
		codec:     codec,
		registry:  registry,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
		shutdown:  make(chan struct{}),
		pending:   make(map[*Session]struct{}),
		startTime: time.Now(),
	}, nil
}

// initialRooms lists the rooms that exist from start, "general" first even
// when sessions are placed somewhere else
func initialRooms(config ServerConfig) []string {
	rooms := []string{generalRoom, config.DefaultRoom}
	return append(rooms, config.SeedRooms...)
}

// Registry returns the server's room registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the TCP listener address, or nil if TCP is disabled or not started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the public HTTP listener address
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// MetricsAddr returns the internal metrics listener address
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

func (s *Server) writeTimeout() time.Duration {
	return time.Duration(s.config.WriteTimeoutSeconds) * time.Second
}

func (s *Server) handshakeTimeout() time.Duration {
	return time.Duration(s.config.HandshakeTimeoutSeconds) * time.Second
}

// Start binds every configured listener and starts serving. Failing to bind
// is the only fatal error; everything after that is per-connection.
func (s *Server) Start() error {
	if s.config.TCPAddr == "" && s.config.HTTPAddr == "" && s.config.SSHAddr == "" {
		return errors.New("no client listener configured (tcp, ssh and http all disabled)")
	}

	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	listen := func(addr string) (net.Listener, error) {
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, nil
	}

	var err error
	if s.config.TCPAddr != "" {
		if s.listener, err = listen(s.config.TCPAddr); err != nil {
			return err
		}
		log.Printf("TCP server listening on %s", s.listener.Addr())
	}

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return err
	}

	if s.config.MetricsAddr != "" {
		if s.metricsListener, err = listen(s.config.MetricsAddr); err != nil {
			return err
		}
		s.metricsServer = &http.Server{Handler: s.metricsRouter(), ReadHeaderTimeout: 5 * time.Second}
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsListener.Addr())
		go s.serveHTTP("Metrics", s.metricsServer, s.metricsListener)
	}

	if s.config.HTTPAddr != "" {
		if s.httpListener, err = listen(s.config.HTTPAddr); err != nil {
			return err
		}
		s.httpServer = &http.Server{Handler: s.publicRouter(), ReadHeaderTimeout: 5 * time.Second}
		log.Printf("Public HTTP server listening on %s (/ws, /health)", s.httpListener.Addr())
		go s.serveHTTP("Public HTTP", s.httpServer, s.httpListener)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptLoop()
	}

	return nil
}

func (s *Server) serveHTTP(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errorLog.Printf("%s server error: %v", name, err)
	}
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.listener, s.sshListener, s.httpListener, s.metricsListener} {
		if ln != nil {
			ln.Close()
		}
	}
}

// track registers a connection goroutine with the wait group. It returns
// false once shutdown has begun.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// setPending adds or removes a session from the handshake set. Adding fails
// once shutdown has begun.
func (s *Server) setPending(sess *Session, pending bool) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if !pending {
		delete(s.pending, sess)
		return true
	}
	if s.stopping {
		return false
	}
	s.pending[sess] = struct{}{}
	return true
}

func (s *Server) isStopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Stop gracefully stops the server. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)
	s.trackMu.Lock()
	s.stopping = true
	for sess := range s.pending {
		sess.Conn.Close()
	}
	s.trackMu.Unlock()

	// Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}

	timeout := time.Duration(s.config.ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP server shutdown: %v", err)
		}
	}

	// Closing transports unblocks every session read; each session then
	// runs its normal close path.
	log.Printf("Closing %d client sessions...", s.registry.Count())
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Graceful shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out after %v with %d sessions still registered", timeout, s.registry.Count())
	}
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}

			// Transient failure (e.g. out of file descriptors): back off and retry
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			errorLog.Printf("Accept error: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.shutdown:
				return
			}
			continue
		}
		backoff = 0

		if !s.track() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, ConnTypeTCP)
		}()
	}
}

// handleConnection runs the handshake and then the session loop for one
// connection, on the caller's goroutine.
func (s *Server) handleConnection(conn net.Conn, connType string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := NewSession(conn, connType, s.codec, s.writeTimeout())
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %s)", connType, sess.RemoteAddr, sess.ID)

	if !s.setPending(sess, true) {
		sess.Conn.Close()
		return
	}
	name, err := s.handshake(sess)
	s.setPending(sess, false)
	if err != nil {
		debugLog.Printf("Session %s: handshake failed: %v", sess.ID, err)
		sess.advance(StateClosed)
		sess.Conn.Close()
		s.metrics.RecordSessionDisconnected(closeReasonHandshake)
		return
	}
	sess.Nickname = name

	room := s.config.DefaultRoom
	welcome := func(rooms []string) protocol.Event {
		return protocol.WelcomeEvent{
			Message: fmt.Sprintf("Welcome to %s, %s!", s.config.ServerName, name),
			Room:    room,
			Rooms:   rooms,
		}
	}
	if err := s.registry.Register(sess, room, welcome); err != nil {
		errorLog.Printf("Session %s: failed to register: %v", sess.ID, err)
		sess.advance(StateClosed)
		sess.Conn.Close()
		return
	}
	sess.advance(StateActive)
	debugLog.Printf("Session %s registered as %q in %q", sess.ID, name, room)

	// Registered after Stop snapshotted the registry; nobody else will close it
	if s.isStopping() {
		sess.Conn.Close()
	}

	s.registry.Broadcast(room, protocol.SystemEvent{Message: name + " has entered the room"}, sess.ID)

	s.sessionLoop(sess)
}

// handshake sends the key and reads the requested display name.
// An undecodable name falls back to the default; transport failures abort.
func (s *Server) handshake(sess *Session) (string, error) {
	if timeout := s.handshakeTimeout(); timeout > 0 {
		sess.Conn.SetReadDeadline(time.Now().Add(timeout))
	}

	if err := sess.Conn.WriteBytes(s.key[:]); err != nil {
		return "", fmt.Errorf("failed to send key: %w", err)
	}

	raw, err := sess.Conn.ReadText()
	if err != nil {
		if !errors.Is(err, protocol.ErrTransform) {
			return "", fmt.Errorf("failed to read name: %w", err)
		}
		debugLog.Printf("Session %s: undecodable name, using default: %v", sess.ID, err)
		raw = ""
	}

	if err := sess.Conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	return protocol.NameOrDefault(raw, sess.RemoteAddr), nil
}

// sessionLoop reads and dispatches messages until the session ends
func (s *Server) sessionLoop(sess *Session) {
	reason := closeReasonEOF
	defer func() {
		s.closeSession(sess, reason)
	}()

	for {
		text, err := sess.Conn.ReadText()
		if err != nil {
			reason = readCloseReason(err)
			if s.isStopping() {
				reason = closeReasonShutdown
			}
			switch reason {
			case closeReasonEOF, closeReasonShutdown:
				debugLog.Printf("Session %s: client disconnected: %v", sess.ID, err)
			default:
				errorLog.Printf("Session %s: closing after read error: %v", sess.ID, err)
			}
			return
		}

		if err := s.dispatch(sess, protocol.Sanitize(text)); err != nil {
			if errors.Is(err, ErrClientQuit) {
				reason = closeReasonQuit
				debugLog.Printf("Session %s disconnected gracefully", sess.ID)
				return
			}
			errorLog.Printf("Session %s: handle error: %v", sess.ID, err)
		}
	}
}

func readCloseReason(err error) string {
	switch {
	case errors.Is(err, ErrTransportClosed):
		return closeReasonEOF
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return closeReasonTooLarge
	case errors.Is(err, protocol.ErrTruncatedFrame):
		return closeReasonTruncated
	case errors.Is(err, protocol.ErrTransform):
		return closeReasonTransform
	default:
		return closeReasonTransport
	}
}

// closeSession deregisters the session, tells its former roommates and
// closes the transport. Only the first call has any effect.
func (s *Server) closeSession(sess *Session, reason string) {
	if !sess.advance(StateClosing) {
		return
	}

	if room, ok := s.registry.Deregister(sess.ID); ok && !s.isStopping() {
		s.registry.Broadcast(room, protocol.SystemEvent{Message: sess.Nickname + " has left the room"}, "")
	}

	sess.Conn.Close()
	sess.advance(StateClosed)

	s.disconnectionsSinceReport.Add(1)
	s.metrics.RecordSessionDisconnected(reason)
	debugLog.Printf("Session %s (%s) closed after %v: %s", sess.ID, sess.Nickname, sess.Duration().Round(time.Millisecond), reason)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			if connected == 0 && disconnected == 0 {
				continue
			}
			log.Printf("[METRICS] Active sessions: %d, rooms: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.registry.Count(), len(s.registry.RoomNames()), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
