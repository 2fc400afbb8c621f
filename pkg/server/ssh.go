package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/cyberchat/pkg/transport"
)

const sshServerVersion = "SSH-2.0-Cyberchat"

// startSSHServer binds the SSH listener when one is configured. Inside each
// "session" channel the client speaks the same byte protocol as over raw
// TCP. There is no client authentication: display names are the only identity.
func (s *Server) startSSHServer() error {
	if s.config.SSHAddr == "" {
		return nil
	}

	signer, err := s.sshHostSigner()
	if err != nil {
		return fmt.Errorf("ssh host key: %w", err)
	}
	sshConfig := &ssh.ServerConfig{NoClientAuth: true, ServerVersion: sshServerVersion}
	sshConfig.AddHostKey(signer)

	ln, err := net.Listen("tcp", s.config.SSHAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.SSHAddr, err)
	}
	s.sshListener = ln
	log.Printf("SSH server listening on %s (fingerprint %s)", ln.Addr(), ssh.FingerprintSHA256(signer.PublicKey()))

	s.wg.Add(1)
	go s.serveSSH(ln, sshConfig)
	return nil
}

func (s *Server) serveSSH(ln net.Listener, sshConfig *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			select {
			case <-s.shutdown:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if !s.track() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.serveSSHConn(conn, sshConfig)
		}()
	}
}

// serveSSHConn completes the SSH handshake, then runs one chat session per
// session channel the client opens
func (s *Server) serveSSHConn(conn net.Conn, sshConfig *ssh.ServerConfig) {
	defer conn.Close()

	if timeout := s.handshakeTimeout(); timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	serverConn, channels, globalReqs, err := ssh.NewServerConn(conn, sshConfig)
	if err != nil {
		debugLog.Printf("SSH handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer serverConn.Close()
	debugLog.Printf("SSH connection from %s (user %q)", serverConn.RemoteAddr(), serverConn.User())

	// The channel loop only ends when the connection does
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.shutdown:
			serverConn.Close()
		case <-finished:
		}
	}()

	go ssh.DiscardRequests(globalReqs)

	for nc := range channels {
		if kind := nc.ChannelType(); kind != "session" {
			nc.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, reqs, err := nc.Accept()
		if err != nil {
			debugLog.Printf("SSH channel from %s not accepted: %v", serverConn.RemoteAddr(), err)
			continue
		}
		go replySessionRequests(reqs)

		if !s.track() {
			channel.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(transport.NewChannelConn(channel, serverConn, nil), ConnTypeSSH)
		}()
	}
}

// replySessionRequests says yes to what interactive clients ask for before
// they start talking (a pty, a shell, env vars, resizes) and no to the rest
func replySessionRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		var ok bool
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			ok = true
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// sshHostSigner returns the host key, creating an Ed25519 key on first start
func (s *Server) sshHostSigner() (ssh.Signer, error) {
	path := s.config.SSHHostKeyPath
	if path == "" {
		dir, err := DataDir(s.config.DataDir)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "ssh_host_key")
	}
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	pemBytes, err := os.ReadFile(path)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("Loaded SSH host key from %s", path)
		return signer, nil
	case errors.Is(err, fs.ErrNotExist):
		log.Printf("No SSH host key at %s, generating one", path)
		return generateHostKey(path)
	default:
		return nil, err
	}
}

func generateHostKey(path string) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "cyberchat host key")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("save host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}
