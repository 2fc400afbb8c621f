package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aeolun/cyberchat/pkg/transport"
)

const (
	defaultTCPPort   = "65432"
	defaultSSHPort   = "6466"
	defaultHTTPPort  = "8080"
	sshVersionPrefix = "SSH-2.0-Cyberchat"

	dialTimeout = 5 * time.Second
)

// endpoint is a parsed server address
type endpoint struct {
	scheme  string // "tcp", "ssh", "ws" or "wss"
	display string // Address with scheme, for status lines
	dial    func(ctx context.Context) (net.Conn, error)
}

var defaultPorts = map[string]string{
	"tcp": defaultTCPPort,
	"ssh": defaultSSHPort,
	"ws":  defaultHTTPPort,
	"wss": defaultHTTPPort,
}

// parseServerAddress accepts host[:port] for raw TCP, or a URL with a
// tcp://, ssh://[user@], ws:// or wss:// scheme
func parseServerAddress(raw string) (*endpoint, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return nil, errors.New("no server address given")
	}

	scheme, user, hostPort := "tcp", "", addr
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("bad server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
		if u.User != nil {
			user = u.User.Username()
		}
	}

	defaultPort, known := defaultPorts[scheme]
	if !known {
		return nil, fmt.Errorf("scheme %q is not supported (use tcp, ssh, ws or wss)", scheme)
	}
	address, err := withDefaultPort(hostPort, defaultPort)
	if err != nil {
		return nil, err
	}

	ep := &endpoint{scheme: scheme}
	switch scheme {
	case "tcp":
		ep.display = address
		ep.dial = func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", address)
		}
	case "ssh":
		if user == "" {
			user = defaultSSHUser()
		}
		ep.display = "ssh://" + user + "@" + address
		ep.dial = func(ctx context.Context) (net.Conn, error) {
			return dialSSH(ctx, user, address)
		}
	default:
		target := scheme + "://" + address + "/ws"
		ep.display = target
		ep.dial = func(ctx context.Context) (net.Conn, error) {
			return dialWebSocket(ctx, target)
		}
	}
	return ep, nil
}

// withDefaultPort returns host:port, filling in defaultPort when hostPort
// names only a host (IPv6 literals may be bracketed or bare)
func withDefaultPort(hostPort, defaultPort string) (string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", errors.New("server address has no host")
	}

	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		if host == "" || port == "" {
			return "", fmt.Errorf("incomplete server address %q", hostPort)
		}
		return net.JoinHostPort(host, port), nil
	}

	host := strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
	if strings.Count(host, ":") == 1 || strings.ContainsAny(host, "[]") {
		// Had a port, but SplitHostPort refused it
		return "", fmt.Errorf("malformed server address %q", hostPort)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", fmt.Errorf("malformed server address %q", hostPort)
	}
	return net.JoinHostPort(host, defaultPort), nil
}

// defaultSSHUser picks the SSH login name; the server ignores it beyond logging
func defaultSSHUser() string {
	for _, key := range []string{"CYBERCHAT_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(key); user != "" {
			return user
		}
	}
	return "chat"
}

func dialWebSocket(ctx context.Context, target string) (net.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return transport.NewWebSocketConn(ws), nil
}

// dialSSH opens a session channel on a chat server's SSH endpoint. The
// server accepts any client, so no credentials are offered.
func dialSSH(ctx context.Context, user, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: newHostKeyVerifier(knownHostPaths()).callback,
		Timeout:         dialTimeout,
	}

	// Bound the SSH handshake
	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		netConn.Close()
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	if banner := string(clientConn.ServerVersion()); !strings.HasPrefix(banner, sshVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a chat server (banner prefix %q)", banner, sshVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return transport.NewChannelConn(channel, client, client.Close), nil
}

// hostKeyVerifier checks server keys against known_hosts. A host that is not
// listed yet is trusted on first use and appended to the first file; a host
// whose key changed is refused.
type hostKeyVerifier struct {
	paths     []string
	callbacks []ssh.HostKeyCallback
}

func newHostKeyVerifier(paths []string) *hostKeyVerifier {
	v := &hostKeyVerifier{paths: paths}
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			v.callbacks = append(v.callbacks, cb)
		}
	}
	return v
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if lastErr != nil {
		var keyErr *knownhosts.KeyError
		if !errors.As(lastErr, &keyErr) {
			return lastErr
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("ssh host key for %s changed (now %s); remove the old known_hosts entry if this is expected: %w",
				hostname, ssh.FingerprintSHA256(key), lastErr)
		}
	}

	// Unknown host
	if len(v.paths) > 0 {
		if err := appendKnownHost(v.paths[0], hostname, key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save SSH host key for %s: %v\n", hostname, err)
		}
	}
	return nil
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}
