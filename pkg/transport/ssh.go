package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ChannelConn wraps an ssh.Channel to implement net.Conn.
//
// SSH channels have no deadlines of their own. A deadline here arms a timer
// that, when it passes, closes the channel and the SSH connection carrying it.
// An expired deadline is therefore fatal: blocked calls return
// os.ErrDeadlineExceeded and the channel stays closed. Setting a zero
// deadline before the timer fires disarms it.
type ChannelConn struct {
	channel ssh.Channel
	owner   ssh.ConnMetadata
	local   net.Addr
	remote  net.Addr
	onClose func() error

	readDeadline  deadline
	writeDeadline deadline

	once     sync.Once
	closeErr error
}

// deadline is a timer that closes the connection once it fires
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired bool
}

func (d *deadline) set(t time.Time, expire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.expired || t.IsZero() {
		return
	}

	fire := func() {
		d.mu.Lock()
		d.expired = true
		d.mu.Unlock()
		expire()
	}
	if wait := time.Until(t); wait > 0 {
		d.timer = time.AfterFunc(wait, fire)
		return
	}
	d.expired = true
	go expire()
}

func (d *deadline) hasExpired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

// NewChannelConn wraps channel. onClose, if set, runs after the channel is
// closed, e.g. to tear down the client connection that owns it.
func NewChannelConn(channel ssh.Channel, conn ssh.ConnMetadata, onClose func() error) *ChannelConn {
	return &ChannelConn{
		channel: channel,
		owner:   conn,
		local:   conn.LocalAddr(),
		remote:  conn.RemoteAddr(),
		onClose: onClose,
	}
}

func (c *ChannelConn) Read(b []byte) (int, error) {
	if c.readDeadline.hasExpired() {
		return 0, os.ErrDeadlineExceeded
	}
	n, err := c.channel.Read(b)
	if err != nil && c.readDeadline.hasExpired() {
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *ChannelConn) Write(b []byte) (int, error) {
	if c.writeDeadline.hasExpired() {
		return 0, os.ErrDeadlineExceeded
	}
	n, err := c.channel.Write(b)
	if err != nil && c.writeDeadline.hasExpired() {
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *ChannelConn) Close() error {
	c.once.Do(func() {
		c.readDeadline.set(time.Time{}, nil)
		c.writeDeadline.set(time.Time{}, nil)
		if err := c.channel.Close(); err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil && !errors.Is(err, net.ErrClosed) {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// expire runs from a deadline timer. A writer blocked on the peer's window
// only wakes once the SSH connection goes away, so that is closed too.
func (c *ChannelConn) expire() {
	c.Close()
	if owner, ok := c.owner.(io.Closer); ok {
		owner.Close()
	}
}

func (c *ChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *ChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *ChannelConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t, c.expire)
	c.writeDeadline.set(t, c.expire)
	return nil
}

func (c *ChannelConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t, c.expire)
	return nil
}

func (c *ChannelConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t, c.expire)
	return nil
}
