package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/foothold-sh/foothold/internal/ports"
)

// sshClient wraps one authenticated SSH connection: dial, keepalive,
// session creation, and a lazily created SFTP client sharing the
// connection.
type sshClient struct {
	mu     sync.Mutex
	conn   *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   int

	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}

	sftpClient *sftp.Client

	clock ports.Clock
}

func newSSHClient(host string, port int, config *ssh.ClientConfig, keepalive time.Duration, clock ports.Clock) *sshClient {
	if port == 0 {
		port = 22
	}
	if keepalive == 0 {
		keepalive = 30 * time.Second
	}
	return &sshClient{
		config:            config,
		host:              host,
		port:              port,
		keepaliveInterval: keepalive,
		clock:             clock,
	}
}

// connect dials and completes the handshake. Dial failures wrap
// ErrNetwork; rejected credentials wrap ErrAuth.
func (c *sshClient) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	dialer := net.Dialer{Timeout: c.config.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("dial %s: %w", addr, ErrTimeout)
		}
		return fmt.Errorf("dial %s: %v: %w", addr, err, ErrNetwork)
	}

	sconn, chans, reqs, err := ssh.NewClientConn(raw, addr, c.config)
	if err != nil {
		raw.Close()
		return fmt.Errorf("handshake %s: %v: %w", addr, err, classifyHandshakeErr(err))
	}

	c.conn = ssh.NewClient(sconn, chans, reqs)
	c.keepaliveStop = make(chan struct{})

	// Copy the channel reference so the goroutine never reads the
	// struct field after Close nils it.
	stop := c.keepaliveStop
	go c.keepalive(stop)

	return nil
}

// classifyHandshakeErr separates rejected credentials from everything
// else the handshake can fail with.
func classifyHandshakeErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return ErrAuth
	}
	return ErrNetwork
}

// keepalive holds NAT mappings and idle-timeout firewalls open. A
// failed request is left for the next operation to surface.
func (c *sshClient) keepalive(stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			c.mu.Lock()
			if c.conn != nil {
				_, _, _ = c.conn.SendRequest("keepalive@openssh.com", true, nil)
			}
			c.mu.Unlock()
		}
	}
}

func (c *sshClient) newSession() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected: %w", ErrNetwork)
	}
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %v: %w", err, ErrNetwork)
	}
	return session, nil
}

func (c *sshClient) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// sftpSession returns an SFTP client on the existing connection,
// creating it on first use.
func (c *sshClient) sftpSession() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected: %w", ErrNetwork)
	}
	if c.sftpClient == nil {
		client, err := sftp.NewClient(c.conn)
		if err != nil {
			return nil, fmt.Errorf("sftp subsystem: %v: %w", err, ErrNetwork)
		}
		c.sftpClient = client
	}
	return c.sftpClient, nil
}

func (c *sshClient) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.sftpClient != nil {
		c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
