package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/foothold-sh/foothold/internal/ports"
)

// SSHConfig describes one SSH target.
type SSHConfig struct {
	Host string
	Port int
	User string
	Auth AuthConfig

	KnownHostsPath  string
	InsecureHostKey bool

	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
}

// SSH is the SSH transport variant: an authenticated client holding one
// interactive shell session with a requested PTY.
type SSH struct {
	cfg    SSHConfig
	clock  ports.Clock
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	client *sshClient
	shell  *sshShell
}

// NewSSH builds an SSH transport. No network activity happens until
// Connect.
func NewSSH(cfg SSHConfig, clock ports.Clock, logger *slog.Logger) (*SSH, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SSH{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		state:  StateDisconnected,
	}, nil
}

func (t *SSH) Kind() Kind { return KindSSH }

// State returns the current lifecycle state.
func (t *SSH) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *SSH) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected && t.client != nil && t.client.connected() && t.shell != nil && !t.shell.closed()
}

// Connect dials the target, opens an interactive shell with a PTY, and
// quiets the remote prompt. The transport moves Disconnected to
// Connecting to Connected; any failure returns it to Disconnected.
func (t *SSH) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	err := t.connect(ctx)

	t.mu.Lock()
	if err != nil {
		t.state = StateDisconnected
	} else {
		t.state = StateConnected
	}
	t.mu.Unlock()
	return err
}

func (t *SSH) connect(ctx context.Context) error {
	methods, err := buildAuthMethods(t.cfg.Auth)
	if err != nil {
		return err
	}
	hostKey, err := buildHostKeyCallback(t.cfg.KnownHostsPath, t.cfg.InsecureHostKey)
	if err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         t.cfg.ConnectTimeout,
	}

	client := newSSHClient(t.cfg.Host, t.cfg.Port, config, t.cfg.KeepaliveInterval, t.clock)

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	if err := client.connect(dialCtx); err != nil {
		return err
	}

	shell, err := newSSHShell(client)
	if err != nil {
		client.close()
		return err
	}

	t.mu.Lock()
	t.client = client
	t.shell = shell
	t.mu.Unlock()

	t.primeShell()
	t.logger.Info("ssh transport connected",
		"host", t.cfg.Host, "port", t.cfg.Port, "user", t.cfg.User)
	return nil
}

// primeShell flattens the remote prompt and drains the login banner so
// the first execution starts from a quiet channel.
func (t *SSH) primeShell() {
	_ = t.shell.WriteCommand("export PS1='$ '; unset PROMPT_COMMAND; stty -echo 2>/dev/null")
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		lines, err := t.shell.ReadLines(100 * time.Millisecond)
		if err != nil || len(lines) == 0 {
			return
		}
	}
}

// Execute runs one framed command over the shell channel. A timeout
// leaves the channel connected; a read error on the channel marks the
// transport disconnected.
func (t *SSH) Execute(ctx context.Context, command string) (*Result, error) {
	t.mu.Lock()
	shell := t.shell
	state := t.state
	t.mu.Unlock()

	if state != StateConnected || shell == nil {
		return nil, fmt.Errorf("ssh transport not connected: %w", ErrNetwork)
	}

	res, err := runMarked(ctx, shell, command)
	if err != nil && !isTimeoutErr(err) {
		// The channel itself broke, not the command.
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
	}
	return res, err
}

// SFTPClient exposes an SFTP client on the underlying connection for
// the transfer engine's fast path.
func (t *SSH) SFTPClient() (*sftp.Client, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("ssh transport not connected: %w", ErrNetwork)
	}
	return client.sftpSession()
}

// Close tears down the shell and the connection. Safe to call in any
// state and more than once.
func (t *SSH) Close() error {
	t.mu.Lock()
	shell := t.shell
	client := t.client
	t.shell = nil
	t.client = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if shell != nil {
		shell.Close()
	}
	if client != nil {
		return client.close()
	}
	return nil
}

func isTimeoutErr(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// sshShell adapts an interactive SSH session to the line-oriented
// channel contract. SSH streams have no read deadlines, so a pump
// goroutine feeds a buffered chunk channel the poll loop selects on.
type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser

	chunks  chan []byte
	eof     chan struct{}
	eofOnce sync.Once
	rdErr   error

	mu      sync.Mutex
	partial []byte
	done    bool
}

func newSSHShell(client *sshClient) (*sshShell, error) {
	session, err := client.newSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("dumb", 24, 120, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %v: %w", err, ErrNetwork)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %v: %w", err, ErrNetwork)
	}

	s := &sshShell{
		session: session,
		stdin:   stdin,
		chunks:  make(chan []byte, 64),
		eof:     make(chan struct{}),
	}
	go s.pump(stdout)
	return s, nil
}

func (s *sshShell) pump(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.eof:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			if s.rdErr == nil {
				s.rdErr = err
			}
			s.mu.Unlock()
			s.eofOnce.Do(func() { close(s.eof) })
			return
		}
	}
}

func (s *sshShell) WriteCommand(command string) error {
	_, err := s.stdin.Write([]byte(command + "\n"))
	if err != nil {
		return fmt.Errorf("write command: %v: %w", err, ErrNetwork)
	}
	return nil
}

// ReadLines waits up to wait for a chunk, then drains whatever else is
// buffered and returns the complete lines.
func (s *sshShell) ReadLines(wait time.Duration) ([]string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case chunk := <-s.chunks:
		s.append(chunk)
	case <-s.eof:
		s.mu.Lock()
		err := s.rdErr
		s.mu.Unlock()
		if err == nil || err == io.EOF {
			err = fmt.Errorf("shell channel closed: %w", ErrNetwork)
		}
		return s.split(), err
	case <-timer.C:
		return nil, nil
	}

	for {
		select {
		case chunk := <-s.chunks:
			s.append(chunk)
		default:
			return s.split(), nil
		}
	}
}

func (s *sshShell) append(chunk []byte) {
	s.mu.Lock()
	s.partial = append(s.partial, chunk...)
	s.mu.Unlock()
}

func (s *sshShell) split() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []string
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			return lines
		}
		line := strings.TrimRight(string(s.partial[:idx]), "\r")
		s.partial = s.partial[idx+1:]
		lines = append(lines, line)
	}
}

func (s *sshShell) Flush() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.partial) == 0 {
		return "", false
	}
	line := strings.TrimRight(string(s.partial), "\r")
	s.partial = nil
	return line, true
}

func (s *sshShell) closed() bool {
	select {
	case <-s.eof:
		return true
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.done
	}
}

func (s *sshShell) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.mu.Unlock()

	// Unblock the pump if it is parked on a full chunk buffer.
	s.eofOnce.Do(func() { close(s.eof) })
	s.stdin.Close()
	return s.session.Close()
}
