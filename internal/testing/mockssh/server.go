// Package mockssh runs an in-process SSH server for transport tests:
// password auth against a configurable user table and PTY-backed shell
// sessions driving a real local shell.
package mockssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Server is the mock SSH server. Zero-value is not usable; construct
// with New.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	shell    string

	mu    sync.RWMutex
	users map[string]string // username -> password

	done chan struct{}
	wg   sync.WaitGroup

	sessMu   sync.Mutex
	sessions []*shellSession
}

type shellSession struct {
	channel ssh.Channel
	ptmx    *os.File
	cmd     *exec.Cmd
}

// Option configures the server.
type Option func(*Server)

// WithShell sets the shell launched for shell and exec requests.
func WithShell(shell string) Option {
	return func(s *Server) { s.shell = shell }
}

// WithUser adds a username/password pair accepted by the server.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// New starts a server on a random loopback port.
func New(opts ...Option) (*Server, error) {
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("host key signer: %w", err)
	}

	s := &Server{
		shell: "/bin/sh",
		users: map[string]string{"test": "test"},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.mu.RLock()
			want, ok := s.users[c.User()]
			s.mu.RUnlock()
			if ok && string(password) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)
	s.config = config

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host:port of the server.
func (s *Server) Addr() string { return s.addr }

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	var port int
	_, p, _ := net.SplitHostPort(s.addr)
	fmt.Sscanf(p, "%d", &port)
	return port
}

// Close stops the server and tears down every live session.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.sessMu.Lock()
	for _, sess := range s.sessions {
		if sess.ptmx != nil {
			sess.ptmx.Close()
		}
		if sess.cmd != nil && sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		if sess.channel != nil {
			sess.channel.Close()
		}
	}
	s.sessions = nil
	s.sessMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	sess := &shellSession{channel: channel}
	s.sessMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.sessMu.Unlock()

	ptyRequested := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			ptyRequested = true
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.runShell(sess, ptyRequested, nil)
		case "exec":
			if req.WantReply {
				req.Reply(true, nil)
			}
			command := parseExecPayload(req.Payload)
			s.runShell(sess, ptyRequested, []string{"-c", command})
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runShell(sess *shellSession, usePty bool, args []string) {
	cmd := exec.Command(s.shell, args...)
	cmd.Env = append(os.Environ(), "PS1=$ ", "TERM=dumb")

	if usePty {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			exitStatus(sess.channel, 1)
			return
		}
		sess.ptmx = ptmx
		sess.cmd = cmd

		drained := make(chan struct{})
		go func() {
			io.Copy(sess.channel, ptmx)
			close(drained)
		}()
		go io.Copy(ptmx, sess.channel)

		code := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = 1
			}
		}
		ptmx.Close()
		<-drained
		exitStatus(sess.channel, code)
		return
	}

	output, err := cmd.CombinedOutput()
	sess.cmd = cmd
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	sess.channel.Write(output)
	exitStatus(sess.channel, code)
}

// exitStatus signals EOF, reports the status, and closes the channel.
func exitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()
	payload := []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
	channel.SendRequest("exit-status", false, payload)
	channel.Close()
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+n {
		return ""
	}
	return string(payload[4 : 4+n])
}
