// Package ptybridge provides a line-oriented bridge over an interactive
// shell channel. The channel is either a pseudo-terminal pair attached
// to a local process or an accepted reverse-shell socket; both expose
// the same read/write surface to the transport layer.
package ptybridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// backend is the common surface of *os.File (PTY master) and net.Conn.
type backend interface {
	io.Reader
	io.Writer
	Close() error
}

// Options configures process-backed bridges.
type Options struct {
	Term string   // terminal type, default "dumb" to suppress escape codes
	Rows uint16   // default 24
	Cols uint16   // default 120
	Dir  string   // initial working directory
	Env  []string // extra environment variables
}

// DefaultOptions returns options that keep shell output machine-readable.
func DefaultOptions() Options {
	return Options{
		Term: "dumb",
		Rows: 24,
		Cols: 120,
		Env:  quietShellEnv(),
	}
}

// quietShellEnv flattens prompts and disables color so the line scanner
// sees command output rather than decoration.
func quietShellEnv() []string {
	return []string{
		"NO_COLOR=1",
		"PS1=$ ",
		"PROMPT_COMMAND=",
	}
}

// Bridge is a line-oriented view of an interactive channel. A pump
// goroutine does the blocking reads, so ReadLines callers always regain
// control at their wait bound and Close can interrupt a read in flight.
// Read deadlines on a PTY master are not reliable across platforms, so
// the bridge never depends on them. Bytes that do not yet end in a
// newline are carried over and surfaced by Flush at teardown.
type Bridge struct {
	mu      sync.Mutex
	be      backend
	cmd     *exec.Cmd // non-nil only for process-backed bridges
	partial []byte
	closed  bool
	rdErr   error

	chunks  chan []byte
	eof     chan struct{}
	eofOnce sync.Once
}

func newBridge(be backend, cmd *exec.Cmd) *Bridge {
	b := &Bridge{
		be:     be,
		cmd:    cmd,
		chunks: make(chan []byte, 64),
		eof:    make(chan struct{}),
	}
	go b.pump()
	return b
}

// StartProcess starts cmd attached to a fresh PTY pair and returns a
// bridge over the master side.
func StartProcess(cmd *exec.Cmd, opts Options) (*Bridge, error) {
	if opts.Term == "" {
		opts.Term = "dumb"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", opts.Term))
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return newBridge(ptmx, cmd), nil
}

// Attach wraps an already-connected socket, typically a reverse shell
// accepted by the listener transport.
func Attach(conn net.Conn) *Bridge {
	return newBridge(conn, nil)
}

// DetectShell returns the shell to launch for local sessions.
func DetectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, shell := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}

// pump moves bytes from the channel into the chunk queue until the
// channel errors out or the bridge closes. It owns the only blocking
// Read.
func (b *Bridge) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.be.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case b.chunks <- chunk:
			case <-b.eof:
				return
			}
		}
		if err != nil {
			b.mu.Lock()
			if b.rdErr == nil {
				b.rdErr = err
			}
			b.mu.Unlock()
			b.eofOnce.Do(func() { close(b.eof) })
			return
		}
	}
}

// WriteCommand writes a command line to the channel, appending the
// newline the remote shell needs to execute it.
func (b *Bridge) WriteCommand(command string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("bridge closed")
	}
	_, err := b.be.Write([]byte(command + "\n"))
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// ReadLines waits up to wait for output, then drains whatever else is
// buffered and returns the complete lines. A wait that elapses with no
// data returns an empty slice and no error; a closed peer returns the
// lines read so far along with the underlying error.
func (b *Bridge) ReadLines(wait time.Duration) ([]string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bridge closed")
	}
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case chunk := <-b.chunks:
		b.append(chunk)
	case <-b.eof:
		b.drainChunks()
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errors.New("bridge closed")
		}
		err := b.rdErr
		lines := b.splitLocked()
		b.mu.Unlock()
		if err == nil || errors.Is(err, io.EOF) {
			err = errors.New("channel closed")
		}
		return lines, err
	case <-timer.C:
		return nil, nil
	}

	b.drainChunks()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.splitLocked(), nil
}

func (b *Bridge) append(chunk []byte) {
	b.mu.Lock()
	b.partial = append(b.partial, chunk...)
	b.mu.Unlock()
}

// drainChunks folds already-delivered chunks into the carryover buffer
// without blocking.
func (b *Bridge) drainChunks() {
	for {
		select {
		case chunk := <-b.chunks:
			b.append(chunk)
		default:
			return
		}
	}
}

// splitLocked carves complete lines out of the carryover buffer.
func (b *Bridge) splitLocked() []string {
	var lines []string
	for {
		idx := -1
		for i, c := range b.partial {
			if c == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return lines
		}
		line := strings.TrimRight(string(b.partial[:idx]), "\r")
		b.partial = b.partial[idx+1:]
		lines = append(lines, line)
	}
}

// Flush returns the trailing partial line, if any, and clears it.
// Callers use it at invocation teardown so a final unterminated line is
// not lost.
func (b *Bridge) Flush() (string, bool) {
	b.drainChunks()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.partial) == 0 {
		return "", false
	}
	line := strings.TrimRight(string(b.partial), "\r")
	b.partial = nil
	return line, true
}

// Closed reports whether Close has run.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close releases the channel and stops the pump. A process-backed child
// is killed first so a read blocked on the PTY master returns with EIO;
// the fd close and the child reap happen outside the mutex so a stuck
// pump can never deadlock teardown. Safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.eofOnce.Do(func() { close(b.eof) })

	var errs []error
	if b.cmd != nil && b.cmd.Process != nil {
		if err := b.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
	}
	if err := b.be.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if b.cmd != nil && b.cmd.Process != nil {
		// Reap so the child does not linger as a zombie.
		_ = b.cmd.Wait()
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
