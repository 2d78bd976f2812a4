package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/foothold-sh/foothold/internal/ports"
	"github.com/foothold-sh/foothold/internal/ptybridge"
)

// ListenerConfig describes a reverse-shell listener.
type ListenerConfig struct {
	Addr string // bind address, default "0.0.0.0"
	Port int

	// AcceptTimeout bounds how long the watcher waits for a callback
	// before giving up and closing the socket.
	AcceptTimeout time.Duration
	// JoinTimeout bounds how long Close waits for the watcher goroutine.
	JoinTimeout time.Duration
}

// TriggerOutcome records how the most recent trigger command fared.
// Trigger itself returns immediately; callers poll this.
type TriggerOutcome struct {
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	Done      bool      `json:"done"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

/// Listener is the reverse-shell transport variant: it binds a TCP port,
// waits for an inbound connection from a shell started on the target,
// and executes over the adopted socket.
type Listener struct {
	cfg    ListenerConfig
	clock  ports.Clock
	logger *slog.Logger

	// runTrigger launches the external command that provokes the
	// callback. Swappable for tests.
	runTrigger func(ctx context.Context, command string) (int, error)

	mu       sync.Mutex
	state    State
	ln       net.Listener
	bridge   *ptybridge.Bridge
	peerAddr string
	trigger  *TriggerOutcome

	watcherDone chan struct{}
}

// NewListener builds a listener transport. The socket is not bound
// until Connect.
func NewListener(cfg ListenerConfig, clock ports.Clock, logger *slog.Logger) (*Listener, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid listener port %d", cfg.Port)
	}
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0"
	}
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = 5 * time.Minute
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 3 * time.Second
	}
	return &Listener{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		state:      StateDisconnected,
		runTrigger: runShellCommand,
	}, nil
}

func (t *Listener) Kind() Kind { return KindListener }

// State returns the current lifecycle state. Connecting means bound and
// waiting for the callback.
func (t *Listener) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Listener) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected && t.bridge != nil && !t.bridge.Closed()
}

// PeerAddr returns the remote address of the adopted shell, or "" while
// still waiting.
func (t *Listener) PeerAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerAddr
}

// Connect binds the port and starts the accept watcher. It returns once
// the socket is listening; the callback is awaited in the background.
func (t *Listener) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(t.cfg.Addr, fmt.Sprintf("%d", t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %v: %w", addr, err, ErrNetwork)
	}

	t.ln = ln
	t.state = StateConnecting
	t.watcherDone = make(chan struct{})
	go t.watchAccept(ln, t.watcherDone)

	t.logger.Info("listener bound", "addr", addr)
	return nil
}

// watchAccept waits for exactly one inbound connection. The accept
// window is enforced with a deadline on the listener socket.
func (t *Listener) watchAccept(ln net.Listener, done chan struct{}) {
	defer close(done)

	if tcp, ok := ln.(*net.TCPListener); ok {
		_ = tcp.SetDeadline(time.Now().Add(t.cfg.AcceptTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		t.mu.Lock()
		stillMine := t.ln == ln
		if stillMine {
			t.state = StateDisconnected
			t.ln = nil
		}
		t.mu.Unlock()
		if stillMine {
			ln.Close()
			t.logger.Warn("listener accept ended without a callback",
				"port", t.cfg.Port, "error", err)
		}
		return
	}

	// One shell per listener; stop accepting.
	ln.Close()

	bridge := ptybridge.Attach(conn)

	t.mu.Lock()
	if t.ln != ln {
		// Closed while we were accepting.
		t.mu.Unlock()
		bridge.Close()
		return
	}
	t.ln = nil
	t.bridge = bridge
	t.peerAddr = conn.RemoteAddr().String()
	t.state = StateConnected
	t.mu.Unlock()

	t.primeShell(bridge)
	t.logger.Info("reverse shell adopted", "port", t.cfg.Port, "peer", conn.RemoteAddr())
}

// primeShell quiets the adopted shell. Reverse shells usually arrive
// without a controlling terminal and with a noisy prompt.
func (t *Listener) primeShell(bridge *ptybridge.Bridge) {
	_ = bridge.WriteCommand("export PS1=''; unset PROMPT_COMMAND; stty -echo 2>/dev/null")
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		lines, err := bridge.ReadLines(100 * time.Millisecond)
		if err != nil || len(lines) == 0 {
			return
		}
	}
}

// Trigger launches the external command expected to provoke the
// callback, on its own goroutine, and returns immediately. The outcome
// is recorded and queryable via LastTrigger.
func (t *Listener) Trigger(command string) {
	outcome := &TriggerOutcome{
		Command:   command,
		StartedAt: t.clock.Now(),
	}

	t.mu.Lock()
	t.trigger = outcome
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.AcceptTimeout)
		defer cancel()

		code, err := t.runTrigger(ctx, command)

		t.mu.Lock()
		outcome.Done = true
		outcome.ExitCode = code
		if err != nil {
			outcome.Error = err.Error()
		}
		t.mu.Unlock()

		if err != nil {
			t.logger.Warn("trigger command failed", "port", t.cfg.Port, "error", err)
		}
	}()
}

// LastTrigger returns a copy of the most recent trigger outcome, or
// false if Trigger has not been called.
func (t *Listener) LastTrigger() (TriggerOutcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.trigger == nil {
		return TriggerOutcome{}, false
	}
	return *t.trigger, true
}

// Execute runs one framed command over the adopted shell socket.
func (t *Listener) Execute(ctx context.Context, command string) (*Result, error) {
	t.mu.Lock()
	bridge := t.bridge
	state := t.state
	t.mu.Unlock()

	if state != StateConnected || bridge == nil {
		return nil, fmt.Errorf("no reverse shell connected on port %d: %w", t.cfg.Port, ErrNetwork)
	}

	res, err := runMarked(ctx, bridge, command)
	if err != nil && !isTimeoutErr(err) {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
	}
	return res, err
}

// Close releases everything the listener holds. It is safe in every
// state: listening, connected, or already closed. The watcher goroutine
// is joined with a bounded wait and force-abandoned with a log line if
// it overruns.
func (t *Listener) Close() error {
	t.mu.Lock()
	ln := t.ln
	bridge := t.bridge
	watcher := t.watcherDone
	t.ln = nil
	t.bridge = nil
	t.watcherDone = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if bridge != nil {
		bridge.Close()
	}

	if watcher != nil {
		select {
		case <-watcher:
		case <-time.After(t.cfg.JoinTimeout):
			t.logger.Warn("listener watcher did not exit within join timeout",
				"port", t.cfg.Port, "timeout", t.cfg.JoinTimeout)
		}
	}
	return nil
}

// runShellCommand executes a trigger command through the local shell.
func runShellCommand(ctx context.Context, command string) (int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	// Own process group, so cancellation reaches the whole pipeline:
	// SIGTERM on ctx expiry, SIGKILL after the wait delay.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), err
	}
	return -1, err
}
