package transport

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/foothold-sh/foothold/internal/ptybridge"
)

// Local is the transport variant for a shell on this host, attached to
// a real PTY pair. It shares the framed-execution contract with the
// remote variants, so the session layer treats all three alike.
type Local struct {
	shell string

	mu     sync.Mutex
	state  State
	bridge *ptybridge.Bridge
}

// NewLocal builds a local transport. An empty shell selects the user's
// shell with a /bin/sh fallback.
func NewLocal(shell string) *Local {
	if shell == "" {
		shell = ptybridge.DetectShell()
	}
	return &Local{shell: shell, state: StateDisconnected}
}

func (t *Local) Kind() Kind { return KindLocal }

func (t *Local) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected && t.bridge != nil && !t.bridge.Closed()
}

// Connect starts the shell process on a fresh PTY pair.
func (t *Local) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateConnected {
		return nil
	}

	bridge, err := ptybridge.StartProcess(exec.Command(t.shell), ptybridge.DefaultOptions())
	if err != nil {
		return fmt.Errorf("start local shell: %v: %w", err, ErrNetwork)
	}

	// Drop the echo of whatever startup chatter the shell prints.
	_ = bridge.WriteCommand("stty -echo 2>/dev/null")

	t.bridge = bridge
	t.state = StateConnected
	return nil
}

// Execute runs one framed command in the local shell.
func (t *Local) Execute(ctx context.Context, command string) (*Result, error) {
	t.mu.Lock()
	bridge := t.bridge
	state := t.state
	t.mu.Unlock()

	if state != StateConnected || bridge == nil {
		return nil, fmt.Errorf("local shell not started: %w", ErrNetwork)
	}

	res, err := runMarked(ctx, bridge, command)
	if err != nil && !isTimeoutErr(err) {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
	}
	return res, err
}

// Close kills the shell and releases the PTY pair. Safe to repeat.
func (t *Local) Close() error {
	t.mu.Lock()
	bridge := t.bridge
	t.bridge = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if bridge != nil {
		return bridge.Close()
	}
	return nil
}
