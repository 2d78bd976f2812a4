// Package transport provides the command channels sessions execute
// over. Three variants share one contract: an SSH client with an
// interactive PTY shell, a TCP listener that adopts an inbound reverse
// shell, and a local PTY-backed shell on this host.
package transport

import (
	"context"
	"errors"
	"time"
)

// Kind identifies the transport variant.
type Kind string

const (
	KindSSH      Kind = "ssh"
	KindListener Kind = "listener"
	KindLocal    Kind = "local"
)

// State is the connection lifecycle of a transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Sentinel errors. Callers classify failures with errors.Is; the HTTP
// layer maps each to a distinct status code.
var (
	// ErrAuth means the peer rejected our credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrNetwork means the peer was unreachable or the channel broke.
	ErrNetwork = errors.New("network failure")
	// ErrTimeout means an operation exceeded its deadline. A command
	// timeout leaves the channel connected.
	ErrTimeout = errors.New("operation timed out")
)

// Result is the outcome of one command execution.
type Result struct {
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Transport is a command channel to one target. Execute is not safe for
// concurrent use; the session layer serializes calls.
type Transport interface {
	Kind() Kind
	// Connect establishes the channel. Listener transports return as
	// soon as the socket is bound; Connected flips when a reverse
	// shell calls back.
	Connect(ctx context.Context) error
	Connected() bool
	// Execute runs a command and waits for its framed completion. On
	// timeout it returns the output gathered so far in a non-nil Result
	// with TimedOut set, alongside an error wrapping ErrTimeout.
	Execute(ctx context.Context, command string) (*Result, error)
	Close() error
}
