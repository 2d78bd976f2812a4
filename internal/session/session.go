// Package session holds the session registry: named, long-lived command
// channels to targets, each wrapping one transport.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foothold-sh/foothold/internal/ports"
	"github.com/foothold-sh/foothold/internal/stream"
	"github.com/foothold-sh/foothold/internal/transport"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound = errors.New("session not found")
	ErrCapacity = errors.New("session capacity reached")
	ErrExists   = errors.New("session id already in use")
)

// Meta carries the descriptive fields of a session, set at creation.
type Meta struct {
	Target       string `json:"target,omitempty"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	ListenerAddr string `json:"listener_addr,omitempty"`
	Shell        string `json:"shell,omitempty"`
}

// Summary is the read-only view of a session returned by List and Get.
type Summary struct {
	ID           string         `json:"id"`
	Kind         transport.Kind `json:"kind"`
	Connected    bool           `json:"connected"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Meta         Meta           `json:"meta"`
}

// Session is one registered command channel. Executions are serialized
// per session; different sessions run independently.
type Session struct {
	id        string
	tr        transport.Transport
	meta      Meta
	createdAt time.Time

	clock  ports.Clock
	logger *slog.Logger

	mu           sync.Mutex // guards mutable fields below
	lastActivity time.Time

	transcript *transcript

	execMu sync.Mutex // serializes Execute on this session
}

func newSession(id string, tr transport.Transport, meta Meta, transcriptLines int, clock ports.Clock, logger *slog.Logger) *Session {
	now := clock.Now()
	return &Session{
		id:           id,
		tr:           tr,
		meta:         meta,
		createdAt:    now,
		clock:        clock,
		logger:       logger,
		lastActivity: now,
		transcript:   newTranscript(transcriptLines),
	}
}

// ID returns the registry id.
func (s *Session) ID() string { return s.id }

// Kind returns the transport variant.
func (s *Session) Kind() transport.Kind { return s.tr.Kind() }

// Transport exposes the underlying transport for variant-specific
// operations such as listener triggers and the SFTP fast path.
func (s *Session) Transport() transport.Transport { return s.tr }

// Connected delegates to the transport; the session has no connection
// state of its own.
func (s *Session) Connected() bool { return s.tr.Connected() }

// Touch records activity, deferring the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent execution or touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Summary returns the read-only view of this session.
func (s *Session) Summary() Summary {
	return Summary{
		ID:           s.id,
		Kind:         s.tr.Kind(),
		Connected:    s.tr.Connected(),
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		Meta:         s.meta,
	}
}

// Transcript returns the retained output lines, oldest first.
func (s *Session) Transcript() []string {
	return s.transcript.snapshot()
}

// Execute runs one command over the session's transport. Concurrent
// calls on the same session queue behind each other; the transcript
// records whatever output came back, including partial output from a
// timed-out command.
func (s *Session) Execute(ctx context.Context, command string) (*transport.Result, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.Touch()
	res, err := s.tr.Execute(ctx, command)
	s.Touch()

	if res != nil && res.Output != "" {
		s.transcript.append(strings.Split(res.Output, "\n")...)
	}
	return res, err
}

// ExecuteStreaming runs a command and narrates it on ch: heartbeats
// while the command is in flight, the output lines once the framed
// execution completes, then the terminal event and completion. The
// transport delivers output only at frame completion, so lines arrive
// in a burst rather than as they are generated; their order is
// preserved.
func (s *Session) ExecuteStreaming(ctx context.Context, command string, ch *stream.Channel) {
	hb := stream.NewHeartbeater(ch, s.clock, 5*time.Second)
	hb.Start()

	res, err := s.Execute(ctx, command)

	hb.Stop()

	if res != nil {
		for _, line := range strings.Split(res.Output, "\n") {
			if line == "" {
				continue
			}
			ch.Output(stream.SourceStdout, line)
		}
	}

	switch {
	case err != nil && res != nil && res.TimedOut:
		ch.CloseWithError("command timed out")
	case err != nil:
		ch.CloseWithError(err.Error())
	default:
		ch.CloseWithResult(res.ExitCode == 0, res.ExitCode)
	}
}

// Close tears down the transport. Safe to call more than once.
func (s *Session) Close() error {
	err := s.tr.Close()
	if err != nil {
		s.logger.Warn("session close", "session_id", s.id, "error", err)
	}
	return err
}
