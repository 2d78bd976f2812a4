// Package stream provides the per-invocation event channel used by
// streaming command execution. A producer publishes typed events while
// a single consumer drains them; a terminal event followed by a
// completion event always closes the sequence.
package stream

import (
	"sync"
)

// EventType discriminates the event union.
type EventType string

const (
	// EventOutput carries one line of command output.
	EventOutput EventType = "output"
	// EventHeartbeat signals liveness while a command produces no output.
	EventHeartbeat EventType = "heartbeat"
	// EventResult is the terminal event for a command that ran to completion.
	EventResult EventType = "result"
	// EventError is the terminal event for a command that failed to run.
	EventError EventType = "error"
	// EventComplete is always the final event of an invocation.
	EventComplete EventType = "complete"
)

// Source identifies which output stream a line came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
)

// Event is one entry in a streaming invocation.
type Event struct {
	Type     EventType `json:"type"`
	Source   Source    `json:"source,omitempty"`
	Line     string    `json:"line,omitempty"`
	Success  bool      `json:"success,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Channel is a buffered, single-consumer event channel for one command
// invocation. Publish never blocks the producer: once the consumer
// detaches, or the buffer fills after detach, events are discarded.
type Channel struct {
	mu       sync.Mutex
	ch       chan Event
	detached bool
	done     bool
}

// NewChannel creates a channel with the given buffer capacity.
func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{ch: make(chan Event, buffer)}
}

// Events returns the receive side for the consumer.
func (c *Channel) Events() <-chan Event {
	return c.ch
}

// Publish delivers an event to the consumer if one is attached and the
// buffer has room. It never blocks and reports whether the event was
// delivered.
func (c *Channel) Publish(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done || c.detached {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	default:
		// Buffer full with a live consumer means the consumer stopped
		// draining. Treat it as detached rather than stall the command.
		c.detached = true
		return false
	}
}

// Output publishes an output line.
func (c *Channel) Output(src Source, line string) bool {
	return c.Publish(Event{Type: EventOutput, Source: src, Line: line})
}

// Heartbeat publishes a heartbeat event.
func (c *Channel) Heartbeat() bool {
	return c.Publish(Event{Type: EventHeartbeat})
}

// CloseWithResult emits the result terminal event followed by complete,
// then closes the channel. Subsequent calls are no-ops.
func (c *Channel) CloseWithResult(success bool, exitCode int) {
	c.close(Event{Type: EventResult, Success: success, ExitCode: exitCode})
}

// CloseWithError emits the error terminal event followed by complete,
// then closes the channel. Subsequent calls are no-ops.
func (c *Channel) CloseWithError(message string) {
	c.close(Event{Type: EventError, Message: message})
}

func (c *Channel) close(terminal Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	c.done = true

	if !c.detached {
		// Best effort: a full buffer at close time drops the trailing
		// events the same way Publish would.
		select {
		case c.ch <- terminal:
			select {
			case c.ch <- Event{Type: EventComplete}:
			default:
			}
		default:
		}
	}
	close(c.ch)
}

// Detach marks the consumer as gone. Later publishes are discarded and
// the producer keeps running unimpeded.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// Done reports whether the channel has been closed.
func (c *Channel) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
