package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	startMarkerPrefix = "___FH_START_"
	endMarkerPrefix   = "___FH_END_"
	markerSuffix      = "___"

	// pollInterval bounds each read so deadlines and cancellation are
	// checked frequently without spinning.
	pollInterval = 100 * time.Millisecond
)

// shellChannel is the raw line channel a marked execution runs over.
// ptybridge.Bridge satisfies it; the SSH transport adapts its remote
// shell session to the same surface.
type shellChannel interface {
	WriteCommand(command string) error
	ReadLines(wait time.Duration) ([]string, error)
	Flush() (string, bool)
}

// newMarkerID returns a fresh id for one execution's frame markers.
func newMarkerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// frameCommand wraps a command so its output is delimited on the wire:
//
//	echo '<START_id>'; command; echo '<END_id>'$?
//
// The end marker line carries the exit status, so completion and exit
// code arrive in one read.
func frameCommand(command, id string) string {
	start := startMarkerPrefix + id + markerSuffix
	end := endMarkerPrefix + id + markerSuffix
	return fmt.Sprintf("echo '%s'; %s; echo '%s'$?", start, command, end)
}

// runMarked executes one framed command over ch and scans lines until
// the end marker or the context deadline. Output before the start
// marker (stale chatter from earlier activity) is dropped; noise lines
// inside the frame are filtered. On timeout the partial output is
// returned with TimedOut set and an error wrapping ErrTimeout.
func runMarked(ctx context.Context, ch shellChannel, command string) (*Result, error) {
	id := newMarkerID()
	start := startMarkerPrefix + id + markerSuffix
	end := endMarkerPrefix + id + markerSuffix

	began := time.Now()
	if err := ch.WriteCommand(frameCommand(command, id)); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	var out []string
	inFrame := false

	for {
		select {
		case <-ctx.Done():
			// Surface any buffered partial line before reporting the
			// timeout, so trailing unterminated output is not lost.
			if tail, ok := ch.Flush(); ok && strings.TrimSpace(tail) != "" {
				out = append(out, tail)
			}
			res := &Result{
				Output:   strings.Join(out, "\n"),
				ExitCode: -1,
				Duration: time.Since(began),
				TimedOut: true,
			}
			return res, fmt.Errorf("command %q: %w", command, ErrTimeout)
		default:
		}

		lines, err := ch.ReadLines(pollInterval)
		for _, line := range lines {
			if !inFrame {
				if strings.TrimSpace(line) == start {
					inFrame = true
				}
				continue
			}
			// The PTY echo of the framed command carries both markers;
			// it must be dropped before end-marker detection or its
			// embedded end marker would terminate the frame.
			if isEchoedFrame(line, start, end) {
				continue
			}
			if tail, code, ok := parseEndMarker(line, end); ok {
				if strings.TrimSpace(tail) != "" {
					out = append(out, tail)
				}
				return &Result{
					Output:   strings.Join(out, "\n"),
					ExitCode: code,
					Duration: time.Since(began),
				}, nil
			}
			if isNoise(line) {
				continue
			}
			out = append(out, line)
		}
		if err != nil {
			return nil, fmt.Errorf("read output: %w", classifyChannelErr(err))
		}
	}
}

// parseEndMarker locates the end marker in a line and extracts the exit
// status after it. Output without a trailing newline shares the
// marker's wire line, so the marker may sit mid-line; the bytes before
// it are the command's final output fragment. A mangled status yields
// -1.
func parseEndMarker(line, end string) (tail string, code int, ok bool) {
	i := strings.Index(line, end)
	if i < 0 {
		return "", 0, false
	}
	tail = line[:i]
	rest := strings.TrimSpace(line[i+len(end):])
	if rest == "" {
		return tail, 0, true
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return tail, -1, true
	}
	return tail, code, true
}

// isEchoedFrame detects the PTY echo of the framed command itself,
// which contains both markers inside quotes on a single line.
func isEchoedFrame(line, start, end string) bool {
	return strings.Contains(line, start) && strings.Contains(line, end)
}

// classifyChannelErr maps a raw channel read error onto the transport
// taxonomy. Anything that is not a deadline is a broken channel.
func classifyChannelErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return fmt.Errorf("%s: %w", msg, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", msg, ErrNetwork)
}
