package runner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/foothold-sh/foothold/internal/adapters/realclock"
	"github.com/foothold-sh/foothold/internal/stream"
)

func newTestRunner() *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(realclock.New(), logger)
}

func TestRunCapturesStreams(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), "echo to-stdout; echo to-stderr >&2")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !strings.Contains(res.Stdout, "to-stdout") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "to-stderr") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Errorf("Success = %v, ExitCode = %d", res.Success, res.ExitCode)
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), "exit 4")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", res.ExitCode)
	}
	if res.Success {
		t.Error("Success = true for exit 4")
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	r := newTestRunner()
	r.Timeout = 300 * time.Millisecond

	began := time.Now()
	res, err := r.Run(context.Background(), "sleep 30")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	if res.Success {
		t.Error("Success = true for timed-out command")
	}
	// SIGTERM grace is 2s; anything near the sleep duration means the
	// kill never landed.
	if elapsed := time.Since(began); elapsed > 10*time.Second {
		t.Errorf("Run took %v, kill did not land", elapsed)
	}
}

func TestRunStreamingPublishesLines(t *testing.T) {
	r := newTestRunner()

	ch := stream.NewChannel(64)
	go r.RunStreaming(context.Background(), "echo one; echo two >&2; echo three", ch)

	var stdout, stderr []string
	var terminal stream.Event
	sawComplete := false
	for ev := range ch.Events() {
		switch ev.Type {
		case stream.EventOutput:
			if ev.Source == stream.SourceStderr {
				stderr = append(stderr, ev.Line)
			} else {
				stdout = append(stdout, ev.Line)
			}
		case stream.EventResult, stream.EventError:
			terminal = ev
		case stream.EventComplete:
			sawComplete = true
		}
	}

	if len(stdout) != 2 || stdout[0] != "one" || stdout[1] != "three" {
		t.Errorf("stdout lines = %v, want [one three]", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "two" {
		t.Errorf("stderr lines = %v, want [two]", stderr)
	}
	if terminal.Type != stream.EventResult || !terminal.Success {
		t.Errorf("terminal = %+v, want successful result", terminal)
	}
	if !sawComplete {
		t.Error("no complete event")
	}
}

func TestRunStreamingFailureResult(t *testing.T) {
	r := newTestRunner()

	ch := stream.NewChannel(64)
	go r.RunStreaming(context.Background(), "echo pre; exit 9", ch)

	var terminal stream.Event
	for ev := range ch.Events() {
		if ev.Type == stream.EventResult {
			terminal = ev
		}
	}
	if terminal.Success || terminal.ExitCode != 9 {
		t.Errorf("terminal = %+v, want failure exit 9", terminal)
	}
}

func TestRunStreamingTimeout(t *testing.T) {
	r := newTestRunner()
	r.Timeout = 300 * time.Millisecond
	r.BlockingThreshold = 10 * time.Second

	ch := stream.NewChannel(64)
	go r.RunStreaming(context.Background(), "echo started; sleep 30", ch)

	var terminal stream.Event
	for ev := range ch.Events() {
		if ev.Type == stream.EventError {
			terminal = ev
		}
	}
	if terminal.Message != "command timed out" {
		t.Errorf("terminal = %+v, want timeout error", terminal)
	}
}

func TestRunStreamingBlockingDetection(t *testing.T) {
	r := newTestRunner()
	r.Timeout = 30 * time.Second
	r.BlockingThreshold = 300 * time.Millisecond

	ch := stream.NewChannel(64)
	// Stays silent well past the threshold without exiting. cat would
	// not do: with stdin on /dev/null it sees EOF and exits at once.
	go r.RunStreaming(context.Background(), "sleep 30", ch)

	var terminal stream.Event
	for ev := range ch.Events() {
		if ev.Type == stream.EventError {
			terminal = ev
		}
	}
	if !strings.Contains(terminal.Message, "waiting for input") {
		t.Errorf("terminal = %+v, want blocking detection error", terminal)
	}
}

func TestRunStreamingLongLine(t *testing.T) {
	r := newTestRunner()
	r.Timeout = 10 * time.Second
	r.BlockingThreshold = 10 * time.Second

	ch := stream.NewChannel(64)
	// 150000 characters on one line, past the default 64 KiB scanner cap.
	go r.RunStreaming(context.Background(), "yes | head -c 300000 | tr -d '\\n' && echo", ch)

	var longest int
	var terminal stream.Event
	for ev := range ch.Events() {
		switch ev.Type {
		case stream.EventOutput:
			if len(ev.Line) > longest {
				longest = len(ev.Line)
			}
		case stream.EventResult, stream.EventError:
			terminal = ev
		}
	}
	if terminal.Type != stream.EventResult || !terminal.Success {
		t.Fatalf("terminal = %+v, want success", terminal)
	}
	if longest != 150000 {
		t.Errorf("longest line = %d bytes, want 150000", longest)
	}
}

func TestRunStreamingOutputDisablesBlockingDetection(t *testing.T) {
	r := newTestRunner()
	r.Timeout = 30 * time.Second
	r.BlockingThreshold = 200 * time.Millisecond

	ch := stream.NewChannel(64)
	// Produces output immediately, then runs past the blocking
	// threshold before finishing.
	go r.RunStreaming(context.Background(), "echo alive; sleep 1; echo done", ch)

	var terminal stream.Event
	for ev := range ch.Events() {
		if ev.Type == stream.EventResult || ev.Type == stream.EventError {
			terminal = ev
		}
	}
	if terminal.Type != stream.EventResult || !terminal.Success {
		t.Errorf("terminal = %+v, want success despite silent stretch", terminal)
	}
}
