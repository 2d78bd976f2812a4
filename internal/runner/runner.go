// Package runner executes commands on the server host itself, with an
// aggregate mode and a streaming mode that publishes typed events line
// by line as the command runs.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/foothold-sh/foothold/internal/ports"
	"github.com/foothold-sh/foothold/internal/stream"
)

// Result is the aggregate outcome of one local command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// maxLineBytes caps a single streamed output line. Lines past the
// default 64 KiB scanner limit show up in practice (base64 dumps,
// minified files), so the cap is generous.
const maxLineBytes = 4 << 20

// Runner runs commands through the local shell.
type Runner struct {
	clock  ports.Clock
	logger *slog.Logger

	// Timeout bounds each command. Zero means 60s.
	Timeout time.Duration
	// HeartbeatInterval paces liveness events during silent stretches
	// of a streaming command.
	HeartbeatInterval time.Duration
	// BlockingThreshold is how long a streaming command may run without
	// producing any output at all before it is treated as blocked on
	// input and terminated.
	BlockingThreshold time.Duration
}

// New creates a runner with default pacing.
func New(clock ports.Clock, logger *slog.Logger) *Runner {
	return &Runner{
		clock:             clock,
		logger:            logger,
		Timeout:           60 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		BlockingThreshold: 15 * time.Second,
	}
}

// Run executes a command and waits for it, collecting both output
// streams. A timeout escalates SIGTERM to SIGKILL and reports TimedOut
// on the result rather than an error.
func (r *Runner) Run(ctx context.Context, command string) (*Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	// Own process group, so the kill reaches the whole pipeline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	began := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case <-ctx.Done():
		timedOut = true
		r.terminate(cmd, done)
	case err := <-done:
		_ = err // exit status is read from ProcessState below
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(began),
		TimedOut: timedOut,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}
	res.Success = !timedOut && res.ExitCode == 0
	return res, nil
}

// terminate asks nicely, waits briefly, then kills the process group.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(2 * time.Second):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-done
}

// RunStreaming executes a command and publishes its lifecycle on ch:
// output events per line as they arrive, heartbeats through silent
// stretches, then exactly one result or error event and a completion.
// A command that never produces output within the blocking threshold is
// assumed to be waiting for input and is terminated with an error event.
func (r *Runner) RunStreaming(ctx context.Context, command string, ch *stream.Channel) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		ch.CloseWithError(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		ch.CloseWithError(fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		ch.CloseWithError(fmt.Sprintf("start command: %v", err))
		return
	}

	hb := stream.NewHeartbeater(ch, r.clock, r.HeartbeatInterval)
	hb.Start()
	defer hb.Stop()

	var sawOutput sync.Once
	produced := make(chan struct{})

	var wg sync.WaitGroup
	scan := func(src stream.Source, pipe io.Reader) {
		defer wg.Done()
		sc := bufio.NewScanner(pipe)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			sawOutput.Do(func() { close(produced) })
			hb.Touch()
			ch.Output(src, sc.Text())
		}
		if err := sc.Err(); err != nil {
			r.logger.Warn("output scan aborted", "source", src, "error", err)
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, pipe)
		}
	}
	wg.Add(2)
	go scan(stream.SourceStdout, stdoutPipe)
	go scan(stream.SourceStderr, stderrPipe)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	blockTimer := time.NewTimer(r.BlockingThreshold)
	defer blockTimer.Stop()

	for {
		select {
		case <-produced:
			// Output arrived; blocking detection no longer applies.
			produced = nil
			blockTimer.Stop()

		case <-blockTimer.C:
			if produced == nil {
				// Output already seen; a tick buffered before Stop.
				continue
			}
			select {
			case <-produced:
				produced = nil
				continue
			default:
			}
			r.logger.Warn("streaming command produced no output, terminating",
				"command", command, "threshold", r.BlockingThreshold)
			r.terminate(cmd, done)
			ch.CloseWithError("command produced no output and appears to be waiting for input")
			return

		case <-ctx.Done():
			r.terminate(cmd, done)
			ch.CloseWithError("command timed out")
			return

		case <-done:
			code := -1
			if cmd.ProcessState != nil {
				code = cmd.ProcessState.ExitCode()
			}
			ch.CloseWithResult(code == 0, code)
			return
		}
	}
}
