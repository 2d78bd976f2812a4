package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/foothold-sh/foothold/internal/adapters/realclock"
	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/creds"
	"github.com/foothold-sh/foothold/internal/runner"
	"github.com/foothold-sh/foothold/internal/session"
	"github.com/foothold-sh/foothold/internal/testing/mockssh"
)

func apiLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testAPI struct {
	ts      *httptest.Server
	manager *session.Manager
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *testAPI {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timeouts.Command = 15 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	keyring.MockInit()
	clock := realclock.New()
	logger := apiLogger()
	manager := session.NewManager(cfg, clock, logger)
	store := creds.NewStore(logger)
	run := runner.New(clock, logger)
	run.Timeout = cfg.Timeouts.Command

	srv := New(cfg, manager, run, store, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		manager.ShutdownAll()
	})
	return &testAPI{ts: ts, manager: manager}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp, decoded
}

func startMockSSH(t *testing.T) *mockssh.Server {
	t.Helper()
	srv, err := mockssh.New()
	if err != nil {
		t.Fatalf("start mock ssh server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func startSSHSession(t *testing.T, a *testAPI, srv *mockssh.Server) string {
	t.Helper()
	resp, body := a.do(t, "POST", "/api/ssh/session/start", map[string]any{
		"host":              srv.Host(),
		"port":              srv.Port(),
		"user":              "test",
		"password":          "test",
		"insecure_host_key": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ssh start status = %d: %v", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, body := a.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["sessions"] != float64(0) {
		t.Errorf("sessions = %v, want 0", body["sessions"])
	}
}

func TestLocalCommand(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, body := a.do(t, "POST", "/api/command", map[string]any{
		"command": "echo local-api-test",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, body)
	}
	if !strings.Contains(body["stdout"].(string), "local-api-test") {
		t.Errorf("stdout = %v", body["stdout"])
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
}

func TestLocalCommandValidation(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, _ := a.do(t, "POST", "/api/command", map[string]any{"command": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty command status = %d, want 400", resp.StatusCode)
	}

	resp, _ = a.do(t, "POST", "/api/command", map[string]any{"command": "ls", "bogus": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}
}

func TestLocalCommandStreaming(t *testing.T) {
	a := newTestAPI(t, nil)

	raw, _ := json.Marshal(map[string]any{"command": "echo streamed-line"})
	resp, err := http.Post(a.ts.URL+"/api/command?stream=1", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, `"type":"output"`) || !strings.Contains(text, "streamed-line") {
		t.Errorf("stream missing output event: %s", text)
	}
	if !strings.Contains(text, `"type":"result"`) {
		t.Errorf("stream missing result event: %s", text)
	}
	if !strings.Contains(text, `"type":"complete"`) {
		t.Errorf("stream missing complete event: %s", text)
	}
}

func TestSessionNotFound(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, _ := a.do(t, "GET", "/api/sessions/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = a.do(t, "POST", "/api/sessions/ghost/command", map[string]any{"command": "ls"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("command status = %d, want 404", resp.StatusCode)
	}
}

func TestSSHSessionLifecycle(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := startMockSSH(t)
	id := startSSHSession(t, a, srv)

	if !strings.HasPrefix(id, "ssh-") {
		t.Errorf("id = %q, want ssh- prefix", id)
	}

	resp, body := a.do(t, "GET", "/api/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}

	resp, body = a.do(t, "POST", "/api/sessions/"+id+"/command", map[string]any{
		"command": "echo via-http-api",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("command status = %d: %v", resp.StatusCode, body)
	}
	if !strings.Contains(body["output"].(string), "via-http-api") {
		t.Errorf("output = %v", body["output"])
	}

	resp, body = a.do(t, "GET", "/api/sessions/"+id+"?transcript=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if _, ok := body["transcript"]; !ok {
		t.Error("transcript missing from response")
	}

	resp, _ = a.do(t, "POST", "/api/sessions/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	// Stopping again still succeeds.
	resp, _ = a.do(t, "POST", "/api/sessions/"+id+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second stop status = %d", resp.StatusCode)
	}

	resp, _ = a.do(t, "GET", "/api/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after stop status = %d, want 404", resp.StatusCode)
	}
}

func TestSSHStartAuthFailure(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := startMockSSH(t)

	resp, _ := a.do(t, "POST", "/api/ssh/session/start", map[string]any{
		"host":              srv.Host(),
		"port":              srv.Port(),
		"user":              "test",
		"password":          "wrong",
		"insecure_host_key": true,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSSHStartNetworkFailure(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config) {
		cfg.Timeouts.Connect = 2 * time.Second
	})

	resp, _ := a.do(t, "POST", "/api/ssh/session/start", map[string]any{
		"host":              "127.0.0.1",
		"port":              1,
		"user":              "test",
		"password":          "x",
		"insecure_host_key": true,
	})
	if resp.StatusCode != http.StatusBadGateway && resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 502 or 504", resp.StatusCode)
	}
}

func TestDuplicateSessionID(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := startMockSSH(t)

	start := func() int {
		resp, _ := a.do(t, "POST", "/api/ssh/session/start", map[string]any{
			"session_id":        "pinned",
			"host":              srv.Host(),
			"port":              srv.Port(),
			"user":              "test",
			"password":          "test",
			"insecure_host_key": true,
		})
		return resp.StatusCode
	}

	if code := start(); code != http.StatusOK {
		t.Fatalf("first start status = %d", code)
	}
	if code := start(); code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", code)
	}
}

func TestCapacityLimit(t *testing.T) {
	a := newTestAPI(t, func(cfg *config.Config) {
		cfg.Limits.MaxSessions = 1
	})
	srv := startMockSSH(t)
	startSSHSession(t, a, srv)

	resp, _ := a.do(t, "POST", "/api/ssh/session/start", map[string]any{
		"session_id":        "overflow",
		"host":              srv.Host(),
		"port":              srv.Port(),
		"user":              "test",
		"password":          "test",
		"insecure_host_key": true,
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestListenerSessionAndTrigger(t *testing.T) {
	a := newTestAPI(t, nil)
	port := freePort(t)

	resp, body := a.do(t, "POST", "/api/listener/start", map[string]any{
		"addr": "127.0.0.1",
		"port": port,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("listener start status = %d: %v", resp.StatusCode, body)
	}
	id := body["id"].(string)
	if id != fmt.Sprintf("shell-%d", port) {
		t.Errorf("id = %q", id)
	}
	if body["connected"] != false {
		t.Error("listener reports connected before callback")
	}

	// No shell has called back yet.
	resp, _ = a.do(t, "POST", "/api/sessions/"+id+"/command", map[string]any{"command": "id"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("command before callback status = %d, want 502", resp.StatusCode)
	}

	resp, body = a.do(t, "GET", "/api/sessions/"+id+"/trigger", nil)
	if resp.StatusCode != http.StatusOK || body["triggered"] != false {
		t.Errorf("trigger status before dispatch = %d %v", resp.StatusCode, body)
	}

	resp, _ = a.do(t, "POST", "/api/sessions/"+id+"/trigger", map[string]any{"command": "true"})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("trigger status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, body = a.do(t, "GET", "/api/sessions/"+id+"/trigger", nil)
		if body["triggered"] == true {
			outcome := body["outcome"].(map[string]any)
			if outcome["done"] == true {
				if outcome["exit_code"] != float64(0) {
					t.Errorf("trigger exit_code = %v", outcome["exit_code"])
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("trigger outcome never completed")
}

func TestTriggerOnNonListener(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := startMockSSH(t)
	id := startSSHSession(t, a, srv)

	resp, _ := a.do(t, "POST", "/api/sessions/"+id+"/trigger", map[string]any{"command": "true"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := startMockSSH(t)
	id := startSSHSession(t, a, srv)

	remote := filepath.Join(t.TempDir(), "uploaded.bin")
	content := []byte("transfer round trip payload\n")

	resp, body := a.do(t, "POST", "/api/sessions/"+id+"/upload", map[string]any{
		"remote_path": remote,
		"content":     base64.StdEncoding.EncodeToString(content),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d: %v", resp.StatusCode, body)
	}
	if body["verified"] != true {
		t.Errorf("verified = %v", body["verified"])
	}
	if body["method"] != "direct" {
		t.Errorf("method = %v, want direct", body["method"])
	}

	// The mock server drives a real local shell, so the file landed on
	// this host.
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("uploaded content = %q, want %q", got, content)
	}

	resp, body = a.do(t, "POST", "/api/sessions/"+id+"/download", map[string]any{
		"remote_path": remote,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d: %v", resp.StatusCode, body)
	}
	decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("downloaded content = %q, want %q", decoded, content)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := startMockSSH(t)
	id := startSSHSession(t, a, srv)

	resp, _ := a.do(t, "POST", "/api/sessions/"+id+"/download", map[string]any{
		"remote_path": "/no/such/file.bin",
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestTransferEstimate(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, body := a.do(t, "POST", "/api/transfer/estimate", map[string]any{
		"size": 512,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	plan := body["plan"].(map[string]any)
	if plan["method"] != "direct" {
		t.Errorf("method = %v, want direct", plan["method"])
	}

	resp, _ = a.do(t, "POST", "/api/transfer/estimate", map[string]any{"size": -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative size status = %d, want 400", resp.StatusCode)
	}
}

func TestCredentialEndpoints(t *testing.T) {
	a := newTestAPI(t, nil)

	resp, _ := a.do(t, "POST", "/api/credentials", map[string]any{
		"user": "root", "host": "web01", "password": "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}

	resp, _ = a.do(t, "POST", "/api/credentials", map[string]any{"user": "root"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("incomplete set status = %d, want 400", resp.StatusCode)
	}

	resp, _ = a.do(t, "DELETE", "/api/credentials", map[string]any{
		"user": "root", "host": "web01",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestCredentialsUnavailable(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := apiLogger()
	manager := session.NewManager(cfg, realclock.New(), logger)
	srv := New(cfg, manager, runner.New(realclock.New(), logger), nil, logger)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	raw, _ := json.Marshal(map[string]any{"user": "a", "host": "b", "password": "c"})
	resp, err := http.Post(ts.URL+"/api/credentials", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
