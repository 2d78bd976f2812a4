package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foothold-sh/foothold/internal/session"
	"github.com/foothold-sh/foothold/internal/stream"
	"github.com/foothold-sh/foothold/internal/transfer"
	"github.com/foothold-sh/foothold/internal/transport"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
	})
}

type commandRequest struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// handleLocalCommand runs a command on the server host. With ?stream=1
// the response is an SSE stream of typed events; otherwise the
// aggregate result is returned once the command finishes.
func (s *Server) handleLocalCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		s.badRequest(w, "command is required")
		return
	}

	if r.URL.Query().Get("stream") == "1" {
		ch := stream.NewChannel(256)
		go s.runner.RunStreaming(r.Context(), req.Command, ch)
		s.streamSSE(w, r, ch)
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	res, err := s.runner.Run(ctx, req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type sshStartRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	User          string `json:"user"`
	Password      string `json:"password,omitempty"`
	KeyPath       string `json:"key_path,omitempty"`
	KeyPassphrase string `json:"key_passphrase,omitempty"`
	UseAgent      bool   `json:"use_agent,omitempty"`
	InsecureHost  bool   `json:"insecure_host_key,omitempty"`
}

func (s *Server) handleSSHStart(w http.ResponseWriter, r *http.Request) {
	var req sshStartRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Host == "" || req.User == "" {
		s.badRequest(w, "host and user are required")
		return
	}

	sess, err := s.manager.CreateSSH(r.Context(), session.SSHRequest{
		ID:   req.SessionID,
		Host: req.Host,
		Port: req.Port,
		User: req.User,
		Auth: transport.AuthConfig{
			Password:      req.Password,
			KeyPath:       req.KeyPath,
			KeyPassphrase: req.KeyPassphrase,
			UseAgent:      req.UseAgent,
		},
		InsecureHostKey: req.InsecureHost,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Summary())
}

type listenerStartRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Addr      string `json:"addr,omitempty"`
	Port      int    `json:"port"`
}

func (s *Server) handleListenerStart(w http.ResponseWriter, r *http.Request) {
	var req listenerStartRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Port <= 0 {
		s.badRequest(w, "port is required")
		return
	}

	sess, err := s.manager.CreateListener(r.Context(), session.ListenerRequest{
		ID:   req.SessionID,
		Addr: req.Addr,
		Port: req.Port,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Summary())
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.manager.List(),
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{"session": sess.Summary()}
	if r.URL.Query().Get("transcript") == "1" {
		resp["transcript"] = sess.Transcript()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSessionCommand executes on a registered session. With ?stream=1
// the framed execution is narrated over SSE; heartbeats cover the wait.
func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		s.badRequest(w, "command is required")
		return
	}

	timeout := s.cfg.Timeouts.Command
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	if r.URL.Query().Get("stream") == "1" {
		ch := stream.NewChannel(256)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		go sess.ExecuteStreaming(ctx, req.Command, ch)
		s.streamSSE(w, r, ch)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := sess.Execute(ctx, req.Command)
	if err != nil && res == nil {
		s.writeError(w, err)
		return
	}
	// A timed-out command still reports its partial output.
	s.writeJSON(w, http.StatusOK, res)
}

// handleSessionStop always succeeds: stopping an unknown or already
// stopped session is a no-op.
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.manager.Stop(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "session_id": id})
}

type triggerRequest struct {
	Command string `json:"command"`
}

// handleTrigger dispatches the external command that provokes the
// reverse-shell callback and acknowledges immediately.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ln, ok := sess.Transport().(*transport.Listener)
	if !ok {
		s.badRequest(w, "session is not a listener")
		return
	}

	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Command == "" {
		s.badRequest(w, "command is required")
		return
	}

	ln.Trigger(req.Command)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (s *Server) handleTriggerStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ln, ok := sess.Transport().(*transport.Listener)
	if !ok {
		s.badRequest(w, "session is not a listener")
		return
	}

	outcome, ok := ln.LastTrigger()
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"triggered": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"triggered": true,
		"outcome":   outcome,
		"connected": ln.Connected(),
	})
}

type uploadRequest struct {
	RemotePath string `json:"remote_path"`
	Content    string `json:"content"` // base64
	UseSFTP    bool   `json:"use_sftp,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req uploadRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.RemotePath == "" {
		s.badRequest(w, "remote_path is required")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		s.badRequest(w, "content must be base64: "+err.Error())
		return
	}

	engine := s.engineFor(sess)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Transfer)
	defer cancel()

	var rec *transfer.Record
	if req.UseSFTP {
		sp, ok := sess.Transport().(transfer.SFTPProvider)
		if !ok {
			s.badRequest(w, "session transport does not support sftp")
			return
		}
		rec, err = engine.UploadSFTP(ctx, sp, content, req.RemotePath)
	} else {
		rec, err = engine.Upload(ctx, content, req.RemotePath)
	}
	if err != nil {
		// An integrity failure still carries the record with both sums.
		if rec != nil {
			s.writeJSON(w, statusFor(err), map[string]any{
				"error":  err.Error(),
				"record": rec,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type downloadRequest struct {
	RemotePath string `json:"remote_path"`
	UseSFTP    bool   `json:"use_sftp,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req downloadRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.RemotePath == "" {
		s.badRequest(w, "remote_path is required")
		return
	}

	engine := s.engineFor(sess)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Transfer)
	defer cancel()

	var (
		content []byte
		rec     *transfer.Record
	)
	if req.UseSFTP {
		sp, ok := sess.Transport().(transfer.SFTPProvider)
		if !ok {
			s.badRequest(w, "session transport does not support sftp")
			return
		}
		content, rec, err = engine.DownloadSFTP(ctx, sp, req.RemotePath)
	} else {
		content, rec, err = engine.Download(ctx, req.RemotePath)
	}
	if err != nil {
		if rec != nil {
			s.writeJSON(w, statusFor(err), map[string]any{
				"error":  err.Error(),
				"record": rec,
			})
			return
		}
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"content": base64.StdEncoding.EncodeToString(content),
		"record":  rec,
	})
}

type estimateRequest struct {
	Size int64 `json:"size"`
}

// handleTransferEstimate is a pure planning endpoint: no session needed.
func (s *Server) handleTransferEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Size < 0 {
		s.badRequest(w, "size must be non-negative")
		return
	}

	engine := transfer.NewEngine(nil, s.cfg.Transfer, s.cfg.Timeouts.TransferChunk, s.logger)
	plan := engine.Plan(req.Size)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"plan":              plan,
		"estimated_seconds": plan.Estimated.Seconds(),
		"size_mb":           fmt.Sprintf("%.2f", float64(req.Size)/(1<<20)),
	})
}

func (s *Server) engineFor(sess *session.Session) *transfer.Engine {
	return transfer.NewEngine(sess, s.cfg.Transfer, s.cfg.Timeouts.TransferChunk, s.logger)
}

type credentialRequest struct {
	User     string `json:"user"`
	Host     string `json:"host"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleCredentialSet(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil || !s.creds.Enabled() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "keyring not available"})
		return
	}
	var req credentialRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.User == "" || req.Host == "" || req.Password == "" {
		s.badRequest(w, "user, host and password are required")
		return
	}
	if err := s.creds.Set(req.User, req.Host, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil || !s.creds.Enabled() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "keyring not available"})
		return
	}
	var req credentialRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.User == "" || req.Host == "" {
		s.badRequest(w, "user and host are required")
		return
	}
	if err := s.creds.Delete(req.User, req.Host); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
