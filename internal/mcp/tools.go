package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/foothold-sh/foothold/internal/session"
	"github.com/foothold-sh/foothold/internal/transfer"
	"github.com/foothold-sh/foothold/internal/transport"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(sessionStartTool(), s.handleSessionStart)
	s.mcpServer.AddTool(sessionListTool(), s.handleSessionList)
	s.mcpServer.AddTool(sessionStatusTool(), s.handleSessionStatus)
	s.mcpServer.AddTool(sessionExecTool(), s.handleSessionExec)
	s.mcpServer.AddTool(sessionStopTool(), s.handleSessionStop)
	s.mcpServer.AddTool(listenerStartTool(), s.handleListenerStart)
	s.mcpServer.AddTool(listenerTriggerTool(), s.handleListenerTrigger)
	s.mcpServer.AddTool(fileUploadTool(), s.handleFileUpload)
	s.mcpServer.AddTool(fileDownloadTool(), s.handleFileDownload)
	s.mcpServer.AddTool(transferEstimateTool(), s.handleTransferEstimate)
}

// Tool definitions

func sessionStartTool() mcp.Tool {
	return mcp.NewTool("session_start",
		mcp.WithDescription("Open a persistent session: 'ssh' to a remote target or 'local' on this host"),
		mcp.WithString("kind",
			mcp.Description("Session kind: 'ssh' or 'local'"),
			mcp.DefaultString("ssh"),
		),
		mcp.WithString("host",
			mcp.Description("Target host (required for ssh)"),
		),
		mcp.WithNumber("port",
			mcp.Description("SSH port (default: 22)"),
		),
		mcp.WithString("user",
			mcp.Description("SSH username (required for ssh)"),
		),
		mcp.WithString("password",
			mcp.Description("SSH password; omitted passwords fall back to the OS keyring"),
		),
		mcp.WithString("key_path",
			mcp.Description("Path to an SSH private key file"),
		),
		mcp.WithString("session_id",
			mcp.Description("Explicit session id (default derived from target)"),
		),
	)
}

func sessionListTool() mcp.Tool {
	return mcp.NewTool("session_list",
		mcp.WithDescription("List all registered sessions in creation order"),
	)
}

func sessionStatusTool() mcp.Tool {
	return mcp.NewTool("session_status",
		mcp.WithDescription("Get one session's state and recent output transcript"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
	)
}

func sessionExecTool() mcp.Tool {
	return mcp.NewTool("session_exec",
		mcp.WithDescription("Execute a command on a session and wait for its framed completion"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute"),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Command timeout in milliseconds (default from config)"),
		),
	)
}

func sessionStopTool() mcp.Tool {
	return mcp.NewTool("session_stop",
		mcp.WithDescription("Stop and remove a session; stopping an unknown id succeeds"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
	)
}

func listenerStartTool() mcp.Tool {
	return mcp.NewTool("listener_start",
		mcp.WithDescription("Bind a TCP port and wait for a reverse shell callback"),
		mcp.WithNumber("port",
			mcp.Required(),
			mcp.Description("Port to listen on"),
		),
		mcp.WithString("addr",
			mcp.Description("Bind address (default 0.0.0.0)"),
		),
		mcp.WithString("session_id",
			mcp.Description("Explicit session id (default shell-<port>)"),
		),
	)
}

func listenerTriggerTool() mcp.Tool {
	return mcp.NewTool("listener_trigger",
		mcp.WithDescription("Dispatch the command expected to provoke the reverse shell callback; returns immediately"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The listener session id"),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The external command to run"),
		),
	)
}

func fileUploadTool() mcp.Tool {
	return mcp.NewTool("file_upload",
		mcp.WithDescription("Upload base64 content to a remote path with checksum verification"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithString("remote_path",
			mcp.Required(),
			mcp.Description("Destination path on the target"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("File content, base64 encoded"),
		),
	)
}

func fileDownloadTool() mcp.Tool {
	return mcp.NewTool("file_download",
		mcp.WithDescription("Download a remote file with checksum verification; content returned base64 encoded"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session id"),
		),
		mcp.WithString("remote_path",
			mcp.Required(),
			mcp.Description("Path on the target"),
		),
	)
}

func transferEstimateTool() mcp.Tool {
	return mcp.NewTool("transfer_estimate",
		mcp.WithDescription("Plan a transfer for a payload size: method, chunking, estimated time"),
		mcp.WithNumber("size",
			mcp.Required(),
			mcp.Description("Payload size in bytes"),
		),
	)
}

// Tool handlers

func (s *Server) handleSessionStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := mcp.ParseString(req, "kind", "ssh")

	switch kind {
	case "local":
		sess, err := s.manager.CreateLocal(ctx, "")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(sess.Summary())

	case "ssh":
		host := mcp.ParseString(req, "host", "")
		user := mcp.ParseString(req, "user", "")
		if host == "" || user == "" {
			return mcp.NewToolResultError("host and user are required for ssh sessions"), nil
		}
		sess, err := s.manager.CreateSSH(ctx, session.SSHRequest{
			ID:   mcp.ParseString(req, "session_id", ""),
			Host: host,
			Port: mcp.ParseInt(req, "port", 22),
			User: user,
			Auth: transport.AuthConfig{
				Password: mcp.ParseString(req, "password", ""),
				KeyPath:  mcp.ParseString(req, "key_path", ""),
			},
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(sess.Summary())

	default:
		return mcp.NewToolResultError("kind must be 'ssh' or 'local'"), nil
	}
}

func (s *Server) handleSessionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"sessions": s.manager.List()})
}

func (s *Server) handleSessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.manager.Get(mcp.ParseString(req, "session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session":    sess.Summary(),
		"transcript": sess.Transcript(),
	})
}

func (s *Server) handleSessionExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	command := mcp.ParseString(req, "command", "")
	if sessionID == "" || command == "" {
		return mcp.NewToolResultError("session_id and command are required"), nil
	}

	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	timeout := s.cfg.Timeouts.Command
	if ms := mcp.ParseInt(req, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("executing command", "session_id", sessionID, "command", command)

	res, err := sess.Execute(cctx, command)
	if err != nil && res == nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) handleSessionStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(req, "session_id", "")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	s.manager.Stop(id)
	return jsonResult(map[string]string{"status": "stopped", "session_id": id})
}

func (s *Server) handleListenerStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port := mcp.ParseInt(req, "port", 0)
	if port <= 0 {
		return mcp.NewToolResultError("port is required"), nil
	}
	sess, err := s.manager.CreateListener(ctx, session.ListenerRequest{
		ID:   mcp.ParseString(req, "session_id", ""),
		Addr: mcp.ParseString(req, "addr", ""),
		Port: port,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess.Summary())
}

func (s *Server) handleListenerTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.manager.Get(mcp.ParseString(req, "session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ln, ok := sess.Transport().(*transport.Listener)
	if !ok {
		return mcp.NewToolResultError("session is not a listener"), nil
	}
	command := mcp.ParseString(req, "command", "")
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	ln.Trigger(command)
	return jsonResult(map[string]string{"status": "dispatched"})
}

func (s *Server) handleFileUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.manager.Get(mcp.ParseString(req, "session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	remotePath := mcp.ParseString(req, "remote_path", "")
	if remotePath == "" {
		return mcp.NewToolResultError("remote_path is required"), nil
	}
	content, err := base64.StdEncoding.DecodeString(mcp.ParseString(req, "content", ""))
	if err != nil {
		return mcp.NewToolResultError("content must be base64: " + err.Error()), nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Transfer)
	defer cancel()

	engine := transfer.NewEngine(sess, s.cfg.Transfer, s.cfg.Timeouts.TransferChunk, s.logger)
	rec, err := engine.Upload(cctx, content, remotePath)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleFileDownload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.manager.Get(mcp.ParseString(req, "session_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	remotePath := mcp.ParseString(req, "remote_path", "")
	if remotePath == "" {
		return mcp.NewToolResultError("remote_path is required"), nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Transfer)
	defer cancel()

	engine := transfer.NewEngine(sess, s.cfg.Transfer, s.cfg.Timeouts.TransferChunk, s.logger)
	content, rec, err := engine.Download(cctx, remotePath)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"content": base64.StdEncoding.EncodeToString(content),
		"record":  rec,
	})
}

func (s *Server) handleTransferEstimate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	size := mcp.ParseInt(req, "size", -1)
	if size < 0 {
		return mcp.NewToolResultError("size must be non-negative"), nil
	}
	engine := transfer.NewEngine(nil, s.cfg.Transfer, s.cfg.Timeouts.TransferChunk, s.logger)
	return jsonResult(engine.Plan(int64(size)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
