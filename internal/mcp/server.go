// Package mcp exposes the session manager as MCP tools over stdio, so
// AI agents can drive sessions through the same manager the HTTP API
// uses.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/session"
)

// Server wraps the MCP stdio server around a session manager.
type Server struct {
	mcpServer *server.MCPServer
	manager   *session.Manager
	cfg       *config.Config
	logger    *slog.Logger
}

// NewServer creates the MCP server and registers the tool surface.
func NewServer(cfg *config.Config, manager *session.Manager, logger *slog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"foothold",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		manager:   manager,
		cfg:       cfg,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until the peer disconnects.
func (s *Server) Run() error {
	s.logger.Info("starting MCP server on stdio transport")
	return server.ServeStdio(s.mcpServer)
}
