// foothold-mcp exposes the foothold session manager as MCP tools over
// stdio, for AI agents that drive sessions directly instead of through
// the HTTP API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/foothold-sh/foothold/internal/adapters/realclock"
	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/creds"
	"github.com/foothold-sh/foothold/internal/logging"
	"github.com/foothold-sh/foothold/internal/mcp"
	"github.com/foothold-sh/foothold/internal/session"
)

var Version = "1.0.0"

func main() {
	var (
		configPath  string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if showVersion {
		fmt.Printf("foothold-mcp version %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol; logs stay on stderr.
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)

	clock := realclock.New()
	manager := session.NewManager(cfg, clock, logger)
	manager.SetCredentialStore(creds.NewStore(logger))

	server := mcp.NewServer(cfg, manager, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		manager.ShutdownAll()
		os.Exit(0)
	}()

	if err := server.Run(); err != nil {
		logger.Error("server error", "error", err)
		manager.ShutdownAll()
		os.Exit(1)
	}
	manager.ShutdownAll()
}
