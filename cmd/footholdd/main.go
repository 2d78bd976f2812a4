// footholdd is the remote-operations session server: it manages SSH,
// reverse-shell, and local sessions behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foothold-sh/foothold/internal/adapters/realclock"
	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/creds"
	"github.com/foothold-sh/foothold/internal/httpapi"
	"github.com/foothold-sh/foothold/internal/logging"
	"github.com/foothold-sh/foothold/internal/runner"
	"github.com/foothold-sh/foothold/internal/session"
)

// Version information - set at build time.
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		listenAddr  string
		showVersion bool
		debug       bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if showVersion {
		fmt.Printf("footholdd version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)
	logger.Info("starting footholdd",
		"version", Version,
		"listen_addr", cfg.Server.ListenAddr)

	clock := realclock.New()
	store := creds.NewStore(logger)

	manager := session.NewManager(cfg, clock, logger)
	manager.SetCredentialStore(store)
	manager.StartReaper()

	run := runner.New(clock, logger)
	run.Timeout = cfg.Timeouts.Command

	api := httpapi.New(cfg, manager, run, store, logger)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.Router(),
	}

	// Config hot reload applies to the manager; the HTTP listener and
	// logging keep their boot settings.
	var watcher *config.Watcher
	if configPath != "" {
		watcher = config.NewWatcher(configPath, logger, func(newCfg *config.Config) {
			if listenAddr != "" {
				newCfg.Server.ListenAddr = listenAddr
			}
			if debug {
				newCfg.Logging.Level = "debug"
			}
			manager.UpdateConfig(newCfg)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
			watcher = nil
		} else {
			logger.Info("config hot-reload enabled", "path", configPath)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	if watcher != nil {
		watcher.Stop()
	}
	manager.StopReaper()
	manager.ShutdownAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("footholdd stopped")
}
