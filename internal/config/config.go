// Package config handles configuration parsing for footholdd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/foothold/config.yaml or ~/.config/foothold/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "foothold", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Limits   LimitsConfig   `yaml:"limits"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Transfer TransferConfig `yaml:"transfer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LimitsConfig bounds resource usage across sessions.
type LimitsConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`     // 0 disables the idle reaper
	TranscriptLines int           `yaml:"transcript_lines"` // per-session retained output lines
}

// TimeoutsConfig holds the per-operation-class timeouts. Their natural
// scales differ by orders of magnitude, so each is tunable on its own.
type TimeoutsConfig struct {
	Connect        time.Duration `yaml:"connect"`         // SSH dial + handshake
	Command        time.Duration `yaml:"command"`         // default per-command wait
	TransferChunk  time.Duration `yaml:"transfer_chunk"`  // per-chunk write/read
	Transfer       time.Duration `yaml:"transfer"`        // whole-transfer backstop
	ListenerAccept time.Duration `yaml:"listener_accept"` // waiting for a callback
	Join           time.Duration `yaml:"join"`            // background goroutine join on stop
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	DirectThreshold int64 `yaml:"direct_threshold"` // bytes; at or above, transfers are chunked
	ChunkSize       int   `yaml:"chunk_size"`       // bytes per chunk (pre-encoding)
	LargeThreshold  int64 `yaml:"large_threshold"`  // bytes; at or above, the large chunk size applies
	LargeChunkSize  int   `yaml:"large_chunk_size"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // redact credentials from logs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:5000",
		},
		Limits: LimitsConfig{
			MaxSessions:     16,
			TranscriptLines: 1000,
		},
		Timeouts: TimeoutsConfig{
			Connect:        10 * time.Second,
			Command:        60 * time.Second,
			TransferChunk:  30 * time.Second,
			Transfer:       10 * time.Minute,
			ListenerAccept: 5 * time.Minute,
			Join:           3 * time.Second,
		},
		Transfer: TransferConfig{
			DirectThreshold: 1 << 20,  // 1 MiB
			ChunkSize:       32 << 10, // 32 KiB
			LargeThreshold:  50 << 20, // 50 MiB
			LargeChunkSize:  128 << 10,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration and fills gaps with defaults.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:5000"
	}
	if c.Limits.MaxSessions <= 0 {
		c.Limits.MaxSessions = 16
	}
	if c.Limits.TranscriptLines <= 0 {
		c.Limits.TranscriptLines = 1000
	}

	def := DefaultConfig()
	if c.Timeouts.Connect <= 0 {
		c.Timeouts.Connect = def.Timeouts.Connect
	}
	if c.Timeouts.Command <= 0 {
		c.Timeouts.Command = def.Timeouts.Command
	}
	if c.Timeouts.TransferChunk <= 0 {
		c.Timeouts.TransferChunk = def.Timeouts.TransferChunk
	}
	if c.Timeouts.Transfer <= 0 {
		c.Timeouts.Transfer = def.Timeouts.Transfer
	}
	if c.Timeouts.ListenerAccept <= 0 {
		c.Timeouts.ListenerAccept = def.Timeouts.ListenerAccept
	}
	if c.Timeouts.Join <= 0 {
		c.Timeouts.Join = def.Timeouts.Join
	}

	if c.Transfer.DirectThreshold <= 0 {
		c.Transfer.DirectThreshold = def.Transfer.DirectThreshold
	}
	if c.Transfer.ChunkSize <= 0 {
		c.Transfer.ChunkSize = def.Transfer.ChunkSize
	}
	if c.Transfer.LargeThreshold <= c.Transfer.DirectThreshold {
		c.Transfer.LargeThreshold = def.Transfer.LargeThreshold
	}
	if c.Transfer.LargeChunkSize <= 0 {
		c.Transfer.LargeChunkSize = def.Transfer.LargeChunkSize
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	return nil
}
