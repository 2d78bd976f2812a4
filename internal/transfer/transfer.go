// Package transfer moves file content to and from targets over the
// session's command channel, encoding bytes as base64 shell commands
// and verifying every transfer end to end with SHA-256 checksums.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/transport"
)

// Sentinel errors.
var (
	// ErrIntegrity means the transfer moved bytes but the checksums do
	// not match; partial content is cleaned up best effort.
	ErrIntegrity = errors.New("transfer integrity check failed")
	// ErrTransfer means the transfer could not be carried out at all.
	ErrTransfer = errors.New("transfer failed")
)

// Method is how content moves over the channel.
type Method string

const (
	// MethodDirect sends the whole payload in one command.
	MethodDirect Method = "direct"
	// MethodChunked appends the payload in pieces, then decodes once.
	MethodChunked Method = "chunked"
	// MethodSFTP streams through the SFTP subsystem (SSH sessions only).
	MethodSFTP Method = "sftp"
)

// Tier classifies payload size for chunk sizing and rate estimation.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Plan is the strategy chosen for one transfer. The decision is pure
// and made exactly once, before any bytes move.
type Plan struct {
	Method    Method        `json:"method"`
	Tier      Tier          `json:"tier"`
	ChunkSize int           `json:"chunk_size"`
	Chunks    int           `json:"chunks"`
	Estimated time.Duration `json:"estimated"`
}

// Record summarizes a completed transfer.
type Record struct {
	RemotePath     string        `json:"remote_path"`
	Size           int64         `json:"size"`
	Method         Method        `json:"method"`
	Chunks         int           `json:"chunks"`
	LocalChecksum  string        `json:"local_checksum"`
	RemoteChecksum string        `json:"remote_checksum"`
	Verified       bool          `json:"verified"`
	Duration       time.Duration `json:"duration"`
}

// Executor is the session primitive the engine drives. Both transports
// and sessions satisfy it.
type Executor interface {
	Execute(ctx context.Context, command string) (*transport.Result, error)
}

// Engine performs verified transfers over one executor.
type Engine struct {
	exec   Executor
	logger *slog.Logger

	directThreshold int64
	largeThreshold  int64
	chunkSize       int
	largeChunkSize  int
	chunkTimeout    time.Duration
}

// NewEngine builds an engine with the configured thresholds.
func NewEngine(exec Executor, cfg config.TransferConfig, chunkTimeout time.Duration, logger *slog.Logger) *Engine {
	if cfg.DirectThreshold <= 0 {
		cfg.DirectThreshold = 1 << 20
	}
	if cfg.LargeThreshold <= cfg.DirectThreshold {
		cfg.LargeThreshold = 50 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 << 10
	}
	if cfg.LargeChunkSize <= 0 {
		cfg.LargeChunkSize = 128 << 10
	}
	if chunkTimeout <= 0 {
		chunkTimeout = 30 * time.Second
	}
	return &Engine{
		exec:            exec,
		logger:          logger,
		directThreshold: cfg.DirectThreshold,
		largeThreshold:  cfg.LargeThreshold,
		chunkSize:       cfg.ChunkSize,
		largeChunkSize:  cfg.LargeChunkSize,
		chunkTimeout:    chunkTimeout,
	}
}

// Plan selects method, tier, and chunking for a payload of the given
// size. Sizes below the direct threshold go in one command; everything
// else is chunked, with bigger chunks past the large threshold.
func (e *Engine) Plan(size int64) Plan {
	p := Plan{Estimated: EstimateTransferTime(size, e.directThreshold, e.largeThreshold)}

	switch {
	case size < e.directThreshold:
		p.Method = MethodDirect
		p.Tier = TierSmall
		p.ChunkSize = int(size)
		p.Chunks = 1
	case size < e.largeThreshold:
		p.Method = MethodChunked
		p.Tier = TierMedium
		p.ChunkSize = e.chunkSize
	default:
		p.Method = MethodChunked
		p.Tier = TierLarge
		p.ChunkSize = e.largeChunkSize
	}

	if p.Method == MethodChunked {
		encoded := base64.StdEncoding.EncodedLen(int(size))
		p.Chunks = (encoded + p.ChunkSize - 1) / p.ChunkSize
		if p.Chunks < 1 {
			p.Chunks = 1
		}
	}
	return p
}

// EstimateTransferTime predicts wall time for a payload using
// conservative per-tier rates plus a fixed verification overhead.
func EstimateTransferTime(size, directThreshold, largeThreshold int64) time.Duration {
	var rate int64
	switch {
	case size < directThreshold:
		rate = 512 << 10
	case size < largeThreshold:
		rate = 1 << 20
	default:
		rate = 2 << 20
	}
	base := time.Duration(float64(size) / float64(rate) * float64(time.Second))
	return base + 500*time.Millisecond
}

// Checksum returns the SHA-256 of data in hex.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// quote wraps a remote path in single quotes, escaping embedded ones.
func quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// remoteChecksumCommands are tried in order: coreutils first, then
// perl's shasum, then openssl for minimal targets.
func remoteChecksumCommands(path string) []string {
	q := quote(path)
	return []string{
		fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1", q),
		fmt.Sprintf("shasum -a 256 %s 2>/dev/null | cut -d' ' -f1", q),
		fmt.Sprintf("openssl dgst -sha256 %s 2>/dev/null | awk '{print $NF}'", q),
	}
}

// remoteChecksum runs the fallback chain and returns the first output
// that parses as a SHA-256 digest.
func (e *Engine) remoteChecksum(ctx context.Context, path string) (string, error) {
	for _, cmd := range remoteChecksumCommands(path) {
		res, err := e.run(ctx, cmd)
		if err != nil {
			continue
		}
		if sum, ok := extractChecksum(res.Output); ok {
			return sum, nil
		}
	}
	return "", fmt.Errorf("no usable checksum tool on target for %s: %w", path, ErrTransfer)
}

// extractChecksum scans command output for a 64-char hex digest,
// skipping shell noise around it.
func extractChecksum(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		candidate := strings.ToLower(strings.TrimSpace(line))
		if len(candidate) != 64 {
			continue
		}
		if _, err := hex.DecodeString(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// run executes one engine command with the per-chunk timeout applied.
func (e *Engine) run(ctx context.Context, command string) (*transport.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, e.chunkTimeout)
	defer cancel()
	return e.exec.Execute(cctx, command)
}

// cleanup best-effort removes the remote artifacts of a failed
// transfer.
func (e *Engine) cleanup(ctx context.Context, paths ...string) {
	for _, path := range paths {
		if _, err := e.run(ctx, fmt.Sprintf("rm -f %s", quote(path))); err != nil {
			e.logger.Debug("transfer cleanup failed", "path", path, "error", err)
		}
	}
}
