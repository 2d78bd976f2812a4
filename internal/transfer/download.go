package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// downloadEncodeCommands produce the remote file as one unbroken base64
// line; tried in order for targets without GNU coreutils.
func downloadEncodeCommands(path string) []string {
	q := quote(path)
	return []string{
		fmt.Sprintf("base64 -w 0 %s 2>/dev/null", q),
		fmt.Sprintf("base64 %s 2>/dev/null | tr -d '\\n'", q),
		fmt.Sprintf("openssl base64 -in %s 2>/dev/null | tr -d '\\n'", q),
	}
}

// Download reads remotePath over the command channel and verifies the
// received bytes against the checksum computed on the target before the
// content moved.
func (e *Engine) Download(ctx context.Context, remotePath string) ([]byte, *Record, error) {
	began := time.Now()

	// Checksum first: this both pins the expected digest and confirms
	// the file exists before pulling any data.
	remote, err := e.remoteChecksum(ctx, remotePath)
	if err != nil {
		return nil, nil, fmt.Errorf("download %s: %w", remotePath, err)
	}

	encoded, err := e.readEncoded(ctx, remotePath)
	if err != nil {
		return nil, nil, err
	}

	content, err := decodeFiltered(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("download %s: %v: %w", remotePath, err, ErrTransfer)
	}

	local := Checksum(content)
	rec := &Record{
		RemotePath:     remotePath,
		Size:           int64(len(content)),
		Method:         MethodDirect,
		Chunks:         1,
		LocalChecksum:  local,
		RemoteChecksum: remote,
		Verified:       local == remote,
		Duration:       time.Since(began),
	}
	if !rec.Verified {
		return nil, rec, fmt.Errorf("download %s: local %s remote %s: %w",
			remotePath, local, remote, ErrIntegrity)
	}

	e.logger.Info("download verified",
		"remote_path", remotePath, "size", rec.Size, "duration", rec.Duration)
	return content, rec, nil
}

func (e *Engine) readEncoded(ctx context.Context, remotePath string) (string, error) {
	for _, cmd := range downloadEncodeCommands(remotePath) {
		res, err := e.run(ctx, cmd)
		if err != nil || res.ExitCode != 0 {
			continue
		}
		if encoded := collectBase64(res.Output); encoded != "" {
			return encoded, nil
		}
	}
	return "", fmt.Errorf("read %s: no encoder produced output: %w", remotePath, ErrTransfer)
}

// collectBase64 keeps only the lines that are strictly base64, dropping
// any shell chatter interleaved with the payload.
func collectBase64(output string) string {
	var b strings.Builder
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strictBase64(trimmed) {
			continue
		}
		b.WriteString(trimmed)
	}
	return b.String()
}

func strictBase64(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}

// decodeFiltered decodes a base64 payload, repairing padding a tr or
// line filter may have stripped.
func decodeFiltered(encoded string) ([]byte, error) {
	if pad := len(encoded) % 4; pad != 0 {
		encoded += strings.Repeat("=", 4-pad)
	}
	return base64.StdEncoding.DecodeString(encoded)
}
