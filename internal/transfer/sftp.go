package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/sftp"
)

// SFTPProvider is satisfied by executors whose transport can open an
// SFTP subsystem on the existing connection. SSH transports provide it;
// reverse shells and local shells do not.
type SFTPProvider interface {
	SFTPClient() (*sftp.Client, error)
}

// UploadSFTP streams content through SFTP instead of shell encoding.
// Verification still goes through the command channel, so SFTP uploads
// carry the same bit-identical guarantee as encoded ones.
func (e *Engine) UploadSFTP(ctx context.Context, sp SFTPProvider, content []byte, remotePath string) (*Record, error) {
	began := time.Now()
	local := Checksum(content)

	client, err := sp.SFTPClient()
	if err != nil {
		return nil, fmt.Errorf("sftp upload %s: %v: %w", remotePath, err, ErrTransfer)
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sftp create %s: %v: %w", remotePath, err, ErrTransfer)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		e.cleanup(ctx, remotePath)
		return nil, fmt.Errorf("sftp write %s: %v: %w", remotePath, err, ErrTransfer)
	}
	if err := f.Close(); err != nil {
		e.cleanup(ctx, remotePath)
		return nil, fmt.Errorf("sftp close %s: %v: %w", remotePath, err, ErrTransfer)
	}

	remote, err := e.remoteChecksum(ctx, remotePath)
	if err != nil {
		e.cleanup(ctx, remotePath)
		return nil, err
	}

	rec := &Record{
		RemotePath:     remotePath,
		Size:           int64(len(content)),
		Method:         MethodSFTP,
		Chunks:         1,
		LocalChecksum:  local,
		RemoteChecksum: remote,
		Verified:       remote == local,
		Duration:       time.Since(began),
	}
	if !rec.Verified {
		e.cleanup(ctx, remotePath)
		return rec, fmt.Errorf("sftp upload %s: local %s remote %s: %w",
			remotePath, local, remote, ErrIntegrity)
	}
	return rec, nil
}

// DownloadSFTP streams remotePath through SFTP, verifying against the
// checksum computed on the target.
func (e *Engine) DownloadSFTP(ctx context.Context, sp SFTPProvider, remotePath string) ([]byte, *Record, error) {
	began := time.Now()

	remote, err := e.remoteChecksum(ctx, remotePath)
	if err != nil {
		return nil, nil, fmt.Errorf("sftp download %s: %w", remotePath, err)
	}

	client, err := sp.SFTPClient()
	if err != nil {
		return nil, nil, fmt.Errorf("sftp download %s: %v: %w", remotePath, err, ErrTransfer)
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, nil, fmt.Errorf("sftp open %s: %v: %w", remotePath, err, ErrTransfer)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("sftp read %s: %v: %w", remotePath, err, ErrTransfer)
	}

	local := Checksum(content)
	rec := &Record{
		RemotePath:     remotePath,
		Size:           int64(len(content)),
		Method:         MethodSFTP,
		Chunks:         1,
		LocalChecksum:  local,
		RemoteChecksum: remote,
		Verified:       local == remote,
		Duration:       time.Since(began),
	}
	if !rec.Verified {
		return nil, rec, fmt.Errorf("sftp download %s: local %s remote %s: %w",
			remotePath, local, remote, ErrIntegrity)
	}
	return content, rec, nil
}
