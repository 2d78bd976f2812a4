// Package creds stores SSH passwords in the OS keyring (macOS Keychain,
// Linux Secret Service, Windows Credential Manager). Session-start
// requests that omit a password fall back to an entry stored here.
package creds

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

const service = "foothold"

// Store wraps the system keyring. A host without a usable keyring
// degrades to a disabled store whose lookups simply miss.
type Store struct {
	mu      sync.RWMutex
	enabled bool
}

// NewStore probes the keyring and returns a store, disabled when the
// probe fails.
func NewStore(logger *slog.Logger) *Store {
	const probe = "__foothold_probe__"
	if err := keyring.Set(service, probe, "ok"); err != nil {
		logger.Debug("os keyring unavailable, credential store disabled", "error", err)
		return &Store{}
	}
	_ = keyring.Delete(service, probe)
	return &Store{enabled: true}
}

// Enabled reports whether the keyring is usable.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func entryKey(user, host string) string {
	return fmt.Sprintf("ssh:%s@%s", user, host)
}

// Set stores a password for user@host. Values are base64 wrapped so
// arbitrary bytes survive keyring backends with string restrictions.
func (s *Store) Set(user, host, password string) error {
	if !s.Enabled() {
		return fmt.Errorf("keyring not available")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(password))
	if err := keyring.Set(service, entryKey(user, host), encoded); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Get retrieves the password for user@host. A missing entry returns an
// empty string and no error.
func (s *Store) Get(user, host string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	encoded, err := keyring.Get(service, entryKey(user, host))
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("read credential: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	return string(raw), nil
}

// Delete removes the entry for user@host. Deleting a missing entry is
// a no-op.
func (s *Store) Delete(user, host string) error {
	if !s.Enabled() {
		return nil
	}
	if err := keyring.Delete(service, entryKey(user, host)); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
