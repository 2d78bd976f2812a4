package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foothold-sh/foothold/internal/config"
	"github.com/foothold-sh/foothold/internal/creds"
	"github.com/foothold-sh/foothold/internal/ports"
	"github.com/foothold-sh/foothold/internal/transport"
)

// Manager is the concurrent session registry. The RWMutex guards the
// registry structure only; session-internal state has its own locks, so
// one slow session never blocks operations on the rest.
type Manager struct {
	cfg    *config.Config
	clock  ports.Clock
	logger *slog.Logger
	creds  *creds.Store // optional keyring fallback for SSH passwords

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	localSeq int

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager creates an empty registry.
func NewManager(cfg *config.Config, clock ports.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetCredentialStore wires an optional keyring store consulted when an
// SSH request arrives without a password or key.
func (m *Manager) SetCredentialStore(store *creds.Store) {
	m.creds = store
}

// UpdateConfig applies a reloaded configuration. Limits and timeouts
// take effect for subsequent operations; already-open sessions keep the
// settings they were created with.
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Info("session manager config updated",
		"max_sessions", cfg.Limits.MaxSessions,
		"idle_timeout", cfg.Limits.IdleTimeout)
}

// conf snapshots the config pointer so readers do not race a reload.
func (m *Manager) conf() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SSHRequest describes a new SSH session.
type SSHRequest struct {
	ID   string // optional explicit id; default ssh-<host>-<port>
	Host string
	Port int
	User string
	Auth transport.AuthConfig

	KnownHostsPath  string
	InsecureHostKey bool
}

// ListenerRequest describes a new reverse-shell listener session.
type ListenerRequest struct {
	ID   string // optional explicit id; default shell-<port>
	Addr string
	Port int
}

// CreateSSH registers and connects an SSH session. The registry slot is
// reserved before dialing so duplicate and capacity checks are atomic,
// and released again if the connect fails.
func (m *Manager) CreateSSH(ctx context.Context, req SSHRequest) (*Session, error) {
	if req.Port == 0 {
		req.Port = 22
	}
	id := req.ID
	if id == "" {
		id = fmt.Sprintf("ssh-%s-%d", req.Host, req.Port)
	}

	if req.Auth.Password == "" && req.Auth.KeyPath == "" && m.creds != nil {
		if pw, err := m.creds.Get(req.User, req.Host); err == nil && pw != "" {
			req.Auth.Password = pw
		}
	}

	tr, err := transport.NewSSH(transport.SSHConfig{
		Host:            req.Host,
		Port:            req.Port,
		User:            req.User,
		Auth:            req.Auth,
		KnownHostsPath:  req.KnownHostsPath,
		InsecureHostKey: req.InsecureHostKey,
		ConnectTimeout:  m.conf().Timeouts.Connect,
	}, m.clock, m.logger)
	if err != nil {
		return nil, err
	}

	meta := Meta{Target: req.Host, Port: req.Port, User: req.User}
	sess, err := m.register(id, tr, meta)
	if err != nil {
		return nil, err
	}

	if err := tr.Connect(ctx); err != nil {
		m.unregister(id)
		tr.Close()
		return nil, err
	}
	return sess, nil
}

// CreateListener registers a listener session and binds its port. The
// session is registered in the listening state; Connected flips when a
// reverse shell calls back.
func (m *Manager) CreateListener(ctx context.Context, req ListenerRequest) (*Session, error) {
	id := req.ID
	if id == "" {
		id = fmt.Sprintf("shell-%d", req.Port)
	}

	tr, err := transport.NewListener(transport.ListenerConfig{
		Addr:          req.Addr,
		Port:          req.Port,
		AcceptTimeout: m.conf().Timeouts.ListenerAccept,
		JoinTimeout:   m.conf().Timeouts.Join,
	}, m.clock, m.logger)
	if err != nil {
		return nil, err
	}

	meta := Meta{Port: req.Port, ListenerAddr: req.Addr}
	sess, err := m.register(id, tr, meta)
	if err != nil {
		return nil, err
	}

	if err := tr.Connect(ctx); err != nil {
		m.unregister(id)
		tr.Close()
		return nil, err
	}
	return sess, nil
}

// CreateLocal registers a PTY-backed shell session on this host.
func (m *Manager) CreateLocal(ctx context.Context, shell string) (*Session, error) {
	m.mu.Lock()
	m.localSeq++
	id := fmt.Sprintf("local-%d", m.localSeq)
	m.mu.Unlock()

	tr := transport.NewLocal(shell)
	sess, err := m.register(id, tr, Meta{Shell: shell})
	if err != nil {
		return nil, err
	}

	if err := tr.Connect(ctx); err != nil {
		m.unregister(id)
		tr.Close()
		return nil, err
	}
	return sess, nil
}

func (m *Manager) register(id string, tr transport.Transport, meta Meta) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrExists)
	}
	if len(m.sessions) >= m.cfg.Limits.MaxSessions {
		return nil, fmt.Errorf("limit %d: %w", m.cfg.Limits.MaxSessions, ErrCapacity)
	}

	sess := newSession(id, tr, meta, m.cfg.Limits.TranscriptLines, m.clock, m.logger)
	m.sessions[id] = sess
	m.order = append(m.order, id)
	return sess, nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return sess, nil
}

// List returns summaries in creation order.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	ordered := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		ordered = append(ordered, m.sessions[id])
	}
	m.mu.RUnlock()

	// Summaries query transport state, so build them outside the
	// registry lock.
	out := make([]Summary, len(ordered))
	for i, sess := range ordered {
		out[i] = sess.Summary()
	}
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop removes and closes a session. Stopping an unknown id is a
// success; both sides of a stop race observe the session gone.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	sess := m.sessions[id]
	m.removeLocked(id)
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
		m.logger.Info("session stopped", "session_id", id)
	}
}

// ShutdownAll stops every session. It never fails; individual close
// errors are logged and skipped so one stuck session cannot block the
// rest of shutdown.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		all = append(all, m.sessions[id])
	}
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
	if len(all) > 0 {
		m.logger.Info("all sessions stopped", "count", len(all))
	}
}

// StartReaper launches the idle sweep when the config enables it: any
// session idle past the idle timeout is stopped. No-op when disabled.
func (m *Manager) StartReaper() {
	if m.conf().Limits.IdleTimeout <= 0 || m.reaperStop != nil {
		return
	}
	m.reaperStop = make(chan struct{})
	m.reaperDone = make(chan struct{})
	go m.reap(m.reaperStop, m.reaperDone)
}

// StopReaper halts the idle sweep and waits for it to exit.
func (m *Manager) StopReaper() {
	if m.reaperStop == nil {
		return
	}
	close(m.reaperStop)
	<-m.reaperDone
	m.reaperStop = nil
	m.reaperDone = nil
}

func (m *Manager) reap(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := m.conf().Limits.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.RLock()
	timeout := m.cfg.Limits.IdleTimeout
	var idle []string
	for id, sess := range m.sessions {
		if m.clock.Since(sess.LastActivity()) > timeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("stopping idle session", "session_id", id, "idle_timeout", timeout)
		m.Stop(id)
	}
}
