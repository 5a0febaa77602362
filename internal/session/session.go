// Package session manages chat sessions: the policy window that binds
// a thread to its terminal, lease, and live runtime. At most one live
// session exists per thread, enforced by a partial unique index.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandmux/sandmux/internal/id"
	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/terminal"
)

// Policy carries the TTLs stamped onto a new session.
type Policy struct {
	IdleTTL     time.Duration
	MaxDuration time.Duration
}

// Manager owns session rows and the in-memory live runtimes map. The
// runtimes map is not independently synchronized: callers hold their
// per-thread lock across any Manager call that touches it.
type Manager struct {
	st        *store.Store
	machine   *lease.Machine
	registry  *provider.Registry
	shellPath string

	runtimes map[string]terminal.Runtime // session_id -> runtime
}

// NewManager creates a session manager.
func NewManager(st *store.Store, machine *lease.Machine, registry *provider.Registry, shellPath string) *Manager {
	return &Manager{
		st:        st,
		machine:   machine,
		registry:  registry,
		shellPath: shellPath,
		runtimes:  make(map[string]terminal.Runtime),
	}
}

// Get returns the thread's single live session, or store.ErrNotFound.
// A session past either TTL is closed with reason idle_timeout and
// reported as not found.
func (m *Manager) Get(ctx context.Context, threadID string) (store.Session, error) {
	sess, err := m.st.GetLiveSessionByThread(ctx, threadID)
	if err != nil {
		return store.Session{}, err
	}
	if m.Expired(sess) {
		if err := m.close(ctx, sess, "idle_timeout"); err != nil {
			return store.Session{}, fmt.Errorf("close expired session: %w", err)
		}
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// Create supersedes any live session for the thread and inserts a new
// active one, then builds the runtime matching the provider's declared
// runtime kind.
func (m *Manager) Create(ctx context.Context, threadID string, term store.Terminal, l store.Lease, pol Policy) (store.Session, error) {
	prov, err := m.registry.Get(l.ProviderName)
	if err != nil {
		return store.Session{}, err
	}

	sess := store.Session{
		ChatSessionID:  id.NewSession(),
		ThreadID:       threadID,
		TerminalID:     term.TerminalID,
		LeaseID:        l.LeaseID,
		RuntimeID:      string(prov.Capability().RuntimeKind),
		Status:         store.SessionActive,
		IdleTTLSec:     int64(pol.IdleTTL / time.Second),
		MaxDurationSec: int64(pol.MaxDuration / time.Second),
	}
	if err := m.st.CreateSessionSuperseding(ctx, sess); err != nil {
		return store.Session{}, err
	}

	rt, err := terminal.BuildRuntime(m.st, m.machine, prov, term, m.shellPath)
	if err != nil {
		return store.Session{}, err
	}
	m.runtimes[sess.ChatSessionID] = rt
	metrics.ActiveSessions.Inc()

	slog.Info("chat session created",
		"session_id", sess.ChatSessionID,
		"thread_id", threadID,
		"terminal_id", term.TerminalID,
		"lease_id", l.LeaseID,
		"runtime", sess.RuntimeID,
	)
	return m.st.GetSession(ctx, sess.ChatSessionID)
}

// Runtime returns the live runtime for a session, rebuilding it after
// a process restart.
func (m *Manager) Runtime(ctx context.Context, sess store.Session) (terminal.Runtime, error) {
	if rt, ok := m.runtimes[sess.ChatSessionID]; ok {
		return rt, nil
	}
	term, err := m.st.GetTerminal(ctx, sess.TerminalID)
	if err != nil {
		return nil, fmt.Errorf("rebuild runtime: %w", err)
	}
	l, err := m.machine.Get(ctx, sess.LeaseID)
	if err != nil {
		return nil, fmt.Errorf("rebuild runtime: %w", err)
	}
	prov, err := m.registry.Get(l.ProviderName)
	if err != nil {
		return nil, err
	}
	rt, err := terminal.BuildRuntime(m.st, m.machine, prov, term, m.shellPath)
	if err != nil {
		return nil, err
	}
	m.runtimes[sess.ChatSessionID] = rt
	return rt, nil
}

// Touch refreshes last_active_at and flips idle back to active.
// Paused sessions are left alone.
func (m *Manager) Touch(ctx context.Context, sess store.Session) error {
	if sess.Status == store.SessionPaused {
		return nil
	}
	if sess.Status == store.SessionIdle {
		if err := m.st.UpdateSessionStatus(ctx, sess.ChatSessionID, store.SessionActive); err != nil {
			return err
		}
	}
	return m.st.TouchSession(ctx, sess.ChatSessionID)
}

// Pause persists status=paused. Lease transitions stay with the
// caller. Only active sessions pause; anything else is an
// IllegalSessionTransitionError from the store.
func (m *Manager) Pause(ctx context.Context, sess store.Session) error {
	return m.st.UpdateSessionStatus(ctx, sess.ChatSessionID, store.SessionPaused)
}

// Resume persists status=active and refreshes last_active_at so the
// reaper does not immediately re-pause.
func (m *Manager) Resume(ctx context.Context, sess store.Session) error {
	if err := m.st.UpdateSessionStatus(ctx, sess.ChatSessionID, store.SessionActive); err != nil {
		return err
	}
	return m.st.TouchSession(ctx, sess.ChatSessionID)
}

// Delete closes the runtime and the session row with the given reason.
func (m *Manager) Delete(ctx context.Context, sess store.Session, reason string) error {
	return m.close(ctx, sess, reason)
}

// CleanupExpired closes every live session past its idle or max
// duration TTL. Returns the sessions that were closed.
func (m *Manager) CleanupExpired(ctx context.Context) ([]store.Session, error) {
	live, err := m.st.ListLiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	var closed []store.Session
	for _, sess := range live {
		if sess.Status == store.SessionPaused {
			continue
		}
		if !m.Expired(sess) {
			continue
		}
		if err := m.close(ctx, sess, "idle_timeout"); err != nil {
			slog.Warn("close expired session", "session_id", sess.ChatSessionID, "error", err)
			continue
		}
		closed = append(closed, sess)
	}
	return closed, nil
}

// Expired reports whether a session is past its idle TTL or its max
// duration.
func (m *Manager) Expired(sess store.Session) bool {
	now := time.Now()
	if sess.IdleTTLSec > 0 && now.Sub(sess.LastActiveAt) > time.Duration(sess.IdleTTLSec)*time.Second {
		return true
	}
	if sess.MaxDurationSec > 0 && now.Sub(sess.StartedAt) > time.Duration(sess.MaxDurationSec)*time.Second {
		return true
	}
	return false
}

func (m *Manager) close(ctx context.Context, sess store.Session, reason string) error {
	if rt, ok := m.runtimes[sess.ChatSessionID]; ok {
		if err := rt.Close(); err != nil {
			slog.Warn("close runtime", "session_id", sess.ChatSessionID, "error", err)
		}
		delete(m.runtimes, sess.ChatSessionID)
	}
	if err := m.st.CloseSession(ctx, sess.ChatSessionID, reason); err != nil {
		return err
	}
	metrics.ActiveSessions.Dec()
	slog.Info("chat session closed",
		"session_id", sess.ChatSessionID,
		"thread_id", sess.ThreadID,
		"reason", reason,
	)
	return nil
}

// CloseRuntimes tears down every live runtime, used on shutdown.
func (m *Manager) CloseRuntimes() {
	for sid, rt := range m.runtimes {
		if err := rt.Close(); err != nil {
			slog.Warn("close runtime", "session_id", sid, "error", err)
		}
		delete(m.runtimes, sid)
	}
}
