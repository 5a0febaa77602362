// Package sandbox is the top-level orchestrator. It hands out
// capability handles for command execution and file access, owns the
// create-or-reuse path across terminal, lease, and session, and runs
// the idle reaper.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/session"
	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/terminal"
)

// Manager orchestrates threads, terminals, leases, and sessions. Safe
// under concurrent calls; each thread's compound operations run under
// a process-local per-thread lock.
type Manager struct {
	st              *store.Store
	machine         *lease.Machine
	registry        *provider.Registry
	sessions        *session.Manager
	defaultProvider string
	policy          session.Policy

	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
}

// NewManager creates the orchestrator.
func NewManager(st *store.Store, machine *lease.Machine, registry *provider.Registry, sessions *session.Manager, defaultProvider string, policy session.Policy) *Manager {
	return &Manager{
		st:              st,
		machine:         machine,
		registry:        registry,
		sessions:        sessions,
		defaultProvider: defaultProvider,
		policy:          policy,
		threadLocks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) threadLock(threadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.threadLocks[threadID]
	if !ok {
		mu = &sync.Mutex{}
		m.threadLocks[threadID] = mu
	}
	return mu
}

// GetSandbox resolves the thread's live session, creating terminal,
// lease, and session as needed. A paused session is auto-resumed
// before the handle is returned.
func (m *Manager) GetSandbox(ctx context.Context, threadID string) (*Handle, error) {
	mu := m.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()
	return m.getSandboxLocked(ctx, threadID)
}

func (m *Manager) getSandboxLocked(ctx context.Context, threadID string) (*Handle, error) {
	sess, err := m.sessions.Get(ctx, threadID)
	switch {
	case err == nil:
		if sess.Status == store.SessionPaused {
			if sess, err = m.resumeLocked(ctx, sess); err != nil {
				return nil, err
			}
		}
		if err := m.sessions.Touch(ctx, sess); err != nil {
			return nil, err
		}
		return m.handleFor(ctx, threadID, sess)

	case errors.Is(err, store.ErrNotFound):
		// Fall through to reuse-or-create.

	default:
		return nil, err
	}

	term, err := m.st.GetDefaultTerminal(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		term, err = m.provisionLocked(ctx, threadID)
	}
	if err != nil {
		return nil, err
	}

	l, err := m.ensureRunning(ctx, term.LeaseID)
	if err != nil {
		return nil, err
	}
	sess, err = m.sessions.Create(ctx, threadID, term, l, m.policy)
	if err != nil {
		return nil, err
	}
	return m.handleFor(ctx, threadID, sess)
}

// provisionLocked creates lease, instance, and default terminal from
// scratch.
func (m *Manager) provisionLocked(ctx context.Context, threadID string) (store.Terminal, error) {
	l, err := m.machine.Create(ctx, m.defaultProvider)
	if err != nil {
		return store.Terminal{}, err
	}
	l, err = m.machine.EnsureActiveInstance(ctx, l.LeaseID)
	if err != nil {
		return store.Terminal{}, err
	}
	cwd, err := m.initialCwd(ctx, l)
	if err != nil {
		return store.Terminal{}, err
	}
	term, err := terminal.CreateDefault(ctx, m.st, threadID, l.LeaseID, cwd)
	if err != nil {
		return store.Terminal{}, err
	}
	slog.Info("thread provisioned",
		"thread_id", threadID,
		"lease_id", l.LeaseID,
		"terminal_id", term.TerminalID,
		"cwd", cwd,
	)
	return term, nil
}

// initialCwd probes the fresh instance's working directory.
func (m *Manager) initialCwd(ctx context.Context, l store.Lease) (string, error) {
	prov, err := m.registry.Get(l.ProviderName)
	if err != nil {
		return "", err
	}
	res, err := prov.Execute(ctx, l.CurrentInstanceID, "pwd", 10*time.Second, "")
	if err != nil || res.ExitCode != 0 {
		return "/", nil
	}
	cwd := strings.TrimSpace(res.Stdout)
	if cwd == "" {
		return "/", nil
	}
	return cwd, nil
}

// ensureRunning wraps EnsureActiveInstance with an auto-resume for
// leases that were left paused with no live session attached.
func (m *Manager) ensureRunning(ctx context.Context, leaseID string) (store.Lease, error) {
	l, err := m.machine.EnsureActiveInstance(ctx, leaseID)
	if errors.Is(err, lease.ErrLeasePaused) {
		if _, rerr := m.machine.Apply(ctx, leaseID, lease.Event{Type: lease.IntentResume, Source: "manager"}); rerr != nil {
			return store.Lease{}, rerr
		}
		return m.machine.EnsureActiveInstance(ctx, leaseID)
	}
	return l, err
}

// resumeLocked resumes the lease then the session.
func (m *Manager) resumeLocked(ctx context.Context, sess store.Session) (store.Session, error) {
	if _, err := m.machine.Apply(ctx, sess.LeaseID, lease.Event{Type: lease.IntentResume, Source: "manager"}); err != nil {
		return store.Session{}, err
	}
	if err := m.sessions.Resume(ctx, sess); err != nil {
		return store.Session{}, err
	}
	return m.st.GetSession(ctx, sess.ChatSessionID)
}

func (m *Manager) handleFor(ctx context.Context, threadID string, sess store.Session) (*Handle, error) {
	rt, err := m.sessions.Runtime(ctx, sess)
	if err != nil {
		return nil, err
	}
	term, err := m.st.GetTerminal(ctx, sess.TerminalID)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s references missing terminal %s",
			lease.ErrSchemaInconsistency, sess.ChatSessionID, sess.TerminalID)
	}
	return &Handle{
		m:        m,
		threadID: threadID,
		sess:     sess,
		term:     term,
		rt:       rt,
	}, nil
}

// PauseSession pauses the thread's lease and session. The lease is
// first ensured bound and running so a stale detached binding is never
// paused.
func (m *Manager) PauseSession(ctx context.Context, threadID string) error {
	mu := m.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.sessions.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	if sess.Status == store.SessionPaused {
		return nil
	}
	// Check the session edge before the lease is touched so an
	// illegal pause leaves both untouched.
	if !store.SessionTransitionLegal(sess.Status, store.SessionPaused) {
		return &store.IllegalSessionTransitionError{
			SessionID: sess.ChatSessionID, From: sess.Status, To: store.SessionPaused,
		}
	}
	if _, err := m.machine.EnsureActiveInstance(ctx, sess.LeaseID); err != nil {
		return err
	}
	if _, err := m.machine.Apply(ctx, sess.LeaseID, lease.Event{Type: lease.IntentPause, Source: "api"}); err != nil {
		return err
	}
	return m.sessions.Pause(ctx, sess)
}

// ResumeSession resumes the thread's lease and session.
func (m *Manager) ResumeSession(ctx context.Context, threadID string) error {
	mu := m.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.sessions.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	if sess.Status != store.SessionPaused {
		return nil
	}
	_, err = m.resumeLocked(ctx, sess)
	return err
}

// DestroySession destroys the thread's compute and detaches its
// terminals and leases. When sessionID is given its thread binding is
// verified first; a mismatch is a hard error, never a silent destroy.
func (m *Manager) DestroySession(ctx context.Context, threadID, sessionID string) error {
	mu := m.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	if sessionID != "" {
		sess, err := m.st.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.ThreadID != threadID {
			return fmt.Errorf("session %s belongs to thread %s, not %s",
				sessionID, sess.ThreadID, threadID)
		}
	}
	return m.destroyThreadResourcesLocked(ctx, threadID)
}

// DestroyThreadResources closes the thread's sessions, destroys each
// referenced lease's instance, deletes its terminal rows, and deletes
// leases no longer referenced by any terminal.
func (m *Manager) DestroyThreadResources(ctx context.Context, threadID string) error {
	mu := m.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()
	return m.destroyThreadResourcesLocked(ctx, threadID)
}

func (m *Manager) destroyThreadResourcesLocked(ctx context.Context, threadID string) error {
	if sess, err := m.sessions.Get(ctx, threadID); err == nil {
		if err := m.sessions.Delete(ctx, sess, "destroyed"); err != nil {
			return err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	terms, err := m.st.ListTerminalsByThread(ctx, threadID)
	if err != nil {
		return err
	}
	leaseIDs := make(map[string]struct{})
	for _, t := range terms {
		leaseIDs[t.LeaseID] = struct{}{}
	}

	for leaseID := range leaseIDs {
		if _, err := m.machine.Apply(ctx, leaseID, lease.Event{Type: lease.IntentDestroy, Source: "manager"}); err != nil {
			slog.Warn("destroy lease instance", "lease_id", leaseID, "error", err)
		}
	}
	if err := m.st.DeleteTerminalsByThread(ctx, threadID); err != nil {
		return err
	}
	for leaseID := range leaseIDs {
		n, err := m.st.CountTerminalsByLease(ctx, leaseID)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := m.machine.Delete(ctx, leaseID); err != nil {
				return err
			}
		}
	}
	slog.Info("thread resources destroyed", "thread_id", threadID, "leases", len(leaseIDs))
	return nil
}

// SessionRow is one entry of ListSessions.
type SessionRow struct {
	Provider   string `json:"provider"`
	LeaseID    string `json:"lease_id,omitempty"`
	InstanceID string `json:"instance_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	Observed   string `json:"observed"`
	Source     string `json:"source"`
}

// deadStatuses excludes leases from the session listing.
var deadStatuses = map[string]bool{
	"detached": true,
	"stopped":  true,
	"deleted":  true,
	"dead":     true,
}

// ListSessions joins leases-by-provider with thread bindings, one row
// per (lease, thread). Provider sessions not matching any lease are
// appended as orphans.
func (m *Manager) ListSessions(ctx context.Context) ([]SessionRow, error) {
	var out []SessionRow
	for _, name := range m.registry.Names() {
		prov, err := m.registry.Get(name)
		if err != nil {
			return nil, err
		}
		leases, err := m.st.ListLeasesByProvider(ctx, name)
		if err != nil {
			return nil, err
		}
		known := make(map[string]bool)
		for _, l := range leases {
			if l.CurrentInstanceID != "" {
				known[l.CurrentInstanceID] = true
			}
			refreshed, err := m.machine.RefreshInstanceStatus(ctx, l.LeaseID, false)
			if err != nil {
				if lease.IsNotFound(err) {
					continue
				}
				refreshed = l
			}
			if deadStatuses[refreshed.ObservedState] || refreshed.Status != "active" {
				continue
			}
			threads, err := m.st.ListThreadsByLease(ctx, l.LeaseID)
			if err != nil {
				return nil, err
			}
			for _, threadID := range threads {
				out = append(out, SessionRow{
					Provider:   name,
					LeaseID:    l.LeaseID,
					InstanceID: refreshed.CurrentInstanceID,
					ThreadID:   threadID,
					Observed:   refreshed.ObservedState,
					Source:     "lease",
				})
			}
		}

		lister, ok := prov.(provider.SessionLister)
		if !ok {
			continue
		}
		provSessions, err := lister.ListProviderSessions(ctx)
		if err != nil {
			slog.Warn("list provider sessions", "provider", name, "error", err)
			continue
		}
		for _, ps := range provSessions {
			if known[ps.SessionID] {
				continue
			}
			out = append(out, SessionRow{
				Provider:   name,
				InstanceID: ps.SessionID,
				Observed:   provider.NormalizeStatus(ps.Status),
				Source:     "provider_orphan",
			})
		}
	}
	return out, nil
}

// EnforceIdleTimeouts is one reaper tick. A session past its policy is
// closed only when its terminal and lease are not busy and no other
// live session shares the lease. Pausable non-local leases are paused
// first; a pause failure leaves the session for the next tick.
func (m *Manager) EnforceIdleTimeouts(ctx context.Context) error {
	live, err := m.st.ListLiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range live {
		if sess.Status == store.SessionPaused {
			continue
		}
		if !m.sessions.Expired(sess) {
			continue
		}
		if err := m.reapSession(ctx, sess); err != nil {
			slog.Warn("reap session", "session_id", sess.ChatSessionID, "error", err)
		}
	}
	return nil
}

func (m *Manager) reapSession(ctx context.Context, sess store.Session) error {
	mu := m.threadLock(sess.ThreadID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; the session may have been touched or
	// closed since the scan.
	sess, err := m.st.GetSession(ctx, sess.ChatSessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionClosed || sess.Status == store.SessionFailed ||
		sess.Status == store.SessionPaused || !m.sessions.Expired(sess) {
		return nil
	}

	busy, err := m.st.TerminalBusy(ctx, sess.TerminalID)
	if err != nil {
		return err
	}
	if busy {
		slog.Debug("reaper skip, terminal busy", "session_id", sess.ChatSessionID)
		return nil
	}
	busy, err = m.st.LeaseBusy(ctx, sess.LeaseID)
	if err != nil {
		return err
	}
	if busy {
		slog.Debug("reaper skip, lease busy", "session_id", sess.ChatSessionID)
		return nil
	}
	shared, err := m.st.CountLiveSessionsByLease(ctx, sess.LeaseID, sess.ChatSessionID)
	if err != nil {
		return err
	}
	if shared > 0 {
		slog.Debug("reaper skip, lease shared", "session_id", sess.ChatSessionID)
		return nil
	}

	l, err := m.machine.Get(ctx, sess.LeaseID)
	if err != nil {
		return err
	}
	prov, err := m.registry.Get(l.ProviderName)
	if err != nil {
		return err
	}
	cap := prov.Capability()
	if cap.CanPause && !cap.Local {
		if _, err := m.machine.EnsureActiveInstance(ctx, sess.LeaseID); err != nil && !errors.Is(err, lease.ErrLeasePaused) {
			return err
		}
		if _, err := m.machine.Apply(ctx, sess.LeaseID, lease.Event{Type: lease.IntentPause, Source: "reaper"}); err != nil {
			// Session stays live; retried next tick.
			return fmt.Errorf("pause lease: %w", err)
		}
	}

	if err := m.sessions.Delete(ctx, sess, "idle_timeout"); err != nil {
		return err
	}
	metrics.ReaperClosesTotal.Inc()
	slog.Info("session reaped",
		"session_id", sess.ChatSessionID,
		"thread_id", sess.ThreadID,
		"lease_id", sess.LeaseID,
	)
	return nil
}

// StatusSnapshot summarizes the thread's current session and lease
// state, emitted as the status event after tool results.
func (m *Manager) StatusSnapshot(ctx context.Context, threadID string) map[string]any {
	out := map[string]any{"thread_id": threadID}
	sess, err := m.st.GetLiveSessionByThread(ctx, threadID)
	if err != nil {
		return out
	}
	out["session_id"] = sess.ChatSessionID
	out["session_status"] = sess.Status
	l, err := m.machine.Get(ctx, sess.LeaseID)
	if err != nil {
		return out
	}
	out["lease_id"] = l.LeaseID
	out["observed_state"] = l.ObservedState
	out["desired_state"] = l.DesiredState
	return out
}

// RunReaper ticks EnforceIdleTimeouts until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.EnforceIdleTimeouts(ctx); err != nil {
				slog.Warn("idle reaper tick", "error", err)
			}
		}
	}
}
