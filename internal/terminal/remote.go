package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
)

// RemoteRuntime executes commands through the provider under the
// terminal's lease. It owns no local process; each Execute resolves a
// bound running instance first. One infra failure triggers a forced
// status refresh, a rebind if the instance died, and exactly one
// retry. A second failure propagates.
type RemoteRuntime struct {
	st      *store.Store
	machine *lease.Machine
	prov    provider.Provider

	mu       sync.Mutex
	term     store.Terminal
	hydrated bool
	closed   bool

	infraPredicate provider.InfraPredicate
}

// NewRemoteRuntime creates a remote-wrapped runtime for the terminal.
func NewRemoteRuntime(st *store.Store, machine *lease.Machine, prov provider.Provider, term store.Terminal) *RemoteRuntime {
	return &RemoteRuntime{
		st:             st,
		machine:        machine,
		prov:           prov,
		term:           term,
		infraPredicate: provider.DefaultInfraPredicate,
	}
}

// SetInfraPredicate overrides the infra-error classifier. The default
// matches a small substring allowlist; deployments can tighten or
// extend it.
func (r *RemoteRuntime) SetInfraPredicate(p provider.InfraPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infraPredicate = p
}

// TerminalID implements Runtime.
func (r *RemoteRuntime) TerminalID() string { return r.term.TerminalID }

// Execute implements Runtime.
func (r *RemoteRuntime) Execute(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return provider.ExecResult{}, fmt.Errorf("runtime is closed")
	}

	l, err := r.machine.EnsureActiveInstance(ctx, r.term.LeaseID)
	if err != nil {
		return provider.ExecResult{}, err
	}

	if !r.hydrated {
		if err := r.hydrate(ctx, l.CurrentInstanceID); err != nil {
			return provider.ExecResult{}, fmt.Errorf("hydrate remote terminal: %w", err)
		}
		r.hydrated = true
	}

	res, err := r.execOnce(ctx, l.CurrentInstanceID, command, timeout)
	if err != nil && r.isInfra(err) {
		res, err = r.retryAfterRefresh(ctx, command, timeout, err)
	}
	if err != nil {
		return res, err
	}
	if res.TimedOut {
		// The exec may still be running provider-side; force the next
		// call to re-check the binding.
		r.hydrated = false
		return res, nil
	}

	if strings.Contains(command, "cd") {
		r.probeCwd(ctx, l.CurrentInstanceID)
	}
	return res, nil
}

// Close implements Runtime. Remote runtimes hold no process; closing
// only prevents further use.
func (r *RemoteRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *RemoteRuntime) isInfra(err error) bool {
	if provider.IsInfra(err) {
		return true
	}
	return r.infraPredicate(err)
}

// retryAfterRefresh implements the infra retry policy: force-refresh
// the lease, rebind if detached, and retry the command exactly once.
func (r *RemoteRuntime) retryAfterRefresh(ctx context.Context, command string, timeout time.Duration, cause error) (provider.ExecResult, error) {
	slog.Warn("remote exec infra failure, refreshing lease",
		"terminal_id", r.term.TerminalID,
		"lease_id", r.term.LeaseID,
		"error", cause,
	)
	if _, err := r.machine.RefreshInstanceStatus(ctx, r.term.LeaseID, true); err != nil {
		return provider.ExecResult{}, cause
	}
	l, err := r.machine.EnsureActiveInstance(ctx, r.term.LeaseID)
	if err != nil {
		return provider.ExecResult{}, err
	}
	r.hydrated = false
	if err := r.hydrate(ctx, l.CurrentInstanceID); err != nil {
		return provider.ExecResult{}, fmt.Errorf("rehydrate remote terminal: %w", err)
	}
	r.hydrated = true
	return r.execOnce(ctx, l.CurrentInstanceID, command, timeout)
}

// execOnce prefixes the env delta exports and runs the command with
// the terminal's cwd. Remote execs are stateless, so the env delta is
// replayed on every call.
func (r *RemoteRuntime) execOnce(ctx context.Context, instanceID, command string, timeout time.Duration) (provider.ExecResult, error) {
	full := r.envPrefix() + command
	return r.prov.Execute(ctx, instanceID, full, timeout, r.term.Cwd)
}

// hydrate verifies the session accepts commands and that the persisted
// cwd still exists.
func (r *RemoteRuntime) hydrate(ctx context.Context, instanceID string) error {
	cmd := fmt.Sprintf("cd %s", shellQuote(r.term.Cwd))
	res, err := r.prov.Execute(ctx, instanceID, cmd, 30*time.Second, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("cwd %s unavailable: %s", r.term.Cwd, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (r *RemoteRuntime) envPrefix() string {
	if len(r.term.EnvDelta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.term.EnvDelta))
	for k := range r.term.EnvDelta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(r.term.EnvDelta[k]))
	}
	return b.String()
}

// probeCwd refreshes the persisted cwd after a command that may have
// changed directories.
func (r *RemoteRuntime) probeCwd(ctx context.Context, instanceID string) {
	res, err := r.prov.Execute(ctx, instanceID, "pwd", 10*time.Second, r.term.Cwd)
	if err != nil || res.ExitCode != 0 {
		return
	}
	cwd := strings.TrimSpace(res.Stdout)
	if cwd == "" || cwd == r.term.Cwd {
		return
	}
	newVersion, err := r.st.UpdateTerminalState(ctx, r.term.TerminalID, cwd, r.term.EnvDelta, r.term.StateVersion)
	if err != nil {
		slog.Warn("persist terminal cwd", "terminal_id", r.term.TerminalID, "error", err)
		return
	}
	r.term.Cwd = cwd
	r.term.StateVersion = newVersion
}
