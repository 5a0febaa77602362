package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandmux/sandmux/internal/id"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/terminal"
)

// Handle is the capability surface handed to callers: command
// execution and file access scoped to one thread's session. Handles
// are cheap and short-lived; fetch a fresh one per request via
// GetSandbox.
type Handle struct {
	m        *Manager
	threadID string
	sess     store.Session
	term     store.Terminal
	rt       terminal.Runtime
}

// ThreadID returns the owning thread.
func (h *Handle) ThreadID() string { return h.threadID }

// SessionID returns the backing chat session.
func (h *Handle) SessionID() string { return h.sess.ChatSessionID }

// Execute runs a command on the thread's terminal. The command is
// logged in the command journal so the reaper's busy predicates see
// in-flight work.
func (h *Handle) Execute(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	cmdID := id.New("cmd")
	if err := h.m.st.StartCommand(ctx, cmdID, h.term.TerminalID, h.threadID, h.sess.LeaseID, command); err != nil {
		return provider.ExecResult{}, err
	}

	res, err := h.rt.Execute(ctx, command, timeout)

	exitCode := res.ExitCode
	if err != nil {
		exitCode = -1
	}
	if ferr := h.m.st.FinishCommand(ctx, cmdID, exitCode); ferr != nil {
		slog.Warn("finish command", "command_id", cmdID, "error", ferr)
	}
	if err != nil {
		return res, err
	}
	if terr := h.m.sessions.Touch(ctx, h.sess); terr != nil {
		slog.Warn("touch session", "session_id", h.sess.ChatSessionID, "error", terr)
	}
	return res, nil
}

// ReadFile reads a file from the thread's sandbox.
func (h *Handle) ReadFile(ctx context.Context, path string) (string, error) {
	l, prov, err := h.bind(ctx)
	if err != nil {
		return "", err
	}
	content, err := prov.ReadFile(ctx, l.CurrentInstanceID, path)
	if err != nil {
		return "", err
	}
	return content, h.m.sessions.Touch(ctx, h.sess)
}

// WriteFile writes a file into the thread's sandbox.
func (h *Handle) WriteFile(ctx context.Context, path, content string) error {
	l, prov, err := h.bind(ctx)
	if err != nil {
		return err
	}
	if err := prov.WriteFile(ctx, l.CurrentInstanceID, path, content); err != nil {
		return err
	}
	return h.m.sessions.Touch(ctx, h.sess)
}

// ListDir lists a directory in the thread's sandbox.
func (h *Handle) ListDir(ctx context.Context, path string) ([]provider.FileInfo, error) {
	l, prov, err := h.bind(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := prov.ListDir(ctx, l.CurrentInstanceID, path)
	if err != nil {
		return nil, err
	}
	return entries, h.m.sessions.Touch(ctx, h.sess)
}

// Touch refreshes the session's last-active time.
func (h *Handle) Touch(ctx context.Context) error {
	return h.m.sessions.Touch(ctx, h.sess)
}

// bind resolves a running instance and its provider for file ops.
func (h *Handle) bind(ctx context.Context) (store.Lease, provider.Provider, error) {
	l, err := h.m.machine.EnsureActiveInstance(ctx, h.sess.LeaseID)
	if err != nil {
		return store.Lease{}, nil, err
	}
	prov, err := h.m.registry.Get(l.ProviderName)
	if err != nil {
		return store.Lease{}, nil, err
	}
	return l, prov, nil
}
