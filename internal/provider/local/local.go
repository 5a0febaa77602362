// Package local implements the provider contract on the host machine.
// Each session is a working directory under the data dir; commands run
// as child processes of the engine. Pause is meaningless for local
// compute, so the capability record declares it unsupported and the
// idle reaper skips local leases.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sandmux/sandmux/internal/id"
	"github.com/sandmux/sandmux/internal/provider"
)

// Provider runs sessions as directories + subprocesses on the host.
type Provider struct {
	baseDir   string
	shellPath string
}

// New creates a local provider rooted at baseDir.
func New(baseDir, shellPath string) *Provider {
	if shellPath == "" {
		shellPath = "/bin/sh"
	}
	return &Provider{baseDir: baseDir, shellPath: shellPath}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "local" }

// Capability implements provider.Provider.
func (p *Provider) Capability() provider.Capability {
	return provider.Capability{
		CanPause:             false,
		CanResume:            false,
		CanDestroy:           true,
		SupportsWebhook:      false,
		SupportsStatusProbe:  true,
		EagerInstanceBinding: false,
		InspectVisible:       true,
		RuntimeKind:          provider.RuntimeLocalShell,
		Local:                true,
	}
}

// ShellPath returns the shell local runtimes should spawn.
func (p *Provider) ShellPath() string { return p.shellPath }

// CreateSession makes a fresh working directory for the session.
func (p *Provider) CreateSession(ctx context.Context) (string, string, error) {
	instanceID := id.New("lsbx")
	dir := filepath.Join(p.baseDir, instanceID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", provider.Infra(p.Name(), "create_session", err)
	}
	slog.Info("local sandbox created", "instance_id", instanceID, "dir", dir)
	return instanceID, dir, nil
}

// DestroySession removes the session directory.
func (p *Provider) DestroySession(ctx context.Context, instanceID string) error {
	dir, err := p.sessionDir(instanceID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return provider.Infra(p.Name(), "destroy_session", err)
	}
	slog.Info("local sandbox destroyed", "instance_id", instanceID)
	return nil
}

// PauseSession is not supported for local compute.
func (p *Provider) PauseSession(ctx context.Context, instanceID string) error {
	return provider.Unsupported(p.Name(), "pause_session")
}

// ResumeSession is not supported for local compute.
func (p *Provider) ResumeSession(ctx context.Context, instanceID string) error {
	return provider.Unsupported(p.Name(), "resume_session")
}

// SessionStatus reports "running" while the session directory exists.
func (p *Provider) SessionStatus(ctx context.Context, instanceID string) (string, error) {
	dir, err := p.sessionDir(instanceID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "deleted", nil
		}
		return "", provider.Infra(p.Name(), "get_session_status", err)
	}
	return "running", nil
}

// Execute runs cmd through the configured shell with the given cwd.
func (p *Provider) Execute(ctx context.Context, instanceID, cmd string, timeout time.Duration, cwd string) (provider.ExecResult, error) {
	dir, err := p.sessionDir(instanceID)
	if err != nil {
		return provider.ExecResult{}, err
	}
	if cwd == "" {
		cwd = dir
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, p.shellPath, "-c", cmd)
	c.Dir = cwd
	var stdout, stderr strings.Builder
	c.Stdout = &stdout
	c.Stderr = &stderr

	runErr := c.Run()
	res := provider.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Application result: the command ran and exited non-zero.
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, provider.Infra(p.Name(), "execute", runErr)
	}
	return res, nil
}

// ReadFile returns the file's content. Relative paths resolve inside
// the session directory.
func (p *Provider) ReadFile(ctx context.Context, instanceID, path string) (string, error) {
	full, err := p.resolve(instanceID, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", provider.Infra(p.Name(), "read_file", err)
	}
	return string(data), nil
}

// WriteFile writes content, creating parent directories as needed.
func (p *Provider) WriteFile(ctx context.Context, instanceID, path, content string) error {
	full, err := p.resolve(instanceID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return provider.Infra(p.Name(), "write_file", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o640); err != nil {
		return provider.Infra(p.Name(), "write_file", err)
	}
	return nil
}

// ListDir lists directory entries.
func (p *Provider) ListDir(ctx context.Context, instanceID, path string) ([]provider.FileInfo, error) {
	full, err := p.resolve(instanceID, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, provider.Infra(p.Name(), "list_dir", err)
	}
	infos := make([]provider.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := provider.FileInfo{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fi.Size = info.Size()
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

// ListProviderSessions enumerates session directories for orphan
// discovery.
func (p *Provider) ListProviderSessions(ctx context.Context) ([]provider.SessionInfo, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, provider.Infra(p.Name(), "list_provider_sessions", err)
	}
	var sessions []provider.SessionInfo
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "lsbx_") {
			sessions = append(sessions, provider.SessionInfo{
				SessionID: e.Name(),
				Status:    "running",
			})
		}
	}
	return sessions, nil
}

func (p *Provider) sessionDir(instanceID string) (string, error) {
	if instanceID == "" || strings.ContainsAny(instanceID, "/\\") {
		return "", fmt.Errorf("invalid instance id %q", instanceID)
	}
	return filepath.Join(p.baseDir, instanceID), nil
}

func (p *Provider) resolve(instanceID, path string) (string, error) {
	dir, err := p.sessionDir(instanceID)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Join(dir, path), nil
}
