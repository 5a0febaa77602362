// Package docker implements the provider contract on top of the
// Docker Engine API. Each session is a long-lived container; commands
// run through docker exec so no agent needs to be installed in the
// image. Docker supports pause/unpause natively, which makes it the
// reference remote-wrapped provider for the idle reaper.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandmux/sandmux/internal/provider"
)

const sessionLabel = "sandmux.session"

// Options configures the docker provider.
type Options struct {
	Image      string // container image for new sessions (default "ubuntu:24.04")
	WorkingDir string // default cwd inside sessions (default "/home/user")
}

// Provider runs sandbox sessions as Docker containers.
type Provider struct {
	cli  *client.Client
	opts Options
}

// New creates a docker provider from the environment (DOCKER_HOST etc).
func New(opts Options) (*Provider, error) {
	if opts.Image == "" {
		opts.Image = "ubuntu:24.04"
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = "/home/user"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Provider{cli: cli, opts: opts}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "docker" }

// Capability implements provider.Provider.
func (p *Provider) Capability() provider.Capability {
	return provider.Capability{
		CanPause:             true,
		CanResume:            true,
		CanDestroy:           true,
		SupportsWebhook:      true,
		SupportsStatusProbe:  true,
		EagerInstanceBinding: false,
		InspectVisible:       true,
		RuntimeKind:          provider.RuntimeRemoteWrapped,
	}
}

// CreateSession creates and starts a container that idles until
// destroyed.
func (p *Provider) CreateSession(ctx context.Context) (string, string, error) {
	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      p.opts.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: p.opts.WorkingDir,
			Labels:     map[string]string{sessionLabel: "1"},
		},
		&container.HostConfig{}, nil, nil, "")
	if err != nil {
		return "", "", provider.Infra(p.Name(), "create_session", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", "", provider.Infra(p.Name(), "create_session", err)
	}
	slog.Info("docker sandbox created", "instance_id", created.ID[:12])
	return created.ID, p.opts.WorkingDir, nil
}

// DestroySession force-removes the container.
func (p *Provider) DestroySession(ctx context.Context, instanceID string) error {
	err := p.cli.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return provider.Infra(p.Name(), "destroy_session", err)
	}
	return nil
}

// PauseSession freezes the container's processes.
func (p *Provider) PauseSession(ctx context.Context, instanceID string) error {
	if err := p.cli.ContainerPause(ctx, instanceID); err != nil {
		return p.wrap("pause_session", err)
	}
	return nil
}

// ResumeSession unfreezes the container.
func (p *Provider) ResumeSession(ctx context.Context, instanceID string) error {
	if err := p.cli.ContainerUnpause(ctx, instanceID); err != nil {
		return p.wrap("resume_session", err)
	}
	return nil
}

// SessionStatus returns Docker's raw container state string
// ("running", "paused", "exited", ...).
func (p *Provider) SessionStatus(ctx context.Context, instanceID string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, instanceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "deleted", nil
		}
		return "", provider.Infra(p.Name(), "get_session_status", err)
	}
	return inspect.State.Status, nil
}

// Execute runs cmd through sh -c inside the container.
func (p *Provider) Execute(ctx context.Context, instanceID, cmd string, timeout time.Duration, cwd string) (provider.ExecResult, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := p.cli.ContainerExecCreate(execCtx, instanceID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return provider.ExecResult{}, p.wrap("execute", err)
	}

	attach, err := p.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return provider.ExecResult{}, p.wrap("execute", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return provider.ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			TimedOut: true,
		}, nil
	}
	if copyErr != nil {
		return provider.ExecResult{}, provider.Infra(p.Name(), "execute", copyErr)
	}

	inspect, err := p.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return provider.ExecResult{}, p.wrap("execute", err)
	}

	return provider.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ReadFile reads a file via exec to keep the surface uniform across
// images (no docker cp tar handling).
func (p *Provider) ReadFile(ctx context.Context, instanceID, path string) (string, error) {
	res, err := p.Execute(ctx, instanceID, fmt.Sprintf("cat %s", shellQuote(path)), 30*time.Second, "")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// WriteFile writes content via exec with a heredoc-free tee pipe.
func (p *Provider) WriteFile(ctx context.Context, instanceID, path, content string) error {
	cmd := fmt.Sprintf("mkdir -p $(dirname %s) && printf '%%s' %s > %s",
		shellQuote(path), shellQuote(content), shellQuote(path))
	res, err := p.Execute(ctx, instanceID, cmd, 30*time.Second, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ListDir lists directory entries via exec.
func (p *Provider) ListDir(ctx context.Context, instanceID, path string) ([]provider.FileInfo, error) {
	res, err := p.Execute(ctx, instanceID, fmt.Sprintf("ls -1ap %s", shellQuote(path)), 30*time.Second, "")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	var infos []provider.FileInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == "./" || name == "../" {
			continue
		}
		isDir := strings.HasSuffix(name, "/")
		infos = append(infos, provider.FileInfo{
			Name:  strings.TrimSuffix(name, "/"),
			IsDir: isDir,
		})
	}
	return infos, nil
}

// ListProviderSessions enumerates sandbox-labeled containers for
// orphan discovery, including paused and stopped ones.
func (p *Provider) ListProviderSessions(ctx context.Context) ([]provider.SessionInfo, error) {
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err != nil {
		return nil, provider.Infra(p.Name(), "list_provider_sessions", err)
	}
	sessions := make([]provider.SessionInfo, 0, len(containers))
	for _, c := range containers {
		sessions = append(sessions, provider.SessionInfo{
			SessionID: c.ID,
			Status:    c.State,
		})
	}
	return sessions, nil
}

func (p *Provider) wrap(op string, err error) error {
	if client.IsErrNotFound(err) {
		return provider.Infra(p.Name(), op, provider.ErrSessionNotFound)
	}
	return provider.Infra(p.Name(), op, err)
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
