// Package provider defines the uniform contract the engine speaks to
// heterogeneous compute backends. The lease and manager layers read
// only the Capability record at decision points; they never branch on
// concrete provider types.
package provider

import (
	"context"
	"time"
)

// Observed states a provider session normalizes to.
const (
	StatusRunning  = "running"
	StatusPaused   = "paused"
	StatusDetached = "detached"
	StatusUnknown  = "unknown"
)

// Runtime kinds selecting the PhysicalTerminalRuntime variant.
const (
	RuntimeLocalShell    = "local_shell"
	RuntimeLocalPTY      = "local_pty"
	RuntimeRemoteWrapped = "remote_wrapped"
)

// Capability declares what a provider can do. The engine must not
// assume behaviors not declared here.
type Capability struct {
	CanPause             bool
	CanResume            bool
	CanDestroy           bool
	SupportsWebhook      bool
	SupportsStatusProbe  bool
	EagerInstanceBinding bool
	InspectVisible       bool
	RuntimeKind          string
	// Local providers are never paused by the idle reaper.
	Local bool
}

// ExecResult is the outcome of one command execution. A non-zero exit
// code with genuine output is an application result, not an engine
// error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SessionInfo describes a provider-side session, used for orphan
// discovery.
type SessionInfo struct {
	SessionID string
	Status    string
}

// Provider is the abstract compute backend.
type Provider interface {
	Name() string
	Capability() Capability

	// CreateSession provisions a new session and returns its
	// provider-assigned instance ID and the default working directory.
	CreateSession(ctx context.Context) (instanceID, cwd string, err error)
	DestroySession(ctx context.Context, instanceID string) error
	PauseSession(ctx context.Context, instanceID string) error
	ResumeSession(ctx context.Context, instanceID string) error

	// SessionStatus returns the provider's raw status string for the
	// instance. Callers normalize it via a Normalizer.
	SessionStatus(ctx context.Context, instanceID string) (string, error)

	Execute(ctx context.Context, instanceID, cmd string, timeout time.Duration, cwd string) (ExecResult, error)
	ReadFile(ctx context.Context, instanceID, path string) (string, error)
	WriteFile(ctx context.Context, instanceID, path, content string) error
	ListDir(ctx context.Context, instanceID, path string) ([]FileInfo, error)
}

// SessionLister is implemented by providers that can enumerate their
// sessions for orphan discovery.
type SessionLister interface {
	ListProviderSessions(ctx context.Context) ([]SessionInfo, error)
}

// MetricsReporter is implemented by providers that expose per-session
// resource metrics.
type MetricsReporter interface {
	SessionMetrics(ctx context.Context, instanceID string) (map[string]float64, error)
}
