// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandmux/sandmux/internal/provider"
)

// Fake is a scriptable in-memory provider. Sessions live in a map;
// Execute is handled by ExecFunc when set, otherwise a tiny built-in
// interpreter covering pwd, echo, and exit.
type Fake struct {
	ProviderName string
	Cap          provider.Capability
	Workdir      string

	// ExecFunc overrides command handling when non-nil.
	ExecFunc func(instanceID, cmd string) (provider.ExecResult, error)

	// StatusFunc overrides status probing when non-nil.
	StatusFunc func(instanceID string) (string, error)

	// Fail* inject errors into the corresponding operations.
	FailCreate  error
	FailPause   error
	FailExecute error
	FailStatus  error

	mu       sync.Mutex
	nextID   int
	statuses map[string]string
	files    map[string]map[string]string // instance -> path -> content

	// Call counters for assertions.
	CreateCalls int
	PauseCalls  int
	ProbeCalls  int
}

// New creates a fake with a pausable, probeable, remote-wrapped
// capability, the shape most tests want.
func New(name string) *Fake {
	return &Fake{
		ProviderName: name,
		Workdir:      "/home/user",
		Cap: provider.Capability{
			CanPause:            true,
			CanResume:           true,
			CanDestroy:          true,
			SupportsStatusProbe: true,
			RuntimeKind:         provider.RuntimeRemoteWrapped,
		},
		statuses: make(map[string]string),
		files:    make(map[string]map[string]string),
	}
}

func (f *Fake) Name() string                    { return f.ProviderName }
func (f *Fake) Capability() provider.Capability { return f.Cap }

// SetStatus forces an instance's raw status.
func (f *Fake) SetStatus(instanceID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[instanceID] = status
}

func (f *Fake) CreateSession(ctx context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.FailCreate != nil {
		return "", "", f.FailCreate
	}
	f.nextID++
	id := fmt.Sprintf("inst_%d", f.nextID)
	f.statuses[id] = "running"
	f.files[id] = make(map[string]string)
	return id, f.Workdir, nil
}

func (f *Fake) DestroySession(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, instanceID)
	delete(f.files, instanceID)
	return nil
}

func (f *Fake) PauseSession(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PauseCalls++
	if f.FailPause != nil {
		return f.FailPause
	}
	if _, ok := f.statuses[instanceID]; !ok {
		return provider.ErrSessionNotFound
	}
	f.statuses[instanceID] = "paused"
	return nil
}

func (f *Fake) ResumeSession(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[instanceID]; !ok {
		return provider.ErrSessionNotFound
	}
	f.statuses[instanceID] = "running"
	return nil
}

func (f *Fake) SessionStatus(ctx context.Context, instanceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProbeCalls++
	if f.StatusFunc != nil {
		return f.StatusFunc(instanceID)
	}
	if f.FailStatus != nil {
		return "", f.FailStatus
	}
	st, ok := f.statuses[instanceID]
	if !ok {
		return "", provider.ErrSessionNotFound
	}
	return st, nil
}

func (f *Fake) Execute(ctx context.Context, instanceID, cmd string, timeout time.Duration, cwd string) (provider.ExecResult, error) {
	f.mu.Lock()
	if f.FailExecute != nil {
		err := f.FailExecute
		f.mu.Unlock()
		return provider.ExecResult{}, err
	}
	st, ok := f.statuses[instanceID]
	f.mu.Unlock()
	if !ok {
		return provider.ExecResult{}, provider.ErrSessionNotFound
	}
	if st == "paused" {
		return provider.ExecResult{}, provider.Infra(f.ProviderName, "execute", fmt.Errorf("session %s not running", instanceID))
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(instanceID, cmd)
	}

	trimmed := strings.TrimSpace(cmd)
	switch {
	case strings.HasSuffix(trimmed, "pwd"):
		dir := cwd
		if dir == "" {
			dir = f.Workdir
		}
		return provider.ExecResult{Stdout: dir + "\n"}, nil
	case strings.HasPrefix(trimmed, "echo "):
		return provider.ExecResult{Stdout: strings.TrimPrefix(trimmed, "echo ") + "\n"}, nil
	default:
		return provider.ExecResult{}, nil
	}
}

func (f *Fake) ReadFile(ctx context.Context, instanceID, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[instanceID] == "paused" {
		return "", provider.Infra(f.ProviderName, "read_file", fmt.Errorf("session %s not running", instanceID))
	}
	files, ok := f.files[instanceID]
	if !ok {
		return "", provider.ErrSessionNotFound
	}
	content, ok := files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *Fake) WriteFile(ctx context.Context, instanceID, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[instanceID] == "paused" {
		return provider.Infra(f.ProviderName, "write_file", fmt.Errorf("session %s not running", instanceID))
	}
	files, ok := f.files[instanceID]
	if !ok {
		return provider.ErrSessionNotFound
	}
	files[path] = content
	return nil
}

func (f *Fake) ListDir(ctx context.Context, instanceID, path string) ([]provider.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[instanceID]
	if !ok {
		return nil, provider.ErrSessionNotFound
	}
	var out []provider.FileInfo
	for p := range files {
		if strings.HasPrefix(p, path) {
			out = append(out, provider.FileInfo{Name: p, Size: int64(len(files[p]))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListProviderSessions implements provider.SessionLister.
func (f *Fake) ListProviderSessions(ctx context.Context) ([]provider.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.statuses))
	for id := range f.statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]provider.SessionInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, provider.SessionInfo{SessionID: id, Status: f.statuses[id]})
	}
	return out, nil
}
