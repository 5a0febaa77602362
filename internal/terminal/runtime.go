package terminal

import (
	"context"
	"fmt"
	"time"

	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
)

// Runtime is the ephemeral process that executes commands for one
// terminal. Implementations hydrate from the terminal's durable
// snapshot on first use and persist cwd changes back after commands.
type Runtime interface {
	// TerminalID returns the terminal this runtime executes against.
	TerminalID() string

	// Execute runs one command. A timed-out command returns
	// ExecResult{TimedOut: true, ExitCode: -1}; after a timeout the
	// runtime may need to rebind or respawn before the next call.
	Execute(ctx context.Context, cmd string, timeout time.Duration) (provider.ExecResult, error)

	// Close releases the runtime's process or binding. Always safe to
	// call; never destroys the lease.
	Close() error
}

// BuildRuntime selects the runtime variant from the provider's
// declared runtime kind.
func BuildRuntime(st *store.Store, machine *lease.Machine, prov provider.Provider, term store.Terminal, shellPath string) (Runtime, error) {
	switch prov.Capability().RuntimeKind {
	case provider.RuntimeLocalShell:
		return NewLocalShellRuntime(st, term, shellPath), nil
	case provider.RuntimeLocalPTY:
		return NewPTYRuntime(st, term, shellPath), nil
	case provider.RuntimeRemoteWrapped:
		return NewRemoteRuntime(st, machine, prov, term), nil
	default:
		return nil, fmt.Errorf("unknown runtime kind %q for provider %s",
			prov.Capability().RuntimeKind, prov.Name())
	}
}
