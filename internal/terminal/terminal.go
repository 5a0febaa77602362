// Package terminal holds the durable AbstractTerminal model helpers
// and the PhysicalTerminalRuntime variants that execute commands
// against it. Terminals persist only what is needed to reconstruct a
// working shell (cwd + env deltas); the runtimes are ephemeral and
// hydrate from that snapshot.
package terminal

import (
	"context"
	"fmt"

	"github.com/sandmux/sandmux/internal/id"
	"github.com/sandmux/sandmux/internal/store"
)

// CreateDefault creates the thread's default terminal against a lease.
func CreateDefault(ctx context.Context, st *store.Store, threadID, leaseID, initialCwd string) (store.Terminal, error) {
	t := store.Terminal{
		TerminalID: id.NewTerminal(),
		ThreadID:   threadID,
		LeaseID:    leaseID,
		IsDefault:  true,
		Cwd:        initialCwd,
		EnvDelta:   map[string]string{},
	}
	if err := st.CreateTerminal(ctx, t); err != nil {
		return store.Terminal{}, err
	}
	return st.GetTerminal(ctx, t.TerminalID)
}

// Fork creates a new terminal for a background command. It shares the
// default terminal's lease and inherits a deep copy of its state
// snapshot at this instant; later mutations do not propagate either
// way.
func Fork(ctx context.Context, st *store.Store, threadID string) (store.Terminal, error) {
	def, err := st.GetDefaultTerminal(ctx, threadID)
	if err != nil {
		return store.Terminal{}, fmt.Errorf("fork terminal: %w", err)
	}
	envCopy := make(map[string]string, len(def.EnvDelta))
	for k, v := range def.EnvDelta {
		envCopy[k] = v
	}
	t := store.Terminal{
		TerminalID: id.NewTerminal(),
		ThreadID:   threadID,
		LeaseID:    def.LeaseID,
		IsDefault:  false,
		Cwd:        def.Cwd,
		EnvDelta:   envCopy,
	}
	if err := st.CreateTerminal(ctx, t); err != nil {
		return store.Terminal{}, err
	}
	return st.GetTerminal(ctx, t.TerminalID)
}
