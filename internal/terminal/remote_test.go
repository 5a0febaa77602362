package terminal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandmux/sandmux/internal/db"
	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/provider/providertest"
	"github.com/sandmux/sandmux/internal/store"
)

func newRemoteFixture(t *testing.T) (*store.Store, *lease.Machine, *providertest.Fake, store.Terminal) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	fake := providertest.New("fake")
	reg := provider.NewRegistry()
	reg.Register(fake)
	machine := lease.NewMachine(st, reg, time.Second)

	ctx := context.Background()
	l, err := machine.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = machine.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	term := store.Terminal{
		TerminalID: "term_1",
		ThreadID:   "thread-A",
		LeaseID:    l.LeaseID,
		IsDefault:  true,
		Cwd:        "/home/user",
		EnvDelta:   map[string]string{"FOO": "bar"},
	}
	require.NoError(t, st.CreateTerminal(ctx, term))
	term, err = st.GetTerminal(ctx, term.TerminalID)
	require.NoError(t, err)
	return st, machine, fake, term
}

func TestRemoteRuntime_ExecutePrefixesEnvDelta(t *testing.T) {
	st, machine, fake, term := newRemoteFixture(t)
	rt := NewRemoteRuntime(st, machine, fake, term)
	defer rt.Close()

	var seen []string
	fake.ExecFunc = func(instanceID, cmd string) (provider.ExecResult, error) {
		seen = append(seen, cmd)
		return provider.ExecResult{Stdout: "ok\n"}, nil
	}

	res, err := rt.Execute(context.Background(), "ls", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)

	// Hydration cd plus the command itself.
	require.Len(t, seen, 2)
	assert.Contains(t, seen[0], "cd '/home/user'")
	assert.Equal(t, "export FOO='bar'; ls", seen[1])
}

func TestRemoteRuntime_InfraRetryExactlyOnce(t *testing.T) {
	st, machine, fake, term := newRemoteFixture(t)
	rt := NewRemoteRuntime(st, machine, fake, term)
	defer rt.Close()

	attempts := 0
	fake.ExecFunc = func(instanceID, cmd string) (provider.ExecResult, error) {
		if !strings.HasSuffix(cmd, "ls") {
			return provider.ExecResult{}, nil // hydration
		}
		attempts++
		if attempts == 1 {
			return provider.ExecResult{}, errors.New("connection reset by peer")
		}
		return provider.ExecResult{Stdout: "ok\n"}, nil
	}

	res, err := rt.Execute(context.Background(), "ls", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
	assert.Equal(t, 2, attempts)
}

func TestRemoteRuntime_InfraFailureTwicePropagates(t *testing.T) {
	st, machine, fake, term := newRemoteFixture(t)
	rt := NewRemoteRuntime(st, machine, fake, term)
	defer rt.Close()

	attempts := 0
	fake.ExecFunc = func(instanceID, cmd string) (provider.ExecResult, error) {
		if !strings.HasSuffix(cmd, "ls") {
			return provider.ExecResult{}, nil
		}
		attempts++
		return provider.ExecResult{}, errors.New("connection refused")
	}

	_, err := rt.Execute(context.Background(), "ls", 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, 2, attempts, "exactly one retry")
}

func TestRemoteRuntime_ApplicationErrorNotRetried(t *testing.T) {
	st, machine, fake, term := newRemoteFixture(t)
	rt := NewRemoteRuntime(st, machine, fake, term)
	defer rt.Close()

	attempts := 0
	fake.ExecFunc = func(instanceID, cmd string) (provider.ExecResult, error) {
		if !strings.HasSuffix(cmd, "ls") {
			return provider.ExecResult{}, nil
		}
		attempts++
		return provider.ExecResult{Stderr: "no such file\n", ExitCode: 2}, nil
	}

	res, err := rt.Execute(context.Background(), "ls", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 1, attempts)
}

func TestRemoteRuntime_PausedLeaseFailsFast(t *testing.T) {
	st, machine, fake, term := newRemoteFixture(t)
	rt := NewRemoteRuntime(st, machine, fake, term)
	defer rt.Close()
	ctx := context.Background()

	_, err := machine.Apply(ctx, term.LeaseID, lease.Event{Type: lease.IntentPause, Source: "test"})
	require.NoError(t, err)

	_, err = rt.Execute(ctx, "ls", 10*time.Second)
	assert.ErrorIs(t, err, lease.ErrLeasePaused)
}
