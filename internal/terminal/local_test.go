package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandmux/sandmux/internal/db"
	"github.com/sandmux/sandmux/internal/store"
)

func newTestTerminal(t *testing.T, cwd string) (*store.Store, store.Terminal) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	ctx := context.Background()
	require.NoError(t, st.CreateLease(ctx, "lease_1", "local"))
	term := store.Terminal{
		TerminalID: "term_1",
		ThreadID:   "thread-A",
		LeaseID:    "lease_1",
		IsDefault:  true,
		Cwd:        cwd,
		EnvDelta:   map[string]string{},
	}
	require.NoError(t, st.CreateTerminal(ctx, term))
	term, err = st.GetTerminal(ctx, term.TerminalID)
	require.NoError(t, err)
	return st, term
}

func TestLocalShellRuntime_ExitCodeAndStreams(t *testing.T) {
	st, term := newTestTerminal(t, t.TempDir())
	rt := NewLocalShellRuntime(st, term, "/bin/sh")
	defer rt.Close()
	ctx := context.Background()

	res, err := rt.Execute(ctx, "echo hello", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)

	res, err = rt.Execute(ctx, "echo oops >&2; (exit 3)", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Empty(t, res.Stdout)
}

func TestLocalShellRuntime_StatePersistsAcrossCommands(t *testing.T) {
	dir := t.TempDir()
	st, term := newTestTerminal(t, dir)
	rt := NewLocalShellRuntime(st, term, "/bin/sh")
	defer rt.Close()
	ctx := context.Background()

	res, err := rt.Execute(ctx, "export FOO=bar", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	res, err = rt.Execute(ctx, "echo $FOO", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bar\n", res.Stdout)
}

func TestLocalShellRuntime_CwdProbePersists(t *testing.T) {
	dir := t.TempDir()
	st, term := newTestTerminal(t, dir)
	rt := NewLocalShellRuntime(st, term, "/bin/sh")
	defer rt.Close()
	ctx := context.Background()

	res, err := rt.Execute(ctx, "mkdir -p sub && cd sub", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	got, err := st.GetTerminal(ctx, term.TerminalID)
	require.NoError(t, err)
	assert.Equal(t, dir+"/sub", got.Cwd)
	assert.Greater(t, got.StateVersion, term.StateVersion)
}

func TestLocalShellRuntime_TimeoutCorruptsThenRespawns(t *testing.T) {
	st, term := newTestTerminal(t, t.TempDir())
	rt := NewLocalShellRuntime(st, term, "/bin/sh")
	defer rt.Close()
	ctx := context.Background()

	res, err := rt.Execute(ctx, "sleep 10", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)

	// The next command must run on a fresh shell.
	res, err = rt.Execute(ctx, "echo back", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "back\n", res.Stdout)
}

func TestLocalShellRuntime_HydratesFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	st, term := newTestTerminal(t, dir)
	ctx := context.Background()

	_, err := st.UpdateTerminalState(ctx, term.TerminalID, dir, map[string]string{"GREETING": "hi"}, term.StateVersion)
	require.NoError(t, err)
	term, err = st.GetTerminal(ctx, term.TerminalID)
	require.NoError(t, err)

	rt := NewLocalShellRuntime(st, term, "/bin/sh")
	defer rt.Close()

	res, err := rt.Execute(ctx, "echo $GREETING; pwd", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hi\n"+dir+"\n", res.Stdout)
}

func TestFork_DeepCopiesEnvDelta(t *testing.T) {
	st, term := newTestTerminal(t, "/tmp")
	ctx := context.Background()

	_, err := st.UpdateTerminalState(ctx, term.TerminalID, "/tmp", map[string]string{"A": "1"}, term.StateVersion)
	require.NoError(t, err)

	fork, err := Fork(ctx, st, term.ThreadID)
	require.NoError(t, err)
	assert.NotEqual(t, term.TerminalID, fork.TerminalID)
	assert.Equal(t, term.LeaseID, fork.LeaseID)
	assert.False(t, fork.IsDefault)
	assert.Equal(t, map[string]string{"A": "1"}, fork.EnvDelta)

	// Mutating the fork's snapshot must not leak into the default.
	_, err = st.UpdateTerminalState(ctx, fork.TerminalID, "/tmp", map[string]string{"A": "2"}, fork.StateVersion)
	require.NoError(t, err)
	def, err := st.GetDefaultTerminal(ctx, term.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "1", def.EnvDelta["A"])
}
