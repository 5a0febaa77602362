package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandmux/sandmux/internal/db"
	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/provider/providertest"
	"github.com/sandmux/sandmux/internal/session"
	"github.com/sandmux/sandmux/internal/store"
)

type fixture struct {
	st      *store.Store
	machine *lease.Machine
	fake    *providertest.Fake
	mgr     *Manager
}

func newFixture(t *testing.T, policy session.Policy) *fixture {
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
	sessions := session.NewManager(st, machine, reg, "/bin/sh")

	if policy == (session.Policy{}) {
		policy = session.Policy{IdleTTL: 300 * time.Second, MaxDuration: 24 * time.Hour}
	}
	mgr := NewManager(st, machine, reg, sessions, "fake", policy)
	return &fixture{st: st, machine: machine, fake: fake, mgr: mgr}
}

func count(t *testing.T, st *store.Store, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, st.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func TestGetSandbox_ColdStart(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	res, err := h.Execute(ctx, "pwd", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "/home/user")

	assert.Equal(t, int64(1), count(t, f.st, `SELECT COUNT(*) FROM abstract_terminals`))
	assert.Equal(t, int64(1), count(t, f.st, `SELECT COUNT(*) FROM sandbox_leases`))
	assert.Equal(t, int64(1), count(t, f.st, `SELECT COUNT(*) FROM sandbox_instances`))
	assert.Equal(t, int64(1), count(t, f.st, `SELECT COUNT(*) FROM chat_sessions`))
}

func TestGetSandbox_Idempotent(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	first, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h, err := f.mgr.GetSandbox(ctx, "thread-A")
		require.NoError(t, err)
		assert.Equal(t, first.SessionID(), h.SessionID())
	}
	assert.Equal(t, 1, f.fake.CreateCalls)
	assert.Equal(t, int64(1), count(t, f.st, `SELECT COUNT(*) FROM chat_sessions`))
}

func TestPauseBlocksWriteUntilResume(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	require.NoError(t, f.mgr.PauseSession(ctx, "thread-A"))

	err = h.WriteFile(ctx, "/home/user/x.txt", "hello")
	assert.ErrorIs(t, err, lease.ErrLeasePaused)

	require.NoError(t, f.mgr.ResumeSession(ctx, "thread-A"))

	require.NoError(t, h.WriteFile(ctx, "/home/user/x.txt", "hello"))
	content, err := h.ReadFile(ctx, "/home/user/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
}

func TestPauseSession_IdleSessionIsHardError(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)
	require.NoError(t, f.st.UpdateSessionStatus(ctx, h.SessionID(), store.SessionIdle))

	pauses := f.fake.PauseCalls
	err = f.mgr.PauseSession(ctx, "thread-A")
	var illegal *store.IllegalSessionTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, store.SessionIdle, illegal.From)
	assert.Equal(t, store.SessionPaused, illegal.To)

	// Neither the session row nor the lease moved.
	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, sess.Status)
	assert.Equal(t, pauses, f.fake.PauseCalls)
}

func TestPauseResume_RestoresLeaseStates(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	require.NoError(t, f.mgr.PauseSession(ctx, "thread-A"))
	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)
	assert.Equal(t, store.SessionPaused, sess.Status)

	require.NoError(t, f.mgr.ResumeSession(ctx, "thread-A"))
	l, err := f.machine.Get(ctx, sess.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, lease.DesiredRunning, l.DesiredState)
	assert.Equal(t, provider.StatusRunning, l.ObservedState)
}

func TestGetSandbox_AutoResumesPausedSession(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	_, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)
	require.NoError(t, f.mgr.PauseSession(ctx, "thread-A"))

	h, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	res, err := h.Execute(ctx, "echo resumed", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, sess.Status)
}

func TestDestroySession_ThreadMismatchIsHardError(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	err = f.mgr.DestroySession(ctx, "thread-B", h.SessionID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belongs to thread")

	// Nothing was destroyed.
	assert.Equal(t, int64(1), count(t, f.st, `SELECT COUNT(*) FROM abstract_terminals WHERE thread_id = 'thread-A'`))
}

func TestDestroyThreadResources_Cascades(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	_, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	require.NoError(t, f.mgr.DestroyThreadResources(ctx, "thread-A"))

	assert.Equal(t, int64(0), count(t, f.st, `SELECT COUNT(*) FROM abstract_terminals WHERE thread_id = 'thread-A'`))
	assert.Equal(t, int64(0), count(t, f.st, `SELECT COUNT(*) FROM sandbox_leases`))
	assert.Equal(t, int64(0), count(t, f.st,
		`SELECT COUNT(*) FROM chat_sessions WHERE thread_id = 'thread-A' AND status IN ('active','idle','paused')`))
}

func TestEnforceIdleTimeouts_RespectsBusyTerminal(t *testing.T) {
	f := newFixture(t, session.Policy{IdleTTL: time.Second, MaxDuration: 24 * time.Hour})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-C")
	require.NoError(t, err)
	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)

	// Age the session past its idle TTL and mark the terminal busy.
	_, err = f.st.DB().Exec(`UPDATE chat_sessions SET last_active_at = ? WHERE chat_session_id = ?`,
		time.Now().Add(-10*time.Second).UnixMilli(), sess.ChatSessionID)
	require.NoError(t, err)
	require.NoError(t, f.st.StartCommand(ctx, "cmd_1", sess.TerminalID, "thread-C", sess.LeaseID, "sleep 60"))

	pauses := f.fake.PauseCalls
	require.NoError(t, f.mgr.EnforceIdleTimeouts(ctx))

	got, err := f.st.GetSession(ctx, sess.ChatSessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status)
	assert.Equal(t, pauses, f.fake.PauseCalls, "busy terminal must not be paused")
}

func TestEnforceIdleTimeouts_PausesAndCloses(t *testing.T) {
	f := newFixture(t, session.Policy{IdleTTL: time.Second, MaxDuration: 24 * time.Hour})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-C")
	require.NoError(t, err)
	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)

	_, err = f.st.DB().Exec(`UPDATE chat_sessions SET last_active_at = ? WHERE chat_session_id = ?`,
		time.Now().Add(-10*time.Second).UnixMilli(), sess.ChatSessionID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.EnforceIdleTimeouts(ctx))

	got, err := f.st.GetSession(ctx, sess.ChatSessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionClosed, got.Status)
	assert.Equal(t, "idle_timeout", got.CloseReason)
	assert.Equal(t, 1, f.fake.PauseCalls)

	l, err := f.machine.Get(ctx, sess.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPaused, l.ObservedState)
}

func TestEnforceIdleTimeouts_PauseFailureLeavesSession(t *testing.T) {
	f := newFixture(t, session.Policy{IdleTTL: time.Second, MaxDuration: 24 * time.Hour})
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-C")
	require.NoError(t, err)
	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)

	_, err = f.st.DB().Exec(`UPDATE chat_sessions SET last_active_at = ? WHERE chat_session_id = ?`,
		time.Now().Add(-10*time.Second).UnixMilli(), sess.ChatSessionID)
	require.NoError(t, err)

	f.fake.FailPause = assert.AnError
	require.NoError(t, f.mgr.EnforceIdleTimeouts(ctx))

	got, err := f.st.GetSession(ctx, sess.ChatSessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status, "pause failure leaves session for retry")
}

func TestEnforceIdleTimeouts_LocalProviderNeverPaused(t *testing.T) {
	f := newFixture(t, session.Policy{IdleTTL: time.Second, MaxDuration: 24 * time.Hour})
	f.fake.Cap.Local = true
	ctx := context.Background()

	h, err := f.mgr.GetSandbox(ctx, "thread-C")
	require.NoError(t, err)
	sess, err := f.st.GetSession(ctx, h.SessionID())
	require.NoError(t, err)

	_, err = f.st.DB().Exec(`UPDATE chat_sessions SET last_active_at = ? WHERE chat_session_id = ?`,
		time.Now().Add(-10*time.Second).UnixMilli(), sess.ChatSessionID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.EnforceIdleTimeouts(ctx))

	got, err := f.st.GetSession(ctx, sess.ChatSessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionClosed, got.Status)
	assert.Equal(t, 0, f.fake.PauseCalls)
}

func TestListSessions_IncludesOrphans(t *testing.T) {
	f := newFixture(t, session.Policy{})
	ctx := context.Background()

	_, err := f.mgr.GetSandbox(ctx, "thread-A")
	require.NoError(t, err)

	// A provider-side session no lease knows about.
	orphanID, _, err := f.fake.CreateSession(ctx)
	require.NoError(t, err)

	rows, err := f.mgr.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	bySource := map[string]SessionRow{}
	for _, r := range rows {
		bySource[r.Source] = r
	}
	assert.Equal(t, "thread-A", bySource["lease"].ThreadID)
	assert.Equal(t, orphanID, bySource["provider_orphan"].InstanceID)
	assert.Empty(t, bySource["provider_orphan"].LeaseID)
}
