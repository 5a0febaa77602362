package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandmux/sandmux/internal/db"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/provider/providertest"
	"github.com/sandmux/sandmux/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *store.Store, *providertest.Fake) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	fake := providertest.New("fake")
	reg := provider.NewRegistry()
	reg.Register(fake)
	return NewMachine(st, reg, time.Second), st, fake
}

func TestEnsureActiveInstance_ColdStart(t *testing.T) {
	m, st, fake := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusDetached, l.ObservedState)
	assert.Empty(t, l.CurrentInstanceID)

	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, l.ObservedState)
	assert.Equal(t, DesiredRunning, l.DesiredState)
	assert.NotEmpty(t, l.CurrentInstanceID)
	assert.Equal(t, 1, fake.CreateCalls)

	// One instance row, one event row.
	inst, err := st.GetInstance(ctx, l.CurrentInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "running", inst.Status)

	events, err := st.ListLeaseEvents(ctx, l.LeaseID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, IntentEnsureRunning, events[0].EventType)
	assert.Empty(t, events[0].Error)
}

func TestEnsureActiveInstance_FastPathSkipsProvider(t *testing.T) {
	m, _, fake := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	probes := fake.ProbeCalls
	for i := 0; i < 5; i++ {
		got, err := m.EnsureActiveInstance(ctx, l.LeaseID)
		require.NoError(t, err)
		assert.Equal(t, l.CurrentInstanceID, got.CurrentInstanceID)
	}
	assert.Equal(t, 1, fake.CreateCalls)
	assert.Equal(t, probes, fake.ProbeCalls, "fresh observation must not re-probe")
}

func TestApply_ObserveIdempotentIncrementsVersion(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	before := l.Version
	got, err := m.Observe(ctx, l.LeaseID, "running", "test", nil)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, got.ObservedState)
	assert.Greater(t, got.Version, before)
}

func TestApply_IllegalEdgeRecordsFailure(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	// detached -> paused is not a legal observed edge.
	_, err = m.Observe(ctx, l.LeaseID, "paused", "test", nil)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, provider.StatusDetached, illegal.From)
	assert.Equal(t, provider.StatusPaused, illegal.To)

	got, err := m.Get(ctx, l.LeaseID)
	require.NoError(t, err)
	assert.True(t, got.NeedsRefresh)
	assert.NotEmpty(t, got.LastError)
	assert.Greater(t, got.Version, l.Version)

	events, err := st.ListLeaseEvents(ctx, l.LeaseID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].Error)
}

func TestApply_UnknownObserveOnlyInvalidates(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	got, err := m.Observe(ctx, l.LeaseID, "something-unrecognized", "webhook", nil)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, got.ObservedState, "unknown must not change observed")
	assert.True(t, got.NeedsRefresh)
}

func TestPauseResumeCycle(t *testing.T) {
	m, _, fake := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	got, err := m.Apply(ctx, l.LeaseID, Event{Type: IntentPause, Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPaused, got.ObservedState)
	assert.Equal(t, DesiredPaused, got.DesiredState)
	assert.Equal(t, 1, fake.PauseCalls)

	// Paused lease fast-fails ensure.
	_, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	assert.ErrorIs(t, err, ErrLeasePaused)

	got, err = m.Apply(ctx, l.LeaseID, Event{Type: IntentResume, Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, got.ObservedState)
	assert.Equal(t, DesiredRunning, got.DesiredState)

	got, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, got.ObservedState)
}

func TestPauseWithoutInstanceIsIllegal(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)

	_, err = m.Apply(ctx, l.LeaseID, Event{Type: IntentPause, Source: "test"})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "no bound instance", illegal.Reason)
}

func TestEnsureActiveInstance_RebindsDetachedInstance(t *testing.T) {
	m, _, fake := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)
	first := l.CurrentInstanceID

	// Kill the instance provider-side and expire freshness.
	require.NoError(t, fake.DestroySession(ctx, first))
	_, err = m.Observe(ctx, l.LeaseID, "unknown-signal", "webhook", nil)
	require.NoError(t, err)

	got, err := m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, got.ObservedState)
	assert.NotEqual(t, first, got.CurrentInstanceID)
	assert.Equal(t, 2, fake.CreateCalls)
}

func TestDestroy(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	got, err := m.Apply(ctx, l.LeaseID, Event{Type: IntentDestroy, Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusDetached, got.ObservedState)
	assert.Equal(t, "destroyed", got.Status)

	inst, err := st.GetInstance(ctx, l.CurrentInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", inst.Status)
}

func TestRefreshInstanceStatus_FailureKeepsLastError(t *testing.T) {
	m, _, fake := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	fake.StatusFunc = func(instanceID string) (string, error) {
		return "", errors.New("read tcp: connection reset by peer")
	}
	_, err = m.RefreshInstanceStatus(ctx, l.LeaseID, true)
	require.Error(t, err)

	got, err := m.Get(ctx, l.LeaseID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "connection reset by peer")
	assert.True(t, got.NeedsRefresh)
	assert.False(t, got.RefreshHintAt.IsZero())
}

func TestApply_UnknownObserveStampsRefreshHint(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)
	assert.True(t, l.RefreshHintAt.IsZero())

	got, err := m.Observe(ctx, l.LeaseID, "something-unrecognized", "webhook", nil)
	require.NoError(t, err)
	assert.True(t, got.NeedsRefresh)
	assert.WithinDuration(t, time.Now(), got.RefreshHintAt, 5*time.Second)
}

func TestRefreshInstanceStatus_Force(t *testing.T) {
	m, _, fake := newTestMachine(t)
	ctx := context.Background()

	l, err := m.Create(ctx, "fake")
	require.NoError(t, err)
	l, err = m.EnsureActiveInstance(ctx, l.LeaseID)
	require.NoError(t, err)

	// Provider-side pause invisible to the machine until probed.
	fake.SetStatus(l.CurrentInstanceID, "paused")

	got, err := m.RefreshInstanceStatus(ctx, l.LeaseID, false)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, got.ObservedState, "fresh observation skips probe")

	got, err = m.RefreshInstanceStatus(ctx, l.LeaseID, true)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPaused, got.ObservedState)
	assert.False(t, got.NeedsRefresh)
}
