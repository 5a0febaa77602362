package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandmux/sandmux/internal/id"
	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
)

// maxErrorLen bounds last_error so a chatty SDK cannot bloat the row.
const maxErrorLen = 500

// Machine owns the per-lease locks and drives all lifecycle
// transitions. It is safe for concurrent use.
type Machine struct {
	store     *store.Store
	registry  *provider.Registry
	freshness time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine creates a state machine over the given store and provider
// registry. freshness is the observation freshness window (default 3s
// when zero).
func NewMachine(st *store.Store, reg *provider.Registry, freshness time.Duration) *Machine {
	if freshness <= 0 {
		freshness = 3 * time.Second
	}
	return &Machine{
		store:     st,
		registry:  reg,
		freshness: freshness,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock returns the process-local mutex for a lease, creating it on
// first touch.
func (m *Machine) lock(leaseID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[leaseID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[leaseID] = l
	}
	return l
}

// forget drops the lock entry for a deleted lease.
func (m *Machine) forget(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, leaseID)
}

// Create makes a new lease row for the provider and returns it.
func (m *Machine) Create(ctx context.Context, providerName string) (store.Lease, error) {
	if _, err := m.registry.Get(providerName); err != nil {
		return store.Lease{}, err
	}
	leaseID := id.NewLease()
	if err := m.store.CreateLease(ctx, leaseID, providerName); err != nil {
		return store.Lease{}, err
	}
	return m.store.GetLease(ctx, leaseID)
}

// Get returns the current lease snapshot.
func (m *Machine) Get(ctx context.Context, leaseID string) (store.Lease, error) {
	return m.store.GetLease(ctx, leaseID)
}

// Delete removes the lease row and drops its lock.
func (m *Machine) Delete(ctx context.Context, leaseID string) error {
	l := m.lock(leaseID)
	l.Lock()
	defer l.Unlock()
	if err := m.store.DeleteLease(ctx, leaseID); err != nil {
		return err
	}
	m.forget(leaseID)
	return nil
}

// Apply runs one state machine event under the per-lease lock.
// It returns the post-transition snapshot.
func (m *Machine) Apply(ctx context.Context, leaseID string, ev Event) (store.Lease, error) {
	l := m.lock(leaseID)
	l.Lock()
	defer l.Unlock()
	return m.applyLocked(ctx, leaseID, ev)
}

// applyLocked is the lock-free inner variant of Apply, called while
// the caller already holds the per-lease lock (EnsureActiveInstance
// applies intent.ensure_running from inside its critical section).
func (m *Machine) applyLocked(ctx context.Context, leaseID string, ev Event) (store.Lease, error) {
	// Re-read the latest persisted snapshot.
	cur, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return store.Lease{}, err
	}

	prov, err := m.registry.Get(cur.ProviderName)
	if err != nil {
		return store.Lease{}, fmt.Errorf("lease %s: %w: %v", leaseID, ErrSchemaInconsistency, err)
	}

	next, applyErr := m.transition(ctx, prov, cur, ev)
	if applyErr != nil {
		// Record the failure on the snapshot, still append a log row,
		// and re-raise.
		cur.LastError = truncate(applyErr.Error(), maxErrorLen)
		cur.NeedsRefresh = true
		cur.RefreshHintAt = time.Now()
		cur.Version++
		if persistErr := m.persist(ctx, cur, ev, applyErr); persistErr != nil {
			slog.Error("persist failed lease transition",
				"lease_id", leaseID, "event", ev.Type, "error", persistErr)
		}
		metrics.LeaseTransitionsTotal.WithLabelValues(ev.Type, "error").Inc()
		return cur, applyErr
	}

	next.Version++
	next.ObservedAt = time.Now()
	// A provider error is itself the thing last_error records.
	if ev.Type != ProviderError {
		next.LastError = ""
	}
	if err := m.persist(ctx, next, ev, nil); err != nil {
		return store.Lease{}, err
	}
	metrics.LeaseTransitionsTotal.WithLabelValues(ev.Type, "ok").Inc()

	slog.Debug("lease transition",
		"lease_id", leaseID,
		"event", ev.Type,
		"source", ev.Source,
		"observed", next.ObservedState,
		"desired", next.DesiredState,
		"version", next.Version,
	)
	return next, nil
}

// transition computes the next snapshot for one event, calling the
// provider where the event demands it.
func (m *Machine) transition(ctx context.Context, prov provider.Provider, cur store.Lease, ev Event) (store.Lease, error) {
	cap := prov.Capability()
	next := cur

	switch ev.Type {
	case IntentEnsureRunning:
		next.DesiredState = DesiredRunning
		if cur.CurrentInstanceID == "" || cur.ObservedState == provider.StatusDetached {
			instanceID, _, err := prov.CreateSession(ctx)
			if err != nil {
				return cur, err
			}
			next.CurrentInstanceID = instanceID
			next.InstanceCreatedAt = time.Now()
		}
		if err := m.checkEdge(cur, provider.StatusRunning); err != nil {
			return cur, err
		}
		next.ObservedState = provider.StatusRunning
		next.NeedsRefresh = false

	case IntentPause:
		if !cap.CanPause {
			return cur, provider.Unsupported(prov.Name(), "pause_session")
		}
		if cur.CurrentInstanceID == "" {
			return cur, &IllegalTransitionError{
				LeaseID: cur.LeaseID, From: cur.ObservedState,
				To: provider.StatusPaused, Reason: "no bound instance",
			}
		}
		if err := m.checkEdge(cur, provider.StatusPaused); err != nil {
			return cur, err
		}
		if err := prov.PauseSession(ctx, cur.CurrentInstanceID); err != nil {
			return cur, err
		}
		next.DesiredState = DesiredPaused
		next.ObservedState = provider.StatusPaused
		next.NeedsRefresh = false

	case IntentResume:
		if !cap.CanResume {
			return cur, provider.Unsupported(prov.Name(), "resume_session")
		}
		if cur.CurrentInstanceID == "" {
			return cur, &IllegalTransitionError{
				LeaseID: cur.LeaseID, From: cur.ObservedState,
				To: provider.StatusRunning, Reason: "no bound instance",
			}
		}
		if err := m.checkEdge(cur, provider.StatusRunning); err != nil {
			return cur, err
		}
		if err := prov.ResumeSession(ctx, cur.CurrentInstanceID); err != nil {
			return cur, err
		}
		next.DesiredState = DesiredRunning
		next.ObservedState = provider.StatusRunning
		next.NeedsRefresh = false

	case IntentDestroy:
		if !cap.CanDestroy {
			return cur, provider.Unsupported(prov.Name(), "destroy_session")
		}
		if cur.CurrentInstanceID != "" {
			if err := prov.DestroySession(ctx, cur.CurrentInstanceID); err != nil {
				return cur, err
			}
		}
		next.DesiredState = DesiredDestroyed
		next.ObservedState = provider.StatusDetached
		next.Status = "destroyed"
		next.NeedsRefresh = false

	case ObserveStatus:
		status, _ := ev.Payload["status"].(string)
		normalized := provider.NormalizeStatus(status)
		if normalized == provider.StatusUnknown {
			// Unknown leaves observed unchanged but invalidates
			// freshness so the next use probes.
			next.NeedsRefresh = true
			next.RefreshHintAt = time.Now()
			return next, nil
		}
		if err := m.checkEdge(cur, normalized); err != nil {
			return cur, err
		}
		next.ObservedState = normalized
		next.NeedsRefresh = false

	case ProviderError:
		msg, _ := ev.Payload["error"].(string)
		next.LastError = truncate(msg, maxErrorLen)
		next.NeedsRefresh = true
		next.RefreshHintAt = time.Now()

	default:
		return cur, fmt.Errorf("unknown lease event type %q", ev.Type)
	}

	return next, nil
}

func (m *Machine) checkEdge(cur store.Lease, target string) error {
	if !transitionLegal(cur.ObservedState, target) {
		return &IllegalTransitionError{
			LeaseID: cur.LeaseID,
			From:    cur.ObservedState,
			To:      target,
			Reason:  "edge not in legal set",
		}
	}
	return nil
}

// persist writes the snapshot and the transition log row in one
// transaction, mirroring the observed status onto the instance row.
func (m *Machine) persist(ctx context.Context, l store.Lease, ev Event, applyErr error) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.UpdateLeaseSnapshotTx(ctx, tx, l); err != nil {
			return err
		}
		if l.CurrentInstanceID != "" && applyErr == nil {
			switch ev.Type {
			case IntentEnsureRunning:
				if err := m.store.UpsertInstanceTx(ctx, tx, l.CurrentInstanceID, l.LeaseID, l.CurrentInstanceID); err != nil {
					return err
				}
			case IntentDestroy:
				if err := m.store.UpdateInstanceStatusTx(ctx, tx, l.CurrentInstanceID, "stopped"); err != nil {
					return err
				}
			default:
				status := l.ObservedState
				if status == provider.StatusDetached {
					status = "stopped"
				}
				if err := m.store.UpdateInstanceStatusTx(ctx, tx, l.CurrentInstanceID, status); err != nil {
					return err
				}
			}
		}
		leaseEv := store.LeaseEvent{
			EventID:     id.NewEvent(),
			LeaseID:     l.LeaseID,
			EventType:   ev.Type,
			Source:      ev.Source,
			PayloadJSON: string(payload),
		}
		if applyErr != nil {
			leaseEv.Error = truncate(applyErr.Error(), maxErrorLen)
		}
		return m.store.AppendLeaseEventTx(ctx, tx, leaseEv)
	})
}

// EnsureActiveInstance guarantees the lease has a bound running
// instance and returns the current snapshot. It is the single entry
// point for the per-command path: fresh running observations return
// without a provider round trip.
func (m *Machine) EnsureActiveInstance(ctx context.Context, leaseID string) (store.Lease, error) {
	l := m.lock(leaseID)
	l.Lock()
	defer l.Unlock()

	cur, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return store.Lease{}, err
	}

	// Fast path: bound, observed running, fresh, not invalidated.
	if cur.CurrentInstanceID != "" &&
		cur.ObservedState == provider.StatusRunning &&
		!cur.NeedsRefresh &&
		time.Since(cur.ObservedAt) <= m.freshness {
		return cur, nil
	}

	prov, err := m.registry.Get(cur.ProviderName)
	if err != nil {
		return store.Lease{}, fmt.Errorf("lease %s: %w: %v", leaseID, ErrSchemaInconsistency, err)
	}

	// Probe under lock so concurrent ensures cannot double-create.
	if cur.CurrentInstanceID != "" && prov.Capability().SupportsStatusProbe {
		cur, err = m.probeLocked(ctx, prov, cur)
		if err != nil {
			return store.Lease{}, err
		}
		switch cur.ObservedState {
		case provider.StatusRunning:
			return cur, nil
		case provider.StatusPaused:
			return cur, ErrLeasePaused
		}
	} else if cur.ObservedState == provider.StatusPaused {
		// No probe available; trust the last observation.
		return cur, ErrLeasePaused
	}

	// No instance, or the probe observed it detached: create/rebind.
	return m.applyLocked(ctx, leaseID, Event{
		Type:   IntentEnsureRunning,
		Source: "ensure_active_instance",
	})
}

// probeLocked asks the provider for the instance status and folds the
// observation into the state machine. Caller holds the lease lock.
func (m *Machine) probeLocked(ctx context.Context, prov provider.Provider, cur store.Lease) (store.Lease, error) {
	raw, err := prov.SessionStatus(ctx, cur.CurrentInstanceID)
	if errors.Is(err, provider.ErrSessionNotFound) {
		// The instance is gone; observe it detached so ensure can
		// rebind instead of failing.
		raw = provider.StatusDetached
		err = nil
	}
	if err != nil {
		_, _ = m.applyLocked(ctx, cur.LeaseID, Event{
			Type:    ProviderError,
			Source:  "probe",
			Payload: map[string]any{"error": err.Error()},
		})
		return store.Lease{}, err
	}
	return m.applyLocked(ctx, cur.LeaseID, Event{
		Type:    ObserveStatus,
		Source:  "probe",
		Payload: map[string]any{"status": raw},
	})
}

// RefreshInstanceStatus re-probes the provider. When force is false a
// fresh observation short-circuits.
func (m *Machine) RefreshInstanceStatus(ctx context.Context, leaseID string, force bool) (store.Lease, error) {
	l := m.lock(leaseID)
	l.Lock()
	defer l.Unlock()

	cur, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return store.Lease{}, err
	}
	if !force && !cur.NeedsRefresh && time.Since(cur.ObservedAt) <= m.freshness {
		return cur, nil
	}
	if cur.CurrentInstanceID == "" {
		return cur, nil
	}
	prov, err := m.registry.Get(cur.ProviderName)
	if err != nil {
		return store.Lease{}, fmt.Errorf("lease %s: %w: %v", leaseID, ErrSchemaInconsistency, err)
	}
	if !prov.Capability().SupportsStatusProbe {
		return cur, nil
	}
	return m.probeLocked(ctx, prov, cur)
}

// Observe folds an externally sourced status (webhook, reconciler)
// into the state machine.
func (m *Machine) Observe(ctx context.Context, leaseID, rawStatus, source string, extra map[string]any) (store.Lease, error) {
	payload := map[string]any{"status": rawStatus}
	for k, v := range extra {
		payload[k] = v
	}
	return m.Apply(ctx, leaseID, Event{
		Type:    ObserveStatus,
		Source:  source,
		Payload: payload,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsNotFound reports whether err is the store's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
