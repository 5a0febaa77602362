package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Lease is the durable snapshot of a compute reservation.
type Lease struct {
	LeaseID           string
	ProviderName      string
	CurrentInstanceID string
	InstanceCreatedAt time.Time
	DesiredState      string
	ObservedState     string
	Version           int64
	ObservedAt        time.Time
	LastError         string
	NeedsRefresh      bool
	RefreshHintAt     time.Time
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LeaseEvent is one row of the append-only transition log.
type LeaseEvent struct {
	EventID     string
	LeaseID     string
	EventType   string
	Source      string
	PayloadJSON string
	Error       string
	CreatedAt   time.Time
}

const leaseColumns = `lease_id, provider_name, current_instance_id, instance_created_at,
	desired_state, observed_state, version, observed_at, last_error,
	needs_refresh, refresh_hint_at, status, created_at, updated_at`

func scanLease(row interface{ Scan(...any) error }) (Lease, error) {
	var (
		l             Lease
		instanceID    sql.NullString
		instCreatedAt sql.NullInt64
		observedAt    sql.NullInt64
		lastError     sql.NullString
		needsRefresh  int64
		refreshHintAt sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&l.LeaseID, &l.ProviderName, &instanceID, &instCreatedAt,
		&l.DesiredState, &l.ObservedState, &l.Version, &observedAt, &lastError,
		&needsRefresh, &refreshHintAt, &l.Status, &createdAt, &updatedAt)
	if err != nil {
		return Lease{}, err
	}
	l.CurrentInstanceID = instanceID.String
	l.InstanceCreatedAt = fromNullMillis(instCreatedAt)
	l.ObservedAt = fromNullMillis(observedAt)
	l.LastError = lastError.String
	l.NeedsRefresh = needsRefresh != 0
	l.RefreshHintAt = fromNullMillis(refreshHintAt)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return l, nil
}

// CreateLease inserts a new lease row in the detached state.
func (s *Store) CreateLease(ctx context.Context, leaseID, providerName string) error {
	now := millis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_leases (lease_id, provider_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		leaseID, providerName, now, now)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	return nil
}

// GetLease returns a lease by ID.
func (s *Store) GetLease(ctx context.Context, leaseID string) (Lease, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM sandbox_leases WHERE lease_id = ?`, leaseID)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

// FindLeaseByInstance returns the lease currently bound to the given
// provider instance, if any.
func (s *Store) FindLeaseByInstance(ctx context.Context, providerName, instanceID string) (Lease, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM sandbox_leases
		 WHERE provider_name = ? AND current_instance_id = ?`,
		providerName, instanceID)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("find lease by instance: %w", err)
	}
	return l, nil
}

// ListLeasesByProvider returns all leases for a provider.
func (s *Store) ListLeasesByProvider(ctx context.Context, providerName string) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM sandbox_leases WHERE provider_name = ?`, providerName)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var leases []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// ListLeasesNeedingRefresh returns leases flagged needs_refresh whose
// refresh hint is older than the cutoff.
func (s *Store) ListLeasesNeedingRefresh(ctx context.Context, cutoff time.Time) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM sandbox_leases
		 WHERE needs_refresh = 1
		   AND (refresh_hint_at IS NULL OR refresh_hint_at <= ?)
		   AND status = 'active'`,
		millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list leases needing refresh: %w", err)
	}
	defer rows.Close()

	var leases []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// UpdateLeaseSnapshotTx persists a full lease snapshot inside tx.
// Callers (the lease state machine) bump Version before calling.
func (s *Store) UpdateLeaseSnapshotTx(ctx context.Context, tx *sql.Tx, l Lease) error {
	needsRefresh := 0
	if l.NeedsRefresh {
		needsRefresh = 1
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE sandbox_leases SET
			current_instance_id = ?, instance_created_at = ?,
			desired_state = ?, observed_state = ?, version = ?,
			observed_at = ?, last_error = ?, needs_refresh = ?,
			refresh_hint_at = ?, status = ?, updated_at = ?
		WHERE lease_id = ?`,
		nullString(l.CurrentInstanceID), nullMillis(l.InstanceCreatedAt),
		l.DesiredState, l.ObservedState, l.Version,
		nullMillis(l.ObservedAt), nullString(l.LastError), needsRefresh,
		nullMillis(l.RefreshHintAt), l.Status, millis(time.Now()),
		l.LeaseID)
	if err != nil {
		return fmt.Errorf("update lease snapshot: %w", err)
	}
	return nil
}

// AppendLeaseEventTx appends one transition log row inside tx.
func (s *Store) AppendLeaseEventTx(ctx context.Context, tx *sql.Tx, ev LeaseEvent) error {
	payload := ev.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lease_events (event_id, lease_id, event_type, source, payload_json, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.LeaseID, ev.EventType, ev.Source, payload,
		nullString(ev.Error), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("append lease event: %w", err)
	}
	return nil
}

// ListLeaseEvents returns the most recent transition log rows for a
// lease, newest first. Ordering is by rowid so same-millisecond rows
// keep their insertion order.
func (s *Store) ListLeaseEvents(ctx context.Context, leaseID string, limit int) ([]LeaseEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, lease_id, event_type, source, payload_json, error, created_at
		FROM lease_events WHERE lease_id = ?
		ORDER BY rowid DESC LIMIT ?`,
		leaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list lease events: %w", err)
	}
	defer rows.Close()

	var events []LeaseEvent
	for rows.Next() {
		var (
			ev        LeaseEvent
			errStr    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.EventID, &ev.LeaseID, &ev.EventType, &ev.Source,
			&ev.PayloadJSON, &errStr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lease event: %w", err)
		}
		ev.Error = errStr.String
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteLease removes a lease row; instances cascade.
func (s *Store) DeleteLease(ctx context.Context, leaseID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sandbox_leases WHERE lease_id = ?`, leaseID); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// CountTerminalsByLease returns how many terminals still reference a lease.
func (s *Store) CountTerminalsByLease(ctx context.Context, leaseID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM abstract_terminals WHERE lease_id = ?`, leaseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count terminals by lease: %w", err)
	}
	return n, nil
}

// UpsertInstanceTx records the instance bound by intent.ensure_running.
func (s *Store) UpsertInstanceTx(ctx context.Context, tx *sql.Tx, instanceID, leaseID, providerSessionID string) error {
	now := millis(time.Now())
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sandbox_instances (instance_id, lease_id, provider_session_id, status, created_at, last_seen_at)
		VALUES (?, ?, ?, 'running', ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET status = 'running', last_seen_at = excluded.last_seen_at`,
		instanceID, leaseID, providerSessionID, now, now)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// UpdateInstanceStatusTx mirrors the lease observed state onto the
// instance row and refreshes last_seen_at.
func (s *Store) UpdateInstanceStatusTx(ctx context.Context, tx *sql.Tx, instanceID, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sandbox_instances SET status = ?, last_seen_at = ? WHERE instance_id = ?`,
		status, millis(time.Now()), instanceID)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

// GetInstance returns an instance row by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	var (
		inst       Instance
		createdAt  int64
		lastSeenAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, lease_id, provider_session_id, status, created_at, last_seen_at
		FROM sandbox_instances WHERE instance_id = ?`, instanceID).
		Scan(&inst.InstanceID, &inst.LeaseID, &inst.ProviderSessionID,
			&inst.Status, &createdAt, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("get instance: %w", err)
	}
	inst.CreatedAt = fromMillis(createdAt)
	inst.LastSeenAt = fromMillis(lastSeenAt)
	return inst, nil
}

// Instance is the ephemeral compute entity bound to a lease.
type Instance struct {
	InstanceID        string
	LeaseID           string
	ProviderSessionID string
	Status            string
	CreatedAt         time.Time
	LastSeenAt        time.Time
}
