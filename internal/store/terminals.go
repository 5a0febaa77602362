package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStaleTerminalState is returned when an update would not strictly
// increase state_version (a concurrent writer got there first).
var ErrStaleTerminalState = errors.New("store: stale terminal state")

// Terminal is the durable snapshot of shell state for one terminal.
type Terminal struct {
	TerminalID   string
	ThreadID     string
	LeaseID      string
	IsDefault    bool
	Cwd          string
	EnvDelta     map[string]string
	StateVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const terminalColumns = `terminal_id, thread_id, lease_id, is_default, cwd,
	env_delta_json, state_version, created_at, updated_at`

func scanTerminal(row interface{ Scan(...any) error }) (Terminal, error) {
	var (
		t         Terminal
		isDefault int64
		envJSON   string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&t.TerminalID, &t.ThreadID, &t.LeaseID, &isDefault,
		&t.Cwd, &envJSON, &t.StateVersion, &createdAt, &updatedAt)
	if err != nil {
		return Terminal{}, err
	}
	t.IsDefault = isDefault != 0
	if err := json.Unmarshal([]byte(envJSON), &t.EnvDelta); err != nil {
		return Terminal{}, fmt.Errorf("decode env delta: %w", err)
	}
	if t.EnvDelta == nil {
		t.EnvDelta = map[string]string{}
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

// CreateTerminal inserts a terminal row. EnvDelta is deep-copied via
// JSON encoding, so forks never alias the source snapshot.
func (s *Store) CreateTerminal(ctx context.Context, t Terminal) error {
	envJSON, err := json.Marshal(t.EnvDelta)
	if err != nil {
		return fmt.Errorf("encode env delta: %w", err)
	}
	isDefault := 0
	if t.IsDefault {
		isDefault = 1
	}
	now := millis(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO abstract_terminals
			(terminal_id, thread_id, lease_id, is_default, cwd, env_delta_json, state_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TerminalID, t.ThreadID, t.LeaseID, isDefault, t.Cwd, string(envJSON),
		t.StateVersion, now, now)
	if err != nil {
		return fmt.Errorf("create terminal: %w", err)
	}
	return nil
}

// GetTerminal returns a terminal by ID.
func (s *Store) GetTerminal(ctx context.Context, terminalID string) (Terminal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+terminalColumns+` FROM abstract_terminals WHERE terminal_id = ?`, terminalID)
	t, err := scanTerminal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Terminal{}, fmt.Errorf("terminal %s: %w", terminalID, ErrNotFound)
	}
	if err != nil {
		return Terminal{}, fmt.Errorf("get terminal: %w", err)
	}
	return t, nil
}

// GetDefaultTerminal returns the thread's default terminal.
func (s *Store) GetDefaultTerminal(ctx context.Context, threadID string) (Terminal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+terminalColumns+` FROM abstract_terminals
		 WHERE thread_id = ? AND is_default = 1`, threadID)
	t, err := scanTerminal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Terminal{}, ErrNotFound
	}
	if err != nil {
		return Terminal{}, fmt.Errorf("get default terminal: %w", err)
	}
	return t, nil
}

// ListTerminalsByThread returns all terminals owned by a thread.
func (s *Store) ListTerminalsByThread(ctx context.Context, threadID string) ([]Terminal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+terminalColumns+` FROM abstract_terminals
		 WHERE thread_id = ? ORDER BY created_at`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var terms []Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// UpdateTerminalState persists a new (cwd, env_delta) snapshot. The
// write is guarded so state_version strictly increases: the caller
// passes the version it read, and the row is only updated if that is
// still current.
func (s *Store) UpdateTerminalState(ctx context.Context, terminalID string, cwd string, envDelta map[string]string, readVersion int64) (int64, error) {
	envJSON, err := json.Marshal(envDelta)
	if err != nil {
		return 0, fmt.Errorf("encode env delta: %w", err)
	}
	newVersion := readVersion + 1
	res, err := s.db.ExecContext(ctx, `
		UPDATE abstract_terminals
		SET cwd = ?, env_delta_json = ?, state_version = ?, updated_at = ?
		WHERE terminal_id = ? AND state_version = ?`,
		cwd, string(envJSON), newVersion, millis(time.Now()),
		terminalID, readVersion)
	if err != nil {
		return 0, fmt.Errorf("update terminal state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update terminal state: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("terminal %s at version %d: %w", terminalID, readVersion, ErrStaleTerminalState)
	}
	return newVersion, nil
}

// DeleteTerminal removes one terminal row.
func (s *Store) DeleteTerminal(ctx context.Context, terminalID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM abstract_terminals WHERE terminal_id = ?`, terminalID); err != nil {
		return fmt.Errorf("delete terminal: %w", err)
	}
	return nil
}

// DeleteTerminalsByThread removes all of a thread's terminal rows.
func (s *Store) DeleteTerminalsByThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM abstract_terminals WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete terminals by thread: %w", err)
	}
	return nil
}

// ListThreadsByLease returns the distinct threads whose terminals
// reference the lease.
func (s *Store) ListThreadsByLease(ctx context.Context, leaseID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT thread_id FROM abstract_terminals WHERE lease_id = ?`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("list threads by lease: %w", err)
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}
