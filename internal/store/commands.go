package store

import (
	"context"
	"fmt"
	"time"
)

// StartCommand logs a command as running against a terminal.
func (s *Store) StartCommand(ctx context.Context, commandID, terminalID, threadID, leaseID, command string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_commands (command_id, terminal_id, thread_id, lease_id, command, status, started_at)
		VALUES (?, ?, ?, ?, ?, 'running', ?)`,
		commandID, terminalID, threadID, leaseID, command, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	return nil
}

// FinishCommand marks a command as done with its exit code.
func (s *Store) FinishCommand(ctx context.Context, commandID string, exitCode int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE terminal_commands SET status = 'done', exit_code = ?, finished_at = ?
		WHERE command_id = ?`,
		exitCode, millis(time.Now()), commandID)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	return nil
}

// TerminalBusy reports whether the terminal has a running command.
func (s *Store) TerminalBusy(ctx context.Context, terminalID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM terminal_commands WHERE terminal_id = ? AND status = 'running'`,
		terminalID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("terminal busy: %w", err)
	}
	return n > 0, nil
}

// LeaseBusy reports whether any terminal under the lease has a
// running command.
func (s *Store) LeaseBusy(ctx context.Context, leaseID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM terminal_commands WHERE lease_id = ? AND status = 'running'`,
		leaseID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lease busy: %w", err)
	}
	return n > 0, nil
}

// DeleteCommandsByThread removes a thread's command log rows.
func (s *Store) DeleteCommandsByThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM terminal_commands WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete commands by thread: %w", err)
	}
	return nil
}
