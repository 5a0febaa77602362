package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunEvent is one persisted row of the run event log. Seq is the
// client-visible resume cursor and strictly increases in emission
// order.
type RunEvent struct {
	Seq       int64
	ThreadID  string
	RunID     string
	EventType string
	DataJSON  string
	MessageID string
	CreatedAt time.Time
}

// AppendRunEvent persists an event and returns its assigned seq.
func (s *Store) AppendRunEvent(ctx context.Context, threadID, runID, eventType, dataJSON, messageID string) (int64, error) {
	if dataJSON == "" {
		dataJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (thread_id, run_id, event_type, data_json, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, runID, eventType, dataJSON, nullString(messageID), millis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("append run event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run event seq: %w", err)
	}
	return seq, nil
}

// ListRunEventsAfter returns events for a thread with seq > afterSeq,
// in seq order. runID narrows to a single run when non-empty.
func (s *Store) ListRunEventsAfter(ctx context.Context, threadID, runID string, afterSeq int64) ([]RunEvent, error) {
	query := `
		SELECT seq, thread_id, run_id, event_type, data_json, message_id, created_at
		FROM run_events WHERE thread_id = ? AND seq > ?`
	args := []any{threadID, afterSeq}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var (
			ev        RunEvent
			messageID sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ThreadID, &ev.RunID, &ev.EventType,
			&ev.DataJSON, &messageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.MessageID = messageID.String
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountRunsByThread returns the number of distinct runs logged for a
// thread.
func (s *Store) CountRunsByThread(ctx context.Context, threadID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT run_id) FROM run_events WHERE thread_id = ?`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// CleanupOldRuns deletes events belonging to runs older than the most
// recent keepLatest runs on the thread. Run recency is judged by the
// highest seq each run reached.
func (s *Store) CleanupOldRuns(ctx context.Context, threadID string, keepLatest int) error {
	if keepLatest < 1 {
		keepLatest = 1
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM run_events
		WHERE thread_id = ? AND run_id NOT IN (
			SELECT run_id FROM run_events
			WHERE thread_id = ?
			GROUP BY run_id
			ORDER BY MAX(seq) DESC
			LIMIT ?
		)`,
		threadID, threadID, keepLatest)
	if err != nil {
		return fmt.Errorf("cleanup old runs: %w", err)
	}
	return nil
}

// DeleteRunEventsByThread removes every run event for a thread.
func (s *Store) DeleteRunEventsByThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_events WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete run events by thread: %w", err)
	}
	return nil
}
