package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat session statuses.
const (
	SessionActive = "active"
	SessionIdle   = "idle"
	SessionPaused = "paused"
	SessionClosed = "closed"
	SessionFailed = "failed"
)

// Session is a policy window binding a thread to (terminal, lease,
// runtime) with idle/duration TTLs.
type Session struct {
	ChatSessionID  string
	ThreadID       string
	TerminalID     string
	LeaseID        string
	RuntimeID      string
	Status         string
	IdleTTLSec     int64
	MaxDurationSec int64
	StartedAt      time.Time
	LastActiveAt   time.Time
	EndedAt        time.Time
	CloseReason    string
}

const sessionColumns = `chat_session_id, thread_id, terminal_id, lease_id, runtime_id,
	status, idle_ttl_sec, max_duration_sec, started_at, last_active_at, ended_at, close_reason`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		sess         Session
		startedAt    int64
		lastActiveAt int64
		endedAt      sql.NullInt64
		closeReason  sql.NullString
	)
	err := row.Scan(&sess.ChatSessionID, &sess.ThreadID, &sess.TerminalID,
		&sess.LeaseID, &sess.RuntimeID, &sess.Status, &sess.IdleTTLSec,
		&sess.MaxDurationSec, &startedAt, &lastActiveAt, &endedAt, &closeReason)
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = fromMillis(startedAt)
	sess.LastActiveAt = fromMillis(lastActiveAt)
	sess.EndedAt = fromNullMillis(endedAt)
	sess.CloseReason = closeReason.String
	return sess, nil
}

// CreateSessionSuperseding closes any live session for the thread with
// close_reason 'superseded' and inserts the new one, in a single
// transaction. The partial unique index on live sessions makes a
// concurrent double-insert fail instead of silently racing.
func (s *Store) CreateSessionSuperseding(ctx context.Context, sess Session) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := millis(time.Now())
		_, err := tx.ExecContext(ctx, `
			UPDATE chat_sessions
			SET status = 'closed', close_reason = 'superseded', ended_at = ?
			WHERE thread_id = ? AND status IN ('active', 'idle', 'paused')`,
			now, sess.ThreadID)
		if err != nil {
			return fmt.Errorf("supersede sessions: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_sessions
				(chat_session_id, thread_id, terminal_id, lease_id, runtime_id,
				 status, idle_ttl_sec, max_duration_sec, started_at, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ChatSessionID, sess.ThreadID, sess.TerminalID, sess.LeaseID,
			sess.RuntimeID, sess.Status, sess.IdleTTLSec, sess.MaxDurationSec,
			now, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetLiveSessionByThread returns the single live (active/idle/paused)
// session for a thread.
func (s *Store) GetLiveSessionByThread(ctx context.Context, threadID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE thread_id = ? AND status IN ('active', 'idle', 'paused')`, threadID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get live session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE chat_session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListLiveSessions returns every live session in the store.
func (s *Store) ListLiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE status IN ('active', 'idle', 'paused') ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CountLiveSessionsByLease counts live sessions sharing a lease,
// excluding the given session.
func (s *Store) CountLiveSessionsByLease(ctx context.Context, leaseID, excludeSessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_sessions
		WHERE lease_id = ? AND chat_session_id != ?
		  AND status IN ('active', 'idle', 'paused')`,
		leaseID, excludeSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live sessions by lease: %w", err)
	}
	return n, nil
}

// sessionEdges is the legal status transition table. Closed is
// terminal; everything that can close does so through CloseSession.
var sessionEdges = map[string]map[string]bool{
	SessionActive: {SessionIdle: true, SessionPaused: true, SessionFailed: true, SessionClosed: true},
	SessionIdle:   {SessionActive: true, SessionClosed: true},
	SessionPaused: {SessionActive: true, SessionClosed: true},
	SessionFailed: {SessionClosed: true},
}

// SessionTransitionLegal reports whether from -> to is in the table.
func SessionTransitionLegal(from, to string) bool {
	return sessionEdges[from][to]
}

// IllegalSessionTransitionError reports a status change outside the
// transition table.
type IllegalSessionTransitionError struct {
	SessionID string
	From      string
	To        string
}

func (e *IllegalSessionTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// UpdateSessionStatus persists a status transition. Transitions outside
// the table are hard errors and leave the row untouched.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !SessionTransitionLegal(sess.Status, status) {
		return &IllegalSessionTransitionError{SessionID: sessionID, From: sess.Status, To: status}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status = ? WHERE chat_session_id = ? AND status = ?`,
		status, sessionID, sess.Status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// TouchSession updates last_active_at to now.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_active_at = ? WHERE chat_session_id = ?`,
		millis(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// CloseSession transitions a session to closed with the given reason.
// Already-closed sessions are left untouched.
func (s *Store) CloseSession(ctx context.Context, sessionID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = 'closed', close_reason = ?, ended_at = ?
		WHERE chat_session_id = ? AND status IN ('active', 'idle', 'paused', 'failed')`,
		reason, millis(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// DeleteSessionsByThread removes all of a thread's session rows.
func (s *Store) DeleteSessionsByThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete sessions by thread: %w", err)
	}
	return nil
}
