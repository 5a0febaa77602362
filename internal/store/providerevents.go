package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProviderEvent is one raw provider-side event, persisted whether or
// not a lease matched it.
type ProviderEvent struct {
	EventID        int64
	ProviderName   string
	InstanceID     string
	EventType      string
	PayloadJSON    string
	MatchedLeaseID string
	CreatedAt      time.Time
}

// AppendProviderEvent records a raw provider event and returns its ID.
func (s *Store) AppendProviderEvent(ctx context.Context, ev ProviderEvent) (int64, error) {
	payload := ev.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_events (provider_name, instance_id, event_type, payload_json, matched_lease_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ProviderName, ev.InstanceID, ev.EventType, payload,
		nullString(ev.MatchedLeaseID), millis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("append provider event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("provider event id: %w", err)
	}
	return id, nil
}

// ListRecentProviderEvents returns the newest events first.
func (s *Store) ListRecentProviderEvents(ctx context.Context, limit int) ([]ProviderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, provider_name, instance_id, event_type, payload_json, matched_lease_id, created_at
		FROM provider_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list provider events: %w", err)
	}
	defer rows.Close()

	var events []ProviderEvent
	for rows.Next() {
		var (
			ev        ProviderEvent
			matched   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.EventID, &ev.ProviderName, &ev.InstanceID,
			&ev.EventType, &ev.PayloadJSON, &matched, &createdAt); err != nil {
			return nil, fmt.Errorf("scan provider event: %w", err)
		}
		ev.MatchedLeaseID = matched.String
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
