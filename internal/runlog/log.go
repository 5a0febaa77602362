package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/store"
)

// Log binds one run's buffer to the persistent event table. Append
// persists first and publishes second, so an event is never visible to
// a consumer before it is durable.
type Log struct {
	st       *store.Store
	buf      *Buffer
	threadID string
	runID    string
}

// NewLog creates the persist-then-publish writer for one run.
func NewLog(st *store.Store, buf *Buffer, threadID, runID string) *Log {
	return &Log{st: st, buf: buf, threadID: threadID, runID: runID}
}

// Buffer returns the underlying buffer.
func (l *Log) Buffer() *Buffer { return l.buf }

// RunID returns the run this log writes for.
func (l *Log) RunID() string { return l.runID }

// Append persists the event, injects _seq, _run_id, and message_id
// into its data envelope, and publishes it to the buffer. Returns the
// assigned seq.
func (l *Log) Append(ctx context.Context, eventType string, data map[string]any, messageID string) (int64, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal run event: %w", err)
	}
	seq, err := l.st.AppendRunEvent(ctx, l.threadID, l.runID, eventType, string(raw), messageID)
	if err != nil {
		return 0, err
	}

	data["_seq"] = seq
	data["_run_id"] = l.runID
	if messageID != "" {
		data["message_id"] = messageID
	}
	l.buf.Put(Event{Type: eventType, Seq: seq, Data: data})
	metrics.RunEventsTotal.WithLabelValues(eventType).Inc()
	return seq, nil
}

// MarkDone finishes the buffer.
func (l *Log) MarkDone() { l.buf.MarkDone() }

// Prune deletes events of runs older than the latest keep runs on the
// thread.
func (l *Log) Prune(ctx context.Context, keep int) {
	if err := l.st.CleanupOldRuns(ctx, l.threadID, keep); err != nil {
		slog.Warn("prune old runs", "thread_id", l.threadID, "error", err)
	}
}

// Replay returns the thread's persisted events with seq > afterSeq,
// rehydrated into buffer events. Used by consumers resuming after the
// in-process buffer is gone.
func Replay(ctx context.Context, st *store.Store, threadID string, afterSeq int64) ([]Event, error) {
	rows, err := st.ListRunEventsAfter(ctx, threadID, "", afterSeq)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		var data map[string]any
		if err := json.Unmarshal([]byte(row.DataJSON), &data); err != nil {
			data = map[string]any{}
		}
		data["_seq"] = row.Seq
		data["_run_id"] = row.RunID
		if row.MessageID != "" {
			data["message_id"] = row.MessageID
		}
		events = append(events, Event{Type: row.EventType, Seq: row.Seq, Data: data})
	}
	return events, nil
}
