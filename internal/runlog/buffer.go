// Package runlog carries run events from the single producer to any
// number of stream consumers, with every event persisted before it
// becomes visible.
package runlog

import (
	"context"
	"sync"
	"time"
)

// Event is one buffered run event: the type plus its JSON data
// envelope (already carrying _seq, _run_id, and message_id).
type Event struct {
	Type string
	Seq  int64
	Data map[string]any
}

// Buffer is the in-process fan-out for one run. One producer appends;
// consumers read by cursor. Events are never removed while the buffer
// lives, so a consumer can start from any cursor.
type Buffer struct {
	mu       sync.Mutex
	events   []Event
	finished bool
	notify   chan struct{}
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{notify: make(chan struct{})}
}

// Put appends an event and wakes all waiting readers.
func (b *Buffer) Put(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.events = append(b.events, ev)
	b.wakeLocked()
}

// MarkDone marks the run finished and wakes all waiting readers.
// Idempotent.
func (b *Buffer) MarkDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	b.wakeLocked()
}

// Done reports whether the run has finished.
func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// wakeLocked closes the current notify channel and arms a new one.
func (b *Buffer) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Read returns events at cursor and the advanced cursor, blocking
// until data arrives, the run finishes, or ctx is done. An empty slice
// with a nil error means the run finished.
func (b *Buffer) Read(ctx context.Context, cursor int) ([]Event, int, error) {
	for {
		b.mu.Lock()
		if cursor < len(b.events) {
			evs := b.events[cursor:]
			b.mu.Unlock()
			return evs, cursor + len(evs), nil
		}
		if b.finished {
			b.mu.Unlock()
			return nil, cursor, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

// ReadWithTimeout is Read with a deadline; a timeout returns
// (nil, cursor, nil) so the consumer can emit a keepalive.
func (b *Buffer) ReadWithTimeout(ctx context.Context, cursor int, d time.Duration) ([]Event, int, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	evs, next, err := b.Read(tctx, cursor)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, cursor, nil
	}
	return evs, next, err
}
