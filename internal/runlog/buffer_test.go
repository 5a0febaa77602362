package runlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_ReadFromCursor(t *testing.T) {
	b := NewBuffer()
	b.Put(Event{Type: "text", Seq: 1})
	b.Put(Event{Type: "text", Seq: 2})
	b.Put(Event{Type: "done", Seq: 3})

	evs, cursor, err := b.Read(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, 3, cursor)

	// A second consumer starting mid-stream sees only the tail.
	evs, cursor, err = b.Read(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "done", evs[0].Type)
	assert.Equal(t, 3, cursor)
}

func TestBuffer_ReadBlocksUntilPut(t *testing.T) {
	b := NewBuffer()

	got := make(chan Event, 1)
	go func() {
		evs, _, err := b.Read(context.Background(), 0)
		if err == nil && len(evs) > 0 {
			got <- evs[0]
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.Put(Event{Type: "text", Seq: 1})

	select {
	case ev := <-got:
		assert.Equal(t, int64(1), ev.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("reader never woke")
	}
}

func TestBuffer_FinishedReturnsEmptyNil(t *testing.T) {
	b := NewBuffer()
	b.Put(Event{Type: "text", Seq: 1})
	b.MarkDone()
	b.MarkDone() // idempotent

	evs, cursor, err := b.Read(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	evs, _, err = b.Read(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, evs, "empty slice with nil error signals finish")
	assert.True(t, b.Done())
}

func TestBuffer_PutAfterDoneDropped(t *testing.T) {
	b := NewBuffer()
	b.MarkDone()
	b.Put(Event{Type: "text", Seq: 1})

	evs, _, err := b.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestBuffer_ReadWithTimeoutKeepalive(t *testing.T) {
	b := NewBuffer()

	start := time.Now()
	evs, cursor, err := b.ReadWithTimeout(context.Background(), 0, 50*time.Millisecond)
	require.NoError(t, err, "timeout is not an error")
	assert.Nil(t, evs)
	assert.Equal(t, 0, cursor)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBuffer_ReadWithTimeoutCallerCancel(t *testing.T) {
	b := NewBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := b.ReadWithTimeout(ctx, 0, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
