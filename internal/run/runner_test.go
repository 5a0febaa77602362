package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandmux/sandmux/internal/agent"
	"github.com/sandmux/sandmux/internal/db"
	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/provider/providertest"
	"github.com/sandmux/sandmux/internal/runlog"
	"github.com/sandmux/sandmux/internal/sandbox"
	"github.com/sandmux/sandmux/internal/session"
	"github.com/sandmux/sandmux/internal/store"
	"github.com/sandmux/sandmux/internal/util/testutil"
)

// scriptedGraph replays a fixed chunk sequence per Stream call. When
// hold is set the stream emits its chunks then blocks until the run
// context is cancelled, which is how the cancellation tests keep tool
// calls pending.
type scriptedGraph struct {
	mu     sync.Mutex
	chunks []agent.Chunk
	hold   bool
	errs   map[string]error
}

func (g *scriptedGraph) Stream(ctx context.Context, threadID, input string) (<-chan agent.Chunk, error) {
	ch := make(chan agent.Chunk)
	go func() {
		defer close(ch)
		for _, c := range g.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if g.hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (g *scriptedGraph) Err(threadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.errs == nil {
		return nil
	}
	return g.errs[threadID]
}

type recordingCheckpointer struct {
	mu      sync.Mutex
	results []agent.ToolResult
}

func (c *recordingCheckpointer) AppendToolResults(ctx context.Context, threadID string, results []agent.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, results...)
	return nil
}

func (c *recordingCheckpointer) all() []agent.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.ToolResult(nil), c.results...)
}

func newTestRunner(t *testing.T, graph agent.Graph, cp agent.Checkpointer) (*Runner, *store.Store) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	fake := providertest.New("fake")
	reg := provider.NewRegistry()
	reg.Register(fake)
	machine := lease.NewMachine(st, reg, time.Second)
	sessions := session.NewManager(st, machine, reg, "/bin/sh")
	policy := session.Policy{IdleTTL: 300 * time.Second, MaxDuration: 24 * time.Hour}
	sandboxes := sandbox.NewManager(st, machine, reg, sessions, "fake", policy)
	return NewRunner(st, NewRegistry(), sandboxes, graph, cp, 5), st
}

func drain(t *testing.T, buf *runlog.Buffer) []runlog.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []runlog.Event
	cursor := 0
	for {
		evs, next, err := buf.Read(ctx, cursor)
		require.NoError(t, err)
		if len(evs) == 0 {
			return out
		}
		out = append(out, evs...)
		cursor = next
	}
}

func TestRun_TextChunksAndDone(t *testing.T) {
	graph := &scriptedGraph{chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "abc", MessageID: "msg_1"},
		{Kind: agent.ChunkText, Content: "def", MessageID: "msg_1"},
		{Kind: agent.ChunkText, Content: "ghi", MessageID: "msg_1"},
	}}
	r, st := newTestRunner(t, graph, nil)

	runID, buf := r.StartRun(context.Background(), "thread-A", "hello")
	require.NotEmpty(t, runID)

	evs := drain(t, buf)
	require.Len(t, evs, 4)
	for i, content := range []string{"abc", "def", "ghi"} {
		assert.Equal(t, "text", evs[i].Type)
		assert.Equal(t, content, evs[i].Data["content"])
		assert.Equal(t, runID, evs[i].Data["_run_id"])
	}
	assert.Equal(t, "done", evs[3].Type)

	// Seqs are strictly increasing and persisted.
	rows, err := st.ListRunEventsAfter(context.Background(), "thread-A", "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].Seq, rows[i-1].Seq)
	}

	assert.Equal(t, StateIdle, r.Registry().State("thread-A"))
}

func TestRun_ConsumerAfterCursorSkipsConsumed(t *testing.T) {
	graph := &scriptedGraph{chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "abc"},
		{Kind: agent.ChunkText, Content: "def"},
		{Kind: agent.ChunkText, Content: "ghi"},
	}}
	r, _ := newTestRunner(t, graph, nil)

	_, buf := r.StartRun(context.Background(), "thread-A", "hello")
	evs := drain(t, buf)
	require.Len(t, evs, 4)
	firstSeq := evs[0].Seq

	// A consumer resuming after the first seq sees exactly the tail.
	var tail []runlog.Event
	for _, ev := range drain(t, buf) {
		if ev.Seq > firstSeq {
			tail = append(tail, ev)
		}
	}
	require.Len(t, tail, 3)
	assert.Equal(t, "def", tail[0].Data["content"])
	assert.Equal(t, "ghi", tail[1].Data["content"])
	assert.Equal(t, "done", tail[2].Type)
}

func TestRun_ToolCallResultEmitsStatus(t *testing.T) {
	graph := &scriptedGraph{chunks: []agent.Chunk{
		{Kind: agent.ChunkToolCall, ToolCallID: "tc_1", ToolName: "bash", ArgsJSON: `{"command": "ls"}`},
		{Kind: agent.ChunkToolResult, ToolCallID: "tc_1", ToolName: "bash", Result: "ok"},
	}}
	r, _ := newTestRunner(t, graph, nil)

	_, buf := r.StartRun(context.Background(), "thread-A", "run ls")
	evs := drain(t, buf)
	require.Len(t, evs, 4)

	assert.Equal(t, "tool_call", evs[0].Type)
	assert.Equal(t, "tc_1", evs[0].Data["id"])
	assert.Equal(t, map[string]any{"command": "ls"}, evs[0].Data["args"])

	assert.Equal(t, "tool_result", evs[1].Type)
	assert.Equal(t, "ok", evs[1].Data["content"])

	// Every tool result is chased by a status snapshot.
	assert.Equal(t, "status", evs[2].Type)
	assert.Equal(t, "thread-A", evs[2].Data["thread_id"])
	assert.NotEmpty(t, evs[2].Data["session_id"])

	assert.Equal(t, "done", evs[3].Type)
}

func TestRun_SubagentEventsPrefixed(t *testing.T) {
	graph := &scriptedGraph{chunks: []agent.Chunk{
		{
			Kind:             agent.ChunkSubagent,
			SubEvent:         "text",
			SubData:          map[string]any{"content": "sub says hi"},
			ParentToolCallID: "tc_parent",
		},
	}}
	r, _ := newTestRunner(t, graph, nil)

	_, buf := r.StartRun(context.Background(), "thread-A", "spawn")
	evs := drain(t, buf)
	require.Len(t, evs, 2)
	assert.Equal(t, "subagent_text", evs[0].Type)
	assert.Equal(t, "sub says hi", evs[0].Data["content"])
	assert.Equal(t, "tc_parent", evs[0].Data["parent_tool_call_id"])
}

func TestRun_CancellationCheckpointsPendingToolCalls(t *testing.T) {
	graph := &scriptedGraph{
		chunks: []agent.Chunk{
			{Kind: agent.ChunkToolCall, ToolCallID: "tc_1", ToolName: "bash", ArgsJSON: `{}`},
		},
		hold: true,
	}
	cp := &recordingCheckpointer{}
	r, _ := newTestRunner(t, graph, cp)

	_, buf := r.StartRun(context.Background(), "thread-A", "long task")

	// Wait for the tool call to land, then cancel mid-flight.
	testutil.RequireEventually(t, func() bool {
		evs, _, err := buf.ReadWithTimeout(context.Background(), 0, 10*time.Millisecond)
		return err == nil && len(evs) > 0
	})
	require.True(t, r.Cancel("thread-A"))

	evs := drain(t, buf)
	var cancelled, done bool
	for _, ev := range evs {
		switch ev.Type {
		case "cancelled":
			cancelled = true
			assert.Equal(t, []string{"tc_1"}, ev.Data["cancelled_tool_call_ids"])
		case "done":
			done = true
		}
	}
	assert.True(t, cancelled, "cancelled event emitted")
	assert.True(t, done, "done event emitted even on cancellation")

	results := cp.all()
	require.Len(t, results, 1)
	assert.Equal(t, "tc_1", results[0].ToolCallID)
	assert.Equal(t, CancelledToolResult, results[0].Content)

	assert.Equal(t, StateSuspended, r.Registry().State("thread-A"))
}

func TestRun_CompletedToolCallNotCheckpointed(t *testing.T) {
	graph := &scriptedGraph{
		chunks: []agent.Chunk{
			{Kind: agent.ChunkToolCall, ToolCallID: "tc_1", ToolName: "bash", ArgsJSON: `{}`},
			{Kind: agent.ChunkToolResult, ToolCallID: "tc_1", ToolName: "bash", Result: "ok"},
		},
		hold: true,
	}
	cp := &recordingCheckpointer{}
	r, _ := newTestRunner(t, graph, cp)

	_, buf := r.StartRun(context.Background(), "thread-A", "task")

	testutil.RequireEventually(t, func() bool {
		evs, _, err := buf.ReadWithTimeout(context.Background(), 0, 10*time.Millisecond)
		if err != nil {
			return false
		}
		for _, ev := range evs {
			if ev.Type == "tool_result" {
				return true
			}
		}
		return false
	})
	require.True(t, r.Cancel("thread-A"))

	evs := drain(t, buf)
	for _, ev := range evs {
		if ev.Type == "cancelled" {
			assert.Empty(t, ev.Data["cancelled_tool_call_ids"])
		}
	}
	assert.Empty(t, cp.all(), "resolved tool calls need no marker")
}

func TestRun_SerializedPerThread(t *testing.T) {
	graph := &scriptedGraph{chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "turn"},
	}}
	r, st := newTestRunner(t, graph, nil)
	ctx := context.Background()

	run1, buf1 := r.StartRun(ctx, "thread-A", "one")
	run2, buf2 := r.StartRun(ctx, "thread-A", "two")
	require.NotEqual(t, run1, run2)

	drain(t, buf1)
	drain(t, buf2)

	// Both runs persisted; the second's seqs all follow the first's.
	rows, err := st.ListRunEventsAfter(ctx, "thread-A", "", 0)
	require.NoError(t, err)
	byRun := map[string][]int64{}
	for _, row := range rows {
		byRun[row.RunID] = append(byRun[row.RunID], row.Seq)
	}
	require.Len(t, byRun[run1], 2)
	require.Len(t, byRun[run2], 2)
}

func TestRun_CancelTargetsRunHoldingThread(t *testing.T) {
	graph := &scriptedGraph{
		chunks: []agent.Chunk{{Kind: agent.ChunkText, Content: "turn"}},
		hold:   true,
	}
	r, _ := newTestRunner(t, graph, nil)
	ctx := context.Background()

	run1, buf1 := r.StartRun(ctx, "thread-A", "one")
	testutil.RequireEventually(t, func() bool {
		evs, _, err := buf1.ReadWithTimeout(context.Background(), 0, 10*time.Millisecond)
		return err == nil && len(evs) > 0
	})

	// A queued run must not steal the registry slot from the run
	// holding the thread.
	run2, buf2 := r.StartRun(ctx, "thread-A", "two")
	_, current, ok := r.Registry().Buffer("thread-A")
	require.True(t, ok)
	assert.Equal(t, run1, current)

	require.True(t, r.Cancel("thread-A"))
	evs := drain(t, buf1)
	var done bool
	for _, ev := range evs {
		if ev.Type == "done" {
			done = true
		}
	}
	assert.True(t, done, "cancel reached the in-flight run")

	// The queued run takes the slot once the thread frees up and is
	// cancellable in turn.
	testutil.RequireEventually(t, func() bool {
		_, current, ok := r.Registry().Buffer("thread-A")
		return ok && current == run2
	})
	testutil.RequireEventually(t, func() bool {
		evs, _, err := buf2.ReadWithTimeout(context.Background(), 0, 10*time.Millisecond)
		return err == nil && len(evs) > 0
	})
	require.True(t, r.Cancel("thread-A"))
	drain(t, buf2)
}

func TestRun_GraphErrorEmitsErrorEvent(t *testing.T) {
	graph := &scriptedGraph{
		chunks: []agent.Chunk{{Kind: agent.ChunkText, Content: "partial"}},
		errs:   map[string]error{"thread-A": assert.AnError},
	}
	r, _ := newTestRunner(t, graph, nil)

	_, buf := r.StartRun(context.Background(), "thread-A", "fail")
	evs := drain(t, buf)

	var sawError bool
	for _, ev := range evs {
		if ev.Type == "error" {
			sawError = true
			assert.NotEmpty(t, ev.Data["error"])
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, StateError, r.Registry().State("thread-A"))
}

func TestDeleteThread_Cascades(t *testing.T) {
	graph := &scriptedGraph{chunks: []agent.Chunk{
		{Kind: agent.ChunkText, Content: "turn"},
	}}
	r, st := newTestRunner(t, graph, nil)
	ctx := context.Background()

	_, buf := r.StartRun(ctx, "thread-A", "one")
	drain(t, buf)

	require.NoError(t, r.DeleteThread(ctx, "thread-A"))

	rows, err := st.ListRunEventsAfter(ctx, "thread-A", "", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, _, ok := r.Registry().Buffer("thread-A")
	assert.False(t, ok)
}
