package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sandmux/sandmux/internal/agent"
	"github.com/sandmux/sandmux/internal/id"
	"github.com/sandmux/sandmux/internal/metrics"
	"github.com/sandmux/sandmux/internal/runlog"
	"github.com/sandmux/sandmux/internal/sandbox"
	"github.com/sandmux/sandmux/internal/store"
)

// CancelledToolResult is the content written into the agent checkpoint
// for every tool call left pending at cancellation.
const CancelledToolResult = "Tool call was cancelled by the user."

// Runner produces runs: it serializes per thread, drives the agent
// graph, and emits every event through the persist-then-publish log.
type Runner struct {
	st           *store.Store
	reg          *Registry
	sandboxes    *sandbox.Manager
	graph        agent.Graph
	checkpointer agent.Checkpointer
	keepRuns     int
}

// NewRunner creates a runner. keepRuns is the per-thread retention of
// finished runs in the event log.
func NewRunner(st *store.Store, reg *Registry, sandboxes *sandbox.Manager, graph agent.Graph, cp agent.Checkpointer, keepRuns int) *Runner {
	if keepRuns < 1 {
		keepRuns = 1
	}
	return &Runner{
		st:           st,
		reg:          reg,
		sandboxes:    sandboxes,
		graph:        graph,
		checkpointer: cp,
		keepRuns:     keepRuns,
	}
}

// Registry returns the run registry.
func (r *Runner) Registry() *Registry { return r.reg }

// StartRun begins a run for the thread and returns its id and buffer.
// The producer runs in its own goroutine; if another run is in flight
// on the thread, the new producer blocks on the thread mutex until it
// finishes. Registration happens under that mutex, after the in-flight
// run has fully released the slot, so Cancel always targets the run
// that actually holds the thread. The returned buffer is live from the
// start regardless of queueing.
func (r *Runner) StartRun(ctx context.Context, threadID, input string) (string, *runlog.Buffer) {
	runID := id.NewRun()
	buf := runlog.NewBuffer()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		mu := r.reg.threadLock(threadID)
		mu.Lock()
		defer mu.Unlock()
		r.reg.register(threadID, runID, buf, cancel)
		r.produce(runCtx, threadID, runID, input, buf)
	}()
	return runID, buf
}

// Cancel cancels the thread's in-flight run.
func (r *Runner) Cancel(threadID string) bool {
	return r.reg.Cancel(threadID)
}

func (r *Runner) produce(ctx context.Context, threadID, runID, input string, buf *runlog.Buffer) {
	log := runlog.NewLog(r.st, buf, threadID, runID)
	// Post-cancellation emissions still have to persist.
	bg := context.WithoutCancel(ctx)

	metrics.ActiveRuns.Inc()
	r.reg.setState(threadID, StateActive)
	slog.Info("run started", "thread_id", threadID, "run_id", runID)

	pending := make(map[string]string)
	defer func() {
		r.finishRun(bg, threadID, runID, log, ctx.Err() != nil, pending)
	}()

	if _, err := r.sandboxes.GetSandbox(ctx, threadID); err != nil {
		r.emitError(bg, log, threadID, err)
		return
	}

	ch, err := r.graph.Stream(ctx, threadID, input)
	if err != nil {
		r.emitError(bg, log, threadID, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				if err := r.graph.Err(threadID); err != nil {
					r.emitError(bg, log, threadID, err)
				}
				return
			}
			r.emitChunk(ctx, bg, log, threadID, chunk, pending)
		}
	}
}

func (r *Runner) emitChunk(ctx, bg context.Context, log *runlog.Log, threadID string, chunk agent.Chunk, pending map[string]string) {
	switch chunk.Kind {
	case agent.ChunkText:
		if _, err := log.Append(bg, "text", map[string]any{
			"content": chunk.Content,
		}, chunk.MessageID); err != nil {
			slog.Warn("append text event", "thread_id", threadID, "error", err)
		}

	case agent.ChunkToolCall:
		pending[chunk.ToolCallID] = chunk.ToolName
		args := map[string]any{}
		if chunk.ArgsJSON != "" {
			_ = json.Unmarshal([]byte(chunk.ArgsJSON), &args)
		}
		if _, err := log.Append(bg, "tool_call", map[string]any{
			"id":   chunk.ToolCallID,
			"name": chunk.ToolName,
			"args": args,
		}, ""); err != nil {
			slog.Warn("append tool_call event", "thread_id", threadID, "error", err)
		}

	case agent.ChunkToolResult:
		delete(pending, chunk.ToolCallID)
		if _, err := log.Append(bg, "tool_result", map[string]any{
			"tool_call_id": chunk.ToolCallID,
			"name":         chunk.ToolName,
			"content":      chunk.Result,
		}, ""); err != nil {
			slog.Warn("append tool_result event", "thread_id", threadID, "error", err)
		}
		if _, err := log.Append(bg, "status", r.sandboxes.StatusSnapshot(ctx, threadID), ""); err != nil {
			slog.Warn("append status event", "thread_id", threadID, "error", err)
		}

	case agent.ChunkSubagent:
		data := make(map[string]any, len(chunk.SubData)+1)
		for k, v := range chunk.SubData {
			data[k] = v
		}
		data["parent_tool_call_id"] = chunk.ParentToolCallID
		if _, err := log.Append(bg, "subagent_"+chunk.SubEvent, data, ""); err != nil {
			slog.Warn("append subagent event", "thread_id", threadID, "error", err)
		}
	}
}

func (r *Runner) emitError(bg context.Context, log *runlog.Log, threadID string, cause error) {
	r.reg.setState(threadID, StateError)
	if _, err := log.Append(bg, "error", map[string]any{
		"error": cause.Error(),
	}, ""); err != nil {
		slog.Warn("append error event", "thread_id", threadID, "error", err)
	}
	slog.Error("run failed", "thread_id", threadID, "error", cause)
}

// finishRun is the producer's final block: on cancellation it writes
// checkpoint markers for every pending tool call and emits the
// cancelled event; always emits done, closes the buffer, releases the
// registry slot, and prunes old runs.
func (r *Runner) finishRun(bg context.Context, threadID, runID string, log *runlog.Log, cancelled bool, pending map[string]string) {
	if cancelled {
		r.reg.setState(threadID, StateSuspended)
		ids := make([]string, 0, len(pending))
		results := make([]agent.ToolResult, 0, len(pending))
		for tcID, name := range pending {
			ids = append(ids, tcID)
			results = append(results, agent.ToolResult{
				ToolCallID: tcID,
				Name:       name,
				Content:    CancelledToolResult,
			})
		}
		if len(results) > 0 && r.checkpointer != nil {
			if err := r.checkpointer.AppendToolResults(bg, threadID, results); err != nil {
				slog.Warn("checkpoint cancellation markers", "thread_id", threadID, "error", err)
			}
		}
		if _, err := log.Append(bg, "cancelled", map[string]any{
			"cancelled_tool_call_ids": ids,
		}, ""); err != nil {
			slog.Warn("append cancelled event", "thread_id", threadID, "error", err)
		}
	} else if r.reg.State(threadID) == StateActive {
		r.reg.setState(threadID, StateIdle)
	}

	if _, err := log.Append(bg, "done", map[string]any{
		"thread_id": threadID,
	}, ""); err != nil {
		slog.Warn("append done event", "thread_id", threadID, "error", err)
	}
	log.MarkDone()
	r.reg.finish(threadID, runID)
	log.Prune(bg, r.keepRuns)
	metrics.ActiveRuns.Dec()
	slog.Info("run finished", "thread_id", threadID, "run_id", runID, "cancelled", cancelled)
}

// DeleteThread cascades a thread deletion: cancel the in-flight run,
// drop run state, delete the thread's rows from every table carrying a
// thread_id, and destroy its compute.
func (r *Runner) DeleteThread(ctx context.Context, threadID string) error {
	if r.reg.Cancel(threadID) {
		// Give the producer a moment to flush its final events before
		// the rows underneath are deleted.
		if buf, _, ok := r.reg.Buffer(threadID); ok {
			wait, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, _, _ = buf.Read(wait, 1<<30)
			cancel()
		}
	}
	r.reg.forget(threadID)

	if err := r.sandboxes.DestroyThreadResources(ctx, threadID); err != nil {
		return err
	}
	if err := r.st.DeleteRunEventsByThread(ctx, threadID); err != nil {
		return err
	}
	if err := r.st.DeleteCommandsByThread(ctx, threadID); err != nil {
		return err
	}
	if err := r.st.DeleteSessionsByThread(ctx, threadID); err != nil {
		return err
	}
	slog.Info("thread deleted", "thread_id", threadID)
	return nil
}
