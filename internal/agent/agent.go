// Package agent defines the contract between the run producer and the
// external agent graph that generates model output and tool traffic.
// The engine only consumes this interface; graph construction lives
// with the caller.
package agent

import "context"

// Chunk kinds emitted by a graph stream.
const (
	ChunkText       = "text"
	ChunkToolCall   = "tool_call"
	ChunkToolResult = "tool_result"
	ChunkSubagent   = "subagent"
)

// Chunk is one unit of streamed agent output.
type Chunk struct {
	Kind string

	// text
	Content   string
	MessageID string

	// tool_call / tool_result
	ToolCallID string
	ToolName   string
	ArgsJSON   string
	Result     string

	// subagent forwarding
	SubEvent         string
	SubData          map[string]any
	ParentToolCallID string
}

// Graph streams agent output for one thread.
type Graph interface {
	// Stream begins a turn. The channel closes when the turn ends;
	// Err then reports any terminal failure of that turn.
	Stream(ctx context.Context, threadID, input string) (<-chan Chunk, error)

	// Err reports the terminal error of the most recent stream on the
	// thread, nil on clean completion.
	Err(threadID string) error
}

// ToolResult is one synthetic tool result written into the agent's
// checkpoint.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
}

// Checkpointer persists synthetic tool results so the next resume sees
// explicit outcomes for tool calls that never completed.
type Checkpointer interface {
	AppendToolResults(ctx context.Context, threadID string, results []ToolResult) error
}
