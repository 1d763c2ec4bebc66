// Package llm abstracts a streaming chat-completion API with tool-use, the
// single capability the orchestration engine consumes from an LLM vendor.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/healthinsight/orchestrator/internal/tools"
)

// StopReason distinguishes why a completion stopped, so callers can tell
// "the model is done" from "the model still wants tools but the budget ran
// out" without inspecting chunk contents.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Message is one turn in the conversation sent to Complete.
type Message struct {
	Role        string // "user", "assistant", or "tool"
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is an assistant request to invoke a named tool.
type ToolCall struct {
	CallID   string
	ToolName string
	Input    json.RawMessage
}

// ToolResult is the value handed back to the model for a prior ToolCall,
// keyed by CallID.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Budget bounds a single completion call.
type Budget struct {
	MaxTokens int
}

// Request carries everything needed to start or continue one logical
// completion.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []tools.Definition
	Budget   Budget
}

// Chunk is one value yielded by a CompletionStream. Exactly one of the
// three shapes is populated: a text delta, a tool-use request, or a
// terminal summary.
type Chunk struct {
	// TextDelta is set for a streamed text fragment.
	TextDelta string

	// ToolUse is set when the model requests a tool invocation.
	ToolUse *ToolCall

	// Terminal is set on the final chunk of the stream.
	Terminal *Terminal

	// Err terminates the stream early with a classified domain.RunError
	// (RATE_LIMITED, CONTEXT_OVERFLOW, PROVIDER_ERROR, or CANCELLED). No
	// further chunks follow one with Err set.
	Err error
}

// Terminal is the summary chunk that ends a CompletionStream.
type Terminal struct {
	StopReason   StopReason
	InputTokens  int
	OutputTokens int
}

// IsTextDelta reports whether this chunk carries a text fragment.
func (c Chunk) IsTextDelta() bool { return c.ToolUse == nil && c.Terminal == nil }

// CompletionStream is a lazy finite sequence of Chunks. The channel is
// closed after the terminal chunk (or after an error) is delivered.
type CompletionStream = <-chan Chunk

// Client is the capability the rest of the engine depends on: one
// streaming completion call. Consumers reply to tool-use requests by
// supplying a follow-up Message with Role "tool" containing ToolResults
// keyed by CallID, then issuing a new Complete call with the accumulated
// message history — the client has no hidden per-call state.
type Client interface {
	Complete(ctx context.Context, req Request) (CompletionStream, error)
}

// WithCallTimeout derives a per-call context bounding a single Complete
// invocation (§6.4 per_llm_call_timeout_ms), distinct from any deadline the
// caller's ctx already carries. A non-positive timeout returns ctx
// unmodified with a no-op cancel.
func WithCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
