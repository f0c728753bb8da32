// Package llmprovider declares the streaming-event vocabulary the LLM
// Turn Coordinator (internal/llmturn) consumes, generalized from the
// teacher's service.LLMStreamProvider/StreamChunk pair
// (internal/service/at.go) into the discrete event kinds spec §4.10 names
// explicitly (thinking/text/tool-use/error) instead of one flat struct
// with optional fields.
package llmprovider

import "context"

// Message is one turn of conversation history sent to the provider.
type Message struct {
	Role    string
	Content string
}

// Tool is one entry of the Tool Router's current tool list, translated
// into the shape a provider's function-calling API expects.
type Tool struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON schema
}

// EventKind tags one event yielded by a Stream.
type EventKind string

const (
	EventThinkingStart EventKind = "thinking_start"
	EventThinkingDelta EventKind = "thinking_delta"
	EventThinkingDone  EventKind = "thinking_done"
	EventTextDelta     EventKind = "text_delta"
	EventToolUseStart  EventKind = "tool_use_start"
	EventToolUseDone   EventKind = "tool_use_done"
	EventError         EventKind = "error"
)

// Event is one item of the streaming event iterator spec §4.10 step 3
// describes. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Delta is the incremental text for thinking_delta/text_delta.
	Delta string

	// ToolID/ToolName identify a tool_use_start/tool_use_done event.
	ToolID   string
	ToolName string
	// ArgumentsJSON is populated on tool_use_done.
	ArgumentsJSON string

	Err error
}

// Provider is the normalized, vendor-agnostic streaming chat API every
// adapter in internal/llmprovider/{antropic,openai,gemini,ollama,vertex}
// implements.
type Provider interface {
	// Name identifies the provider for expert-instruction lookup and
	// client-visible tool_call_start attribution (spec §4.10 step 3).
	Name() string

	// Stream sends one request and returns a channel of Events, closed
	// when the stream ends (either a terminal textDelta/toolUse sequence
	// completes, or an error event was emitted). The channel is always
	// drained to completion or ctx cancellation by the caller.
	Stream(ctx context.Context, model string, messages []Message, tools []Tool, systemPrompt string) (<-chan Event, error)
}
