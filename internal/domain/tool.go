package domain

import "encoding/json"

// ToolDescriptor is what the Tool Router exposes per registered tool: enough
// for an LLM system prompt to decide when to call it, and enough for the
// Router to route an invocation to the right provider.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	ProviderName string          `json:"provider_name"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}
