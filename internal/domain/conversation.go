package domain

import "github.com/worldline-go/types"

// Role tags a StoredMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleToolUse   Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// StoredMessage is one entry of a Conversation's append-only log.
type StoredMessage struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	At        types.Time     `json:"at"`
	Metadata  MetadataMap    `json:"metadata,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`   // tool_use / tool_result
	ToolName  string         `json:"tool_name,omitempty"` // tool_use / tool_result
	Arguments string         `json:"arguments,omitempty"` // tool_use, raw JSON
	IsError   bool           `json:"is_error,omitempty"`  // tool_result
}

// Conversation is the durable ordered sequence of messages the Turn
// Coordinator and the Email Bridge both append to.
type Conversation struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	LastMessageAt types.Time      `json:"last_message_at"`
	Messages      []StoredMessage `json:"messages"`
}

// ConversationSummary is the projection used by listAll, sorted by
// LastMessageAt descending by the caller.
type ConversationSummary struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	LastMessageAt types.Time `json:"last_message_at"`
	MessageCount  int        `json:"message_count"`
}

func (c Conversation) ToSummary() ConversationSummary {
	return ConversationSummary{
		ID:            c.ID,
		Title:         c.Title,
		LastMessageAt: c.LastMessageAt,
		MessageCount:  len(c.Messages),
	}
}
