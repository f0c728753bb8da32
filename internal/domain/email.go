package domain

import "github.com/worldline-go/types"

// Attachment describes one MIME part of an Email without carrying its bytes
// inline; the bytes live under attachments/<emailId>/<sanitized-filename>.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Email is the daemon's normalized view of one inbound mail message; the
// poller is the only producer, built from whatever wire format the upstream
// mailbox provider (§6) speaks.
type Email struct {
	ProviderID  string       `json:"provider_id"`
	ThreadID    string       `json:"thread_id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	ReceivedAt  types.Time   `json:"received_at"`
	Labels      []string     `json:"labels"`
}

// Watermark is the poller's persisted position in the provider's message
// stream; owned exclusively by the Poller.
type Watermark struct {
	LastSeenID      string     `json:"last_seen_id"`
	LastSeenAt      types.Null[types.Time] `json:"last_seen_at"`
	TotalProcessed  int        `json:"total_processed"`
}

// EmailTriggerRule binds mail conditions to a workflow. Absent predicates
// match everything; present predicates combine with AND.
type EmailTriggerRule struct {
	ID               string `json:"id"`
	TargetWorkflowID string `json:"target_workflow_id"`
	Enabled          bool   `json:"enabled"`

	FromContains    string `json:"from_contains,omitempty"`
	SubjectContains string `json:"subject_contains,omitempty"`
	BodyContains    string `json:"body_contains,omitempty"`
	RequireAttachment bool `json:"require_attachment,omitempty"`
	Label           string `json:"label,omitempty"` // exact match
}

// ThreadMapping persists the function providerThreadID -> conversationID.
type ThreadMapping struct {
	ThreadID       string `json:"thread_id"`
	ConversationID string `json:"conversation_id"`
}
