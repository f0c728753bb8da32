package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loveme/daemon/internal/domain"
)

// Sender is the minimal capability the built-in email provider needs; it is
// satisfied by internal/emailpoller's MailSender so toolrouter never
// imports the poller package directly (cmd/lovemed builds the provider
// around that sender and registers it with the Router).
type Sender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// EmailProvider is the in-process built-in tool provider (spec §4.1: "the
// email provider is in-process"). It exposes one tool, send_email, used by
// workflow steps and the LLM turn loop to send mail on the daemon's behalf.
type EmailProvider struct {
	sender Sender
}

// NewEmailProvider wraps sender as the "email" tool provider.
func NewEmailProvider(sender Sender) *EmailProvider {
	return &EmailProvider{sender: sender}
}

func (p *EmailProvider) Name() string { return "email" }

// ExpertInstructions implements toolrouter.ExpertInstructor, contributing a
// short usage note to the Turn Coordinator's system prompt (spec §4.10
// step 2) about the one quirk send_email's schema doesn't capture: it
// only ever sends plain text, never HTML or attachments.
func (p *EmailProvider) ExpertInstructions() string {
	return "send_email delivers plain text only; never include markdown or HTML markup in body."
}

func (p *EmailProvider) Tools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return []domain.ToolDescriptor{{
		Name:        "send_email",
		Description: "Sends a plain-text email from the daemon's configured mailbox.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "array", "items": {"type": "string"}},
				"subject": {"type": "string"},
				"body": {"type": "string"}
			},
			"required": ["to", "subject", "body"]
		}`),
	}}, nil
}

type sendEmailArgs struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

func (p *EmailProvider) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	if name != "send_email" {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("email provider has no tool %q", name)}, nil
	}

	var args sendEmailArgs
	if err := json.Unmarshal(argumentsJSON, &args); err != nil {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("decode arguments: %v", err)}, nil
	}
	if len(args.To) == 0 || args.Subject == "" {
		return domain.ToolResult{IsError: true, Content: "send_email requires non-empty to[] and subject"}, nil
	}

	if err := p.sender.SendEmail(ctx, args.To, args.Subject, args.Body); err != nil {
		return domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return domain.ToolResult{Content: "sent"}, nil
}
