// Package emailbridge implements the Email → Conversation Bridge (spec
// C8): every incoming email is folded into a conversation (creating one on
// first contact with a thread) and checked against the daemon's email
// trigger rules to fire matching workflows.
package emailbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/worldline-go/types"

	"github.com/loveme/daemon/internal/domain"
)

const maxBodyRunes = 4000

const truncationMarker = "[... body truncated at 4000 characters ...]"

// ConversationStore is the subset of internal/filestore.ConversationStore
// the bridge needs.
type ConversationStore interface {
	Create(conv domain.Conversation) error
	Load(id string) (domain.Conversation, error)
	AddMessage(id string, msg domain.StoredMessage) (domain.Conversation, error)
}

// ThreadStore is the subset of internal/filestore.EmailStore covering
// thread→conversation mapping and trigger rules.
type ThreadStore interface {
	ResolveThread(providerThreadID string) (string, bool, error)
	BindThread(mapping domain.ThreadMapping) error
	ListTriggerRules() ([]domain.EmailTriggerRule, error)
}

// WorkflowLookup resolves a workflow definition by id for dispatch.
type WorkflowLookup func(id string) (domain.Workflow, error)

// Executor is the subset of internal/executor.Executor the bridge drives.
type Executor interface {
	Execute(ctx context.Context, definition domain.Workflow, triggerInfo string) (domain.WorkflowExecution, error)
}

// Bridge wires an incoming email to a conversation append and zero or more
// triggered workflow executions.
type Bridge struct {
	conversations ConversationStore
	threads       ThreadStore
	lookup        WorkflowLookup
	executor      Executor
}

// New constructs a Bridge.
func New(conversations ConversationStore, threads ThreadStore, lookup WorkflowLookup, executor Executor) *Bridge {
	return &Bridge{conversations: conversations, threads: threads, lookup: lookup, executor: executor}
}

// HandleEmail implements spec §4.8's three steps: resolve/create the
// conversation, append a formatted summary message, then evaluate trigger
// rules and dispatch matching workflows.
func (b *Bridge) HandleEmail(ctx context.Context, email domain.Email) error {
	conversationID, err := b.resolveConversation(email)
	if err != nil {
		return fmt.Errorf("emailbridge: resolve conversation: %w", err)
	}

	msg := domain.StoredMessage{
		Role:    domain.RoleUser,
		Content: formatSummary(email),
		At:      types.NewTime(time.Now().UTC()),
		Metadata: domain.MetadataMap{
			"sourceType":     domain.StringValue("email"),
			"emailThreadId":  domain.StringValue(email.ThreadID),
			"emailMessageId": domain.StringValue(email.ProviderID),
			"fromAddress":    domain.StringValue(email.From),
		},
	}
	if _, err := b.conversations.AddMessage(conversationID, msg); err != nil {
		return fmt.Errorf("emailbridge: append message: %w", err)
	}

	b.dispatchMatchingRules(ctx, email)
	return nil
}

// resolveConversation implements step 1: look up the thread mapping; if
// mapped, verify the conversation still exists (it may have been deleted
// out from under the mapping) and fall through to creating a fresh one if
// not, otherwise create + bind on first contact with the thread.
func (b *Bridge) resolveConversation(email domain.Email) (string, error) {
	if conversationID, ok, err := b.threads.ResolveThread(email.ThreadID); err != nil {
		return "", err
	} else if ok {
		if _, err := b.conversations.Load(conversationID); err == nil {
			return conversationID, nil
		}
		slog.Warn("emailbridge: mapped conversation missing, recreating", "thread_id", email.ThreadID, "conversation_id", conversationID)
	}

	conversationID := uuid.NewString()
	conv := domain.Conversation{
		ID:            conversationID,
		Title:         email.Subject,
		LastMessageAt: types.NewTime(time.Now().UTC()),
	}
	if err := b.conversations.Create(conv); err != nil {
		return "", err
	}
	if err := b.threads.BindThread(domain.ThreadMapping{ThreadID: email.ThreadID, ConversationID: conversationID}); err != nil {
		return "", err
	}
	return conversationID, nil
}

// formatSummary builds the headers/labels/attachments/body block appended
// to the conversation (step 2).
func formatSummary(email domain.Email) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", email.From)
	if len(email.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(email.To, ", "))
	}
	if len(email.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(email.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if len(email.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(email.Labels, ", "))
	}
	if len(email.Attachments) > 0 {
		names := make([]string, len(email.Attachments))
		for i, a := range email.Attachments {
			names[i] = a.Filename
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\n")
	b.WriteString(truncateBody(email.Body))
	return b.String()
}

func truncateBody(body string) string {
	runes := []rune(body)
	if len(runes) <= maxBodyRunes {
		return body
	}
	return string(runes[:maxBodyRunes]) + "\n" + truncationMarker
}

// dispatchMatchingRules implements step 3. Rules are evaluated best-effort:
// a lookup or execution failure for one rule is logged and does not stop
// evaluation of the remaining rules.
func (b *Bridge) dispatchMatchingRules(ctx context.Context, email domain.Email) {
	rules, err := b.threads.ListTriggerRules()
	if err != nil {
		slog.Error("emailbridge: list trigger rules failed", "error", err)
		return
	}

	for _, rule := range rules {
		if !rule.Enabled || !ruleMatches(rule, email) {
			continue
		}

		wf, err := b.lookup(rule.TargetWorkflowID)
		if err != nil {
			slog.Error("emailbridge: workflow lookup failed", "rule_id", rule.ID, "workflow_id", rule.TargetWorkflowID, "error", err)
			continue
		}
		if !wf.Enabled {
			continue
		}

		triggerInfo := fmt.Sprintf("email_rule:%s/email:%s", rule.ID, email.ProviderID)
		if _, err := b.executor.Execute(ctx, wf, triggerInfo); err != nil {
			slog.Error("emailbridge: execution failed", "rule_id", rule.ID, "workflow_id", wf.ID, "error", err)
		}
	}
}

// ruleMatches implements the AND-combined, absent-matches-everything
// predicate set from spec §4.8.
func ruleMatches(rule domain.EmailTriggerRule, email domain.Email) bool {
	if rule.FromContains != "" && !containsFold(email.From, rule.FromContains) {
		return false
	}
	if rule.SubjectContains != "" && !containsFold(email.Subject, rule.SubjectContains) {
		return false
	}
	if rule.BodyContains != "" && !containsFold(email.Body, rule.BodyContains) {
		return false
	}
	if rule.RequireAttachment && len(email.Attachments) == 0 {
		return false
	}
	if rule.Label != "" && !hasLabel(email.Labels, rule.Label) {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
