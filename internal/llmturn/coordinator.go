// Package llmturn implements the LLM Turn Coordinator (spec C10/§4.10):
// one user message drives a loop of {stream from the provider, intercept
// tool calls, execute them, re-enter the stream} until the model stops
// asking for tools. Grounded on the teacher's Agent.Run
// (internal/service/at.go) — append user message, loop { call provider,
// append assistant, execute any tool calls as a user-role follow-up,
// repeat until no tool calls came back } — generalized from a one-shot
// REPL call into a conversation-store-backed, broadcast-driven streaming
// turn over the llmprovider.Event vocabulary.
package llmturn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/llmprovider"
	"github.com/worldline-go/types"
)

// maxToolResultBytes / toolResultTruncationMarker match spec §8's boundary
// behavior for tool_call_done content delivered to the client.
const (
	maxToolResultBytes         = 4096
	toolResultTruncationMarker = "\n[...truncated]"
)

// Broadcaster delivers an Envelope to every client subscribed to a
// conversation (normally the Gateway).
type Broadcaster interface {
	Broadcast(conversationID string, env domain.Envelope)
}

// ConversationStore is the subset of filestore.ConversationStore the
// Coordinator needs.
type ConversationStore interface {
	Load(id string) (domain.Conversation, error)
	AddMessage(id string, msg domain.StoredMessage) (domain.Conversation, error)
}

// ToolRouter is the subset of toolrouter.Router the Coordinator needs.
type ToolRouter interface {
	List() []domain.ToolDescriptor
	LookupProvider(name string) (string, bool)
	Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error)
	ExpertInstructions() []string
}

// Coordinator drives turns for every conversation, serializing at most one
// active turn per conversation id (spec §4.10 concurrency note).
type Coordinator struct {
	conversations ConversationStore
	router        ToolRouter
	provider      llmprovider.Provider
	model         string
	broadcaster   Broadcaster

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds a Coordinator. provider/model select the single LLM backend
// this daemon instance drives turns against; switching providers is a
// restart-time configuration choice, not a per-turn one.
func New(conversations ConversationStore, router ToolRouter, provider llmprovider.Provider, model string, broadcaster Broadcaster) *Coordinator {
	return &Coordinator{
		conversations: conversations,
		router:        router,
		provider:      provider,
		model:         model,
		broadcaster:   broadcaster,
		active:        make(map[string]context.CancelFunc),
	}
}

// IsActive reports whether a turn is currently streaming for conversationID.
func (c *Coordinator) IsActive(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[conversationID]
	return ok
}

// Cancel aborts the in-flight turn for conversationID, if any. The turn's
// own goroutine is responsible for sending the client-visible error and
// leaving the conversation file consistent (spec §4.10: "aborts the
// stream and sends an error to the client without corrupting the
// conversation file").
func (c *Coordinator) Cancel(conversationID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[conversationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// StartTurn appends userMessage to the conversation and drives it to
// completion. Returns an error immediately (before any streaming begins)
// if a turn is already active for this conversation id; the Gateway is
// expected to reject the client's message in that case rather than queue
// it, per spec §4.10.
func (c *Coordinator) StartTurn(ctx context.Context, conversationID, userMessage string) error {
	turnCtx, cancel, err := c.claim(ctx, conversationID)
	if err != nil {
		return err
	}
	defer c.release(conversationID)
	defer cancel()

	if _, err := c.conversations.AddMessage(conversationID, domain.StoredMessage{
		Role:    domain.RoleUser,
		Content: userMessage,
		At:      types.NewTime(time.Now().UTC()),
	}); err != nil {
		return fmt.Errorf("llmturn: append user message: %w", err)
	}

	c.run(turnCtx, conversationID)
	return nil
}

func (c *Coordinator) claim(ctx context.Context, conversationID string) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[conversationID]; ok {
		return nil, nil, fmt.Errorf("llmturn: conversation %q already has an active turn", conversationID)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	c.active[conversationID] = cancel
	return turnCtx, cancel, nil
}

func (c *Coordinator) release(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, conversationID)
}

// run drives the multi-pass stream/tool-call loop (spec §4.10 steps 2-6).
func (c *Coordinator) run(ctx context.Context, conversationID string) {
	for {
		conv, err := c.conversations.Load(conversationID)
		if err != nil {
			c.sendError(conversationID, domain.ErrCodeStorageError, err.Error())
			return
		}

		messages := historyToMessages(conv.Messages)
		tools := c.router.List()
		systemPrompt := buildSystemPrompt(tools, c.router.ExpertInstructions())

		events, err := c.provider.Stream(ctx, c.model, messages, toProviderTools(tools), systemPrompt)
		if err != nil {
			c.sendError(conversationID, domain.ErrCodeUpstream, err.Error())
			return
		}

		ranAgain, ok := c.consume(ctx, conversationID, events)
		if !ok {
			return
		}
		if !ranAgain {
			c.broadcaster.Broadcast(conversationID, domain.Envelope{Type: domain.TypeAssistantDone, ConversationID: conversationID})
			return
		}
	}
}

type pendingToolCall struct {
	id, name, argsJSON string
}

// consume drains one pass of the streaming event iterator, appending
// messages and broadcasting client envelopes as it goes. Returns whether
// any tool calls ran (the loop in run should re-enter the stream) and
// whether the pass completed without a terminal error (false means run
// should stop entirely — the error has already been sent to the client).
func (c *Coordinator) consume(ctx context.Context, conversationID string, events <-chan llmprovider.Event) (ranTools bool, ok bool) {
	var (
		fullText      string
		thinkingStart time.Time
		pending       []pendingToolCall
	)

	for ev := range events {
		switch ev.Kind {
		case llmprovider.EventThinkingStart:
			thinkingStart = time.Now()
			c.broadcaster.Broadcast(conversationID, domain.Envelope{Type: domain.TypeThinkingChunk, ConversationID: conversationID})

		case llmprovider.EventThinkingDelta:
			c.broadcaster.Broadcast(conversationID, domain.Envelope{Type: domain.TypeThinkingChunk, ConversationID: conversationID, Content: ev.Delta})

		case llmprovider.EventThinkingDone:
			elapsed := 0.0
			if !thinkingStart.IsZero() {
				elapsed = time.Since(thinkingStart).Seconds()
			}
			c.broadcaster.Broadcast(conversationID, domain.Envelope{
				Type:           domain.TypeThinkingDone,
				ConversationID: conversationID,
				Metadata:       domain.MetadataMap{"durationSeconds": domain.DoubleValue(elapsed)},
			})

		case llmprovider.EventTextDelta:
			fullText += ev.Delta
			c.broadcaster.Broadcast(conversationID, domain.Envelope{Type: domain.TypeAssistantChunk, ConversationID: conversationID, Content: ev.Delta})

		case llmprovider.EventToolUseStart:
			providerName, _ := c.router.LookupProvider(ev.ToolName)
			c.broadcaster.Broadcast(conversationID, domain.Envelope{
				Type:           domain.TypeToolCallStart,
				ID:             ev.ToolID,
				ConversationID: conversationID,
				Metadata: domain.MetadataMap{
					"name":     domain.StringValue(ev.ToolName),
					"provider": domain.StringValue(providerName),
				},
			})

		case llmprovider.EventToolUseDone:
			pending = append(pending, pendingToolCall{id: ev.ToolID, name: ev.ToolName, argsJSON: ev.ArgumentsJSON})

		case llmprovider.EventError:
			msg := "llm stream error"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			c.sendError(conversationID, domain.ErrCodeUpstream, msg)
			return false, false
		}
	}

	if fullText != "" {
		if _, err := c.conversations.AddMessage(conversationID, domain.StoredMessage{
			Role:    domain.RoleAssistant,
			Content: fullText,
			At:      types.NewTime(time.Now().UTC()),
		}); err != nil {
			c.sendError(conversationID, domain.ErrCodeStorageError, err.Error())
			return false, false
		}
	}

	if len(pending) == 0 {
		return false, true
	}

	for _, tc := range pending {
		if !c.runToolCall(ctx, conversationID, tc) {
			return false, false
		}
	}

	return true, true
}

// runToolCall executes spec §4.10 step 5 for one pending call.
func (c *Coordinator) runToolCall(ctx context.Context, conversationID string, tc pendingToolCall) bool {
	now := types.NewTime(time.Now().UTC())
	if _, err := c.conversations.AddMessage(conversationID, domain.StoredMessage{
		Role:      domain.RoleToolUse,
		Content:   tc.argsJSON,
		At:        now,
		ToolID:    tc.id,
		ToolName:  tc.name,
		Arguments: tc.argsJSON,
	}); err != nil {
		c.sendError(conversationID, domain.ErrCodeStorageError, err.Error())
		return false
	}

	start := time.Now()
	result, err := c.router.Invoke(ctx, tc.name, json.RawMessage(tc.argsJSON))
	if err != nil {
		result = domain.ToolResult{IsError: true, Content: err.Error()}
	}
	elapsed := time.Since(start).Seconds()

	if _, err := c.conversations.AddMessage(conversationID, domain.StoredMessage{
		Role:     domain.RoleToolResult,
		Content:  result.Content,
		At:       types.NewTime(time.Now().UTC()),
		ToolID:   tc.id,
		ToolName: tc.name,
		IsError:  result.IsError,
	}); err != nil {
		c.sendError(conversationID, domain.ErrCodeStorageError, err.Error())
		return false
	}

	c.broadcaster.Broadcast(conversationID, domain.Envelope{
		Type:           domain.TypeToolCallDone,
		ID:             tc.id,
		ConversationID: conversationID,
		Content:        truncateToolResult(result.Content),
		Metadata: domain.MetadataMap{
			"name":            domain.StringValue(tc.name),
			"success":         domain.BoolValue(!result.IsError),
			"durationSeconds": domain.DoubleValue(elapsed),
		},
	})
	return true
}

func (c *Coordinator) sendError(conversationID, code, message string) {
	env := domain.ErrorEnvelope(code, message)
	env.ConversationID = conversationID
	c.broadcaster.Broadcast(conversationID, env)
}

func truncateToolResult(content string) string {
	if len(content) <= maxToolResultBytes {
		return content
	}
	return content[:maxToolResultBytes] + toolResultTruncationMarker
}

// historyToMessages flattens the conversation's stored messages into the
// vendor-agnostic text-only history llmprovider.Provider.Stream consumes.
// Full structured tool_use/tool_result content blocks (Anthropic-style
// typed arrays, OpenAI-style role:"tool" messages) are intentionally not
// reconstructed per vendor here — llmprovider.Message is a single shared
// {Role,Content} contract across all five adapters, so a tool_use/
// tool_result pair is serialized as a flat textual marker instead. The
// model sees what happened; it does not see the original wire-level
// tool-call envelope it emitted.
func historyToMessages(messages []domain.StoredMessage) []llmprovider.Message {
	out := make([]llmprovider.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleUser:
			out = append(out, llmprovider.Message{Role: "user", Content: m.Content})
		case domain.RoleAssistant:
			out = append(out, llmprovider.Message{Role: "assistant", Content: m.Content})
		case domain.RoleToolUse:
			out = append(out, llmprovider.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("[called tool %s with arguments %s]", m.ToolName, m.Arguments),
			})
		case domain.RoleToolResult:
			status := "result"
			if m.IsError {
				status = "error"
			}
			out = append(out, llmprovider.Message{
				Role:    "user",
				Content: fmt.Sprintf("[tool %s %s]: %s", m.ToolName, status, m.Content),
			})
		}
	}
	return out
}

func toProviderTools(descriptors []domain.ToolDescriptor) []llmprovider.Tool {
	out := make([]llmprovider.Tool, len(descriptors))
	for i, d := range descriptors {
		out[i] = llmprovider.Tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return out
}
