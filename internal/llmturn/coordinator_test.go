package llmturn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/llmprovider"
)

type memConversations struct {
	mu    sync.Mutex
	convs map[string]domain.Conversation
}

func newMemConversations(conv domain.Conversation) *memConversations {
	return &memConversations{convs: map[string]domain.Conversation{conv.ID: conv}}
}

func (m *memConversations) Load(id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	return c, nil
}

func (m *memConversations) AddMessage(id string, msg domain.StoredMessage) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	c.Messages = append(c.Messages, msg)
	c.LastMessageAt = msg.At
	m.convs[id] = c
	return c, nil
}

type fakeRouter struct {
	tools       []domain.ToolDescriptor
	providerFor map[string]string
	invokeFn    func(name string, args json.RawMessage) (domain.ToolResult, error)
	invoked     []string
}

func (r *fakeRouter) List() []domain.ToolDescriptor { return r.tools }
func (r *fakeRouter) LookupProvider(name string) (string, bool) {
	p, ok := r.providerFor[name]
	return p, ok
}
func (r *fakeRouter) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	r.invoked = append(r.invoked, name)
	if r.invokeFn != nil {
		return r.invokeFn(name, argumentsJSON)
	}
	return domain.ToolResult{Content: "ok"}, nil
}
func (r *fakeRouter) ExpertInstructions() []string { return nil }

type fakeProvider struct {
	mu      sync.Mutex
	passes  [][]llmprovider.Event
	callIdx int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	p.mu.Lock()
	idx := p.callIdx
	p.callIdx++
	p.mu.Unlock()

	if idx >= len(p.passes) {
		return nil, errors.New("fakeProvider: no more passes configured")
	}

	ch := make(chan llmprovider.Event, len(p.passes[idx]))
	for _, ev := range p.passes[idx] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (b *recordingBroadcaster) Broadcast(conversationID string, env domain.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.envs))
	for i, e := range b.envs {
		out[i] = e.Type
	}
	return out
}

func newConv(id string) domain.Conversation {
	return domain.Conversation{ID: id, Title: "t", LastMessageAt: types.NewTime(time.Now().UTC())}
}

func TestStartTurnSimpleTextReplyNoTools(t *testing.T) {
	convs := newMemConversations(newConv("c1"))
	router := &fakeRouter{}
	provider := &fakeProvider{passes: [][]llmprovider.Event{
		{
			{Kind: llmprovider.EventTextDelta, Delta: "Hello, "},
			{Kind: llmprovider.EventTextDelta, Delta: "world."},
		},
	}}
	bcast := &recordingBroadcaster{}

	coord := New(convs, router, provider, "model-x", bcast)
	err := coord.StartTurn(context.Background(), "c1", "hi there")
	require.NoError(t, err)

	conv, _ := convs.Load("c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello, world.", conv.Messages[1].Content)

	assert.Contains(t, bcast.types(), domain.TypeAssistantChunk)
	assert.Contains(t, bcast.types(), domain.TypeAssistantDone)
	assert.False(t, coord.IsActive("c1"))
}

func TestStartTurnRunsToolCallThenReEntersStream(t *testing.T) {
	convs := newMemConversations(newConv("c1"))
	router := &fakeRouter{
		tools:       []domain.ToolDescriptor{{Name: "clock", Description: "tells time"}},
		providerFor: map[string]string{"clock": "builtin"},
		invokeFn: func(name string, args json.RawMessage) (domain.ToolResult, error) {
			return domain.ToolResult{Content: "10:05"}, nil
		},
	}
	provider := &fakeProvider{passes: [][]llmprovider.Event{
		{
			{Kind: llmprovider.EventTextDelta, Delta: "Checking..."},
			{Kind: llmprovider.EventToolUseStart, ToolID: "t1", ToolName: "clock"},
			{Kind: llmprovider.EventToolUseDone, ToolID: "t1", ToolName: "clock", ArgumentsJSON: "{}"},
		},
		{
			{Kind: llmprovider.EventTextDelta, Delta: "It is 10:05."},
		},
	}}
	bcast := &recordingBroadcaster{}

	coord := New(convs, router, provider, "model-x", bcast)
	err := coord.StartTurn(context.Background(), "c1", "what's the time?")
	require.NoError(t, err)

	conv, _ := convs.Load("c1")
	require.Len(t, conv.Messages, 5)
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Checking...", conv.Messages[1].Content)
	assert.Equal(t, domain.RoleToolUse, conv.Messages[2].Role)
	assert.Equal(t, domain.RoleToolResult, conv.Messages[3].Role)
	assert.Equal(t, "10:05", conv.Messages[3].Content)
	assert.False(t, conv.Messages[3].IsError)
	assert.Equal(t, domain.RoleAssistant, conv.Messages[4].Role)
	assert.Equal(t, "It is 10:05.", conv.Messages[4].Content)

	assert.Equal(t, []string{"clock"}, router.invoked)

	types := bcast.types()
	assert.Contains(t, types, domain.TypeToolCallStart)
	assert.Contains(t, types, domain.TypeToolCallDone)
	assert.Contains(t, types, domain.TypeAssistantDone)
}

func TestStartTurnRejectsConcurrentTurnOnSameConversation(t *testing.T) {
	convs := newMemConversations(newConv("c1"))
	router := &fakeRouter{}
	block := make(chan struct{})
	provider := &blockingProvider{release: block}
	bcast := &recordingBroadcaster{}

	coord := New(convs, router, provider, "model-x", bcast)

	done := make(chan error, 1)
	go func() {
		done <- coord.StartTurn(context.Background(), "c1", "first")
	}()

	// wait until the first turn has claimed the conversation
	for !coord.IsActive("c1") {
		time.Sleep(time.Millisecond)
	}

	err := coord.StartTurn(context.Background(), "c1", "second")
	require.Error(t, err)

	close(block)
	require.NoError(t, <-done)
}

type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	ch := make(chan llmprovider.Event)
	go func() {
		<-p.release
		close(ch)
	}()
	return ch, nil
}

func TestTruncateToolResultAppendsMarkerPastLimit(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, truncateToolResult(short))

	long := make([]byte, maxToolResultBytes+100)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateToolResult(string(long))
	assert.True(t, len(got) > maxToolResultBytes)
	assert.Contains(t, got, toolResultTruncationMarker)
}

func TestToolResultErrorIsReflectedInConversationAndEnvelope(t *testing.T) {
	convs := newMemConversations(newConv("c1"))
	router := &fakeRouter{
		tools: []domain.ToolDescriptor{{Name: "flaky"}},
		invokeFn: func(name string, args json.RawMessage) (domain.ToolResult, error) {
			return domain.ToolResult{}, errors.New("boom")
		},
	}
	provider := &fakeProvider{passes: [][]llmprovider.Event{
		{
			{Kind: llmprovider.EventToolUseStart, ToolID: "t1", ToolName: "flaky"},
			{Kind: llmprovider.EventToolUseDone, ToolID: "t1", ToolName: "flaky", ArgumentsJSON: "{}"},
		},
		{},
	}}
	bcast := &recordingBroadcaster{}

	coord := New(convs, router, provider, "model-x", bcast)
	err := coord.StartTurn(context.Background(), "c1", "do the flaky thing")
	require.NoError(t, err)

	conv, _ := convs.Load("c1")
	var toolResult *domain.StoredMessage
	for i := range conv.Messages {
		if conv.Messages[i].Role == domain.RoleToolResult {
			toolResult = &conv.Messages[i]
		}
	}
	require.NotNil(t, toolResult)
	assert.True(t, toolResult.IsError)
	assert.Contains(t, toolResult.Content, "boom")
}
