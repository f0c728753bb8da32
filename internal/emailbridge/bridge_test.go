package emailbridge

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loveme/daemon/internal/domain"
)

type memConversations struct {
	mu    sync.Mutex
	convs map[string]domain.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{convs: make(map[string]domain.Conversation)}
}

func (m *memConversations) Create(conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conv.ID] = conv
	return nil
}

func (m *memConversations) Load(id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	return conv, nil
}

func (m *memConversations) AddMessage(id string, msg domain.StoredMessage) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	conv.Messages = append(conv.Messages, msg)
	m.convs[id] = conv
	return conv, nil
}

type memThreads struct {
	mu       sync.Mutex
	mappings map[string]string
	rules    []domain.EmailTriggerRule
}

func (m *memThreads) ResolveThread(threadID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.mappings[threadID]
	return id, ok, nil
}

func (m *memThreads) BindThread(mapping domain.ThreadMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mappings == nil {
		m.mappings = make(map[string]string)
	}
	m.mappings[mapping.ThreadID] = mapping.ConversationID
	return nil
}

func (m *memThreads) ListTriggerRules() ([]domain.EmailTriggerRule, error) {
	return m.rules, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExecutor) Execute(ctx context.Context, definition domain.Workflow, triggerInfo string) (domain.WorkflowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, definition.ID)
	return domain.WorkflowExecution{Status: domain.StatusCompleted}, nil
}

func TestHandleEmailCreatesConversationOnFirstContact(t *testing.T) {
	convs := newMemConversations()
	threads := &memThreads{}
	bridge := New(convs, threads, nil, &fakeExecutor{})

	email := domain.Email{ProviderID: "m1", ThreadID: "t1", From: "a@example.com", Subject: "hello"}
	require.NoError(t, bridge.HandleEmail(context.Background(), email))

	convID, ok, err := threads.ResolveThread("t1")
	require.NoError(t, err)
	require.True(t, ok)

	conv, err := convs.Load(convID)
	require.NoError(t, err)
	require.Equal(t, "hello", conv.Title)
	require.Len(t, conv.Messages, 1)
	require.Contains(t, conv.Messages[0].Content, "From: a@example.com")
}

func TestHandleEmailReusesExistingThreadMapping(t *testing.T) {
	convs := newMemConversations()
	threads := &memThreads{}
	bridge := New(convs, threads, nil, &fakeExecutor{})

	first := domain.Email{ProviderID: "m1", ThreadID: "t1", Subject: "first"}
	require.NoError(t, bridge.HandleEmail(context.Background(), first))

	second := domain.Email{ProviderID: "m2", ThreadID: "t1", Subject: "reply"}
	require.NoError(t, bridge.HandleEmail(context.Background(), second))

	convID, _, _ := threads.ResolveThread("t1")
	conv, err := convs.Load(convID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
}

func TestHandleEmailTruncatesLongBody(t *testing.T) {
	convs := newMemConversations()
	threads := &memThreads{}
	bridge := New(convs, threads, nil, &fakeExecutor{})

	body := strings.Repeat("x", maxBodyRunes+500)
	email := domain.Email{ProviderID: "m1", ThreadID: "t1", Subject: "big", Body: body}
	require.NoError(t, bridge.HandleEmail(context.Background(), email))

	convID, _, _ := threads.ResolveThread("t1")
	conv, _ := convs.Load(convID)
	require.Contains(t, conv.Messages[0].Content, "[... body truncated at 4000 characters ...]")
	require.Contains(t, conv.Messages[0].Content, truncationMarker)
}

func TestDispatchMatchingRulesExecutesEnabledMatchingWorkflow(t *testing.T) {
	convs := newMemConversations()
	threads := &memThreads{rules: []domain.EmailTriggerRule{
		{ID: "r1", TargetWorkflowID: "wf-1", Enabled: true, SubjectContains: "invoice"},
		{ID: "r2", TargetWorkflowID: "wf-2", Enabled: true, SubjectContains: "nomatch"},
	}}
	exec := &fakeExecutor{}
	lookup := func(id string) (domain.Workflow, error) {
		return domain.Workflow{ID: id, Enabled: true}, nil
	}
	bridge := New(convs, threads, lookup, exec)

	email := domain.Email{ProviderID: "m1", ThreadID: "t1", Subject: "Your Invoice is ready"}
	require.NoError(t, bridge.HandleEmail(context.Background(), email))

	require.Equal(t, []string{"wf-1"}, exec.calls)
}

func TestRuleMatchesRequiresAllPredicates(t *testing.T) {
	rule := domain.EmailTriggerRule{FromContains: "boss", RequireAttachment: true}
	email := domain.Email{From: "boss@example.com"}
	require.False(t, ruleMatches(rule, email))

	email.Attachments = []domain.Attachment{{Filename: "report.pdf"}}
	require.True(t, ruleMatches(rule, email))
}
