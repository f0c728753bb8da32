package filestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/loveme/daemon/internal/domain"
)

func newTestHome(t *testing.T) *Home {
	t.Helper()
	home, err := NewHome(t.TempDir())
	require.NoError(t, err)
	return home
}

func TestWorkflowStoreCreateGetUpdateDelete(t *testing.T) {
	store := NewWorkflowStore(newTestHome(t))

	wf := domain.Workflow{
		ID:   "wf-1",
		Name: "nightly digest",
		Trigger: domain.Trigger{
			Kind: domain.TriggerKindCron,
			Cron: &domain.CronTrigger{Expression: "0 7 * * *"},
		},
	}

	require.NoError(t, store.Create(wf))

	var conflict *domain.ConflictError
	require.ErrorAs(t, store.Create(wf), &conflict)

	got, err := store.Get("wf-1")
	require.NoError(t, err)
	require.Equal(t, "nightly digest", got.Name)

	got.Name = "renamed digest"
	require.NoError(t, store.Update(got))

	reloaded, err := store.Get("wf-1")
	require.NoError(t, err)
	require.Equal(t, "renamed digest", reloaded.Name)

	require.NoError(t, store.Delete("wf-1"))

	var notFound *domain.NotFoundError
	_, err = store.Get("wf-1")
	require.ErrorAs(t, err, &notFound)
}

func TestWorkflowStoreUpdateUnknownIDFails(t *testing.T) {
	store := NewWorkflowStore(newTestHome(t))

	var notFound *domain.NotFoundError
	err := store.Update(domain.Workflow{ID: "missing"})
	require.ErrorAs(t, err, &notFound)
}

func TestWorkflowStoreListSummaries(t *testing.T) {
	store := NewWorkflowStore(newTestHome(t))

	require.NoError(t, store.Create(domain.Workflow{ID: "a", Name: "alpha"}))
	require.NoError(t, store.Create(domain.Workflow{ID: "b", Name: "beta", Steps: []domain.Step{{ID: "s1"}}}))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, 1, list[1].StepCount)
}

func TestWorkflowStoreExecutionJournal(t *testing.T) {
	store := NewWorkflowStore(newTestHome(t))

	exec := domain.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: domain.StatusRunning}
	require.NoError(t, store.UpsertExecution(exec))

	exec.Status = domain.StatusCompleted
	require.NoError(t, store.UpsertExecution(exec))

	got, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	list, err := store.ListExecutions("wf-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestConversationStoreAddMessageUpdatesLastMessageAt(t *testing.T) {
	store := NewConversationStore(newTestHome(t))

	require.NoError(t, store.Create(domain.Conversation{ID: "c1", Title: "first"}))

	at := types.Time{Time: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	conv, err := store.AddMessage("c1", domain.StoredMessage{Role: domain.RoleUser, Content: "hi", At: at})
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	require.Equal(t, at.Time, conv.LastMessageAt.Time)

	reloaded, err := store.Load("c1")
	require.NoError(t, err)
	require.Equal(t, "hi", reloaded.Messages[0].Content)
}

func TestConversationStoreListAllSortedDescending(t *testing.T) {
	store := NewConversationStore(newTestHome(t))

	older := types.Time{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := types.Time{Time: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, store.Create(domain.Conversation{ID: "old", LastMessageAt: older}))
	require.NoError(t, store.Create(domain.Conversation{ID: "new", LastMessageAt: newer}))

	list, err := store.ListAll()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "new", list[0].ID)
	require.Equal(t, "old", list[1].ID)
}

func TestEmailStoreWatermarkRoundTrip(t *testing.T) {
	store := NewEmailStore(newTestHome(t), nil)

	empty, err := store.LoadWatermark()
	require.NoError(t, err)
	require.Equal(t, domain.Watermark{}, empty)

	wm := domain.Watermark{LastSeenID: "msg-42", TotalProcessed: 7}
	require.NoError(t, store.SaveWatermark(wm))

	reloaded, err := store.LoadWatermark()
	require.NoError(t, err)
	require.Equal(t, wm, reloaded)
}

func TestEmailStoreThreadMappingBindAndResolve(t *testing.T) {
	store := NewEmailStore(newTestHome(t), nil)

	_, ok, err := store.ResolveThread("thread-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.BindThread(domain.ThreadMapping{ThreadID: "thread-1", ConversationID: "conv-1"}))
	convID, ok, err := store.ResolveThread("thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "conv-1", convID)

	// rebinding the same thread id replaces rather than duplicates
	require.NoError(t, store.BindThread(domain.ThreadMapping{ThreadID: "thread-1", ConversationID: "conv-2"}))
	convID, ok, err = store.ResolveThread("thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "conv-2", convID)
}

func TestEmailStoreTriggerRuleCRUD(t *testing.T) {
	store := NewEmailStore(newTestHome(t), nil)

	rule := domain.EmailTriggerRule{ID: "r1", TargetWorkflowID: "wf-1", Enabled: true, FromContains: "@boss.com"}
	require.NoError(t, store.CreateTriggerRule(rule))

	var conflict *domain.ConflictError
	require.ErrorAs(t, store.CreateTriggerRule(rule), &conflict)

	rule.SubjectContains = "urgent"
	require.NoError(t, store.UpdateTriggerRule(rule))

	rules, err := store.ListTriggerRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "urgent", rules[0].SubjectContains)

	require.NoError(t, store.DeleteTriggerRule("r1"))
	rules, err = store.ListTriggerRules()
	require.NoError(t, err)
	require.Empty(t, rules)
}
