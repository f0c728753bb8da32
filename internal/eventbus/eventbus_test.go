package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeIdempotent(t *testing.T) {
	b := New()

	var calls []string
	var mu sync.Mutex

	b.Subscribe("email", "email_received", "wf-1", func(ctx context.Context, ev Event) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	b.Subscribe("email", "email_received", "wf-1", func(ctx context.Context, ev Event) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})

	b.Publish(context.Background(), Event{Source: "email", EventType: "email_received"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"second"}, calls)
}

func TestUnsubscribeRemovesDelivery(t *testing.T) {
	b := New()

	var got bool
	var mu sync.Mutex
	b.Subscribe("cron", "fire", "wf-2", func(ctx context.Context, ev Event) {
		mu.Lock()
		got = true
		mu.Unlock()
	})
	b.Unsubscribe("wf-2")
	b.Publish(context.Background(), Event{Source: "cron", EventType: "fire"})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, got)
}

func TestPublishFiltersByKey(t *testing.T) {
	b := New()
	var gotA, gotB int
	var mu sync.Mutex
	b.Subscribe("email", "email_received", "a", func(ctx context.Context, ev Event) {
		mu.Lock()
		gotA++
		mu.Unlock()
	})
	b.Subscribe("email", "other_event", "b", func(ctx context.Context, ev Event) {
		mu.Lock()
		gotB++
		mu.Unlock()
	})

	b.Publish(context.Background(), Event{Source: "email", EventType: "email_received"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotA == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, gotA)
	require.Equal(t, 0, gotB)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
