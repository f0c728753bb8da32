package cronticker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDedupePerMinute exercises the per-minute dedupe invariant from spec
// §8 directly against the wrapped fire func, without waiting on a real
// cron boundary.
func TestDedupePerMinute(t *testing.T) {
	ticker := New()

	calls := 0
	wrapped := ticker.makeFireFunc("wf-1", func(ctx context.Context, workflowID string) {
		calls++
	})

	require.NoError(t, wrapped(context.Background()))
	require.NoError(t, wrapped(context.Background()))
	require.NoError(t, wrapped(context.Background()))

	require.Equal(t, 1, calls, "same workflow must not fire twice within one calendar minute")
}

func TestRegisterReplacesBinding(t *testing.T) {
	ticker := New()

	var fired string
	err := ticker.Register("wf-1", "* * * * *", func(ctx context.Context, workflowID string) {
		fired = "first"
	})
	require.NoError(t, err)

	err = ticker.Register("wf-1", "*/5 * * * *", func(ctx context.Context, workflowID string) {
		fired = "second"
	})
	require.NoError(t, err)

	require.Len(t, ticker.registrations, 1)
	wrapped := ticker.makeFireFunc("wf-1", ticker.registrations["wf-1"].fire)
	require.NoError(t, wrapped(context.Background()))
	require.Equal(t, "second", fired)
}
