package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loveme/daemon/internal/llmprovider"
)

func ndjsonServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func collect(t *testing.T, ch <-chan llmprovider.Event) []llmprovider.Event {
	t.Helper()
	var out []llmprovider.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamEmitsTextDeltasUntilDone(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"hel"},"done":false}`,
		`{"message":{"content":"lo"},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	})
	defer srv.Close()

	p := New("llama3", srv.URL)
	ch, err := p.Stream(context.Background(), "", nil, nil, "")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, "hel", events[0].Delta)
	assert.Equal(t, "lo", events[1].Delta)
}

func TestStreamSynthesizesToolCallIDs(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"","tool_calls":[{"function":{"name":"lookup","arguments":{"q":"x"}}}]},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	})
	defer srv.Close()

	p := New("llama3", srv.URL)
	ch, err := p.Stream(context.Background(), "", nil, nil, "")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, llmprovider.EventToolUseStart, events[0].Kind)
	assert.Equal(t, "call_0", events[0].ToolID)
	assert.Equal(t, "lookup", events[0].ToolName)
	assert.Equal(t, llmprovider.EventToolUseDone, events[1].Kind)
	assert.JSONEq(t, `{"q":"x"}`, events[1].ArgumentsJSON)
}

func TestStreamReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New("llama3", srv.URL)
	_, err := p.Stream(context.Background(), "", nil, nil, "")
	require.Error(t, err)
}
