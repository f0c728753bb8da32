package openai

import (
	"bufio"
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

func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		bw := bufio.NewWriter(w)
		for _, c := range chunks {
			fmt.Fprintf(bw, "data: %s\n\n", c)
			bw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func collect(t *testing.T, ch <-chan llmprovider.Event) []llmprovider.Event {
	t.Helper()
	var events []llmprovider.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamEmitsTextDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	})
	defer srv.Close()

	p, err := New("key", "gpt-4o", srv.URL, "", false, nil)
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), "", nil, nil, "")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, llmprovider.EventTextDelta, events[0].Kind)
	assert.Equal(t, "hel", events[0].Delta)
	assert.Equal(t, "lo", events[1].Delta)
}

func TestStreamReassemblesFragmentedToolCallArgumentsByIndex(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	})
	defer srv.Close()

	p, err := New("key", "gpt-4o", srv.URL, "", false, nil)
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), "", nil, nil, "")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, llmprovider.EventToolUseStart, events[0].Kind)
	assert.Equal(t, "call_1", events[0].ToolID)
	assert.Equal(t, "lookup", events[0].ToolName)
	assert.Equal(t, llmprovider.EventToolUseDone, events[1].Kind)
	assert.Equal(t, `{"q":"x"}`, events[1].ArgumentsJSON)
}

func TestStreamInterleavesTwoParallelToolCallsByIndex(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"a","arguments":"{\"n\":1"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"b","arguments":"{\"n\":2"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	})
	defer srv.Close()

	p, err := New("key", "gpt-4o", srv.URL, "", false, nil)
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), "", nil, nil, "")
	require.NoError(t, err)

	events := collect(t, ch)
	var done0, done1 string
	for _, ev := range events {
		if ev.Kind != llmprovider.EventToolUseDone {
			continue
		}
		switch ev.ToolID {
		case "call_a":
			done0 = ev.ArgumentsJSON
		case "call_b":
			done1 = ev.ArgumentsJSON
		}
	}
	assert.Equal(t, `{"n":1}`, done0)
	assert.Equal(t, `{"n":2}`, done1)
}

func TestStreamEmitsErrorEventOnVendorError(t *testing.T) {
	srv := sseServer(t, []string{`{"error":{"message":"rate limited"}}`})
	defer srv.Close()

	p, err := New("key", "gpt-4o", srv.URL, "", false, nil)
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), "", nil, nil, "")
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, llmprovider.EventError, events[0].Kind)
	assert.ErrorContains(t, events[0].Err, "rate limited")
}

func TestStreamReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	p, err := New("key", "gpt-4o", srv.URL, "", false, nil)
	require.NoError(t, err)

	_, err = p.Stream(context.Background(), "", nil, nil, "")
	require.Error(t, err)
}
