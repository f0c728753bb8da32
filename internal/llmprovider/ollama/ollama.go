// Package ollama adapts a local Ollama server to llmprovider.Provider.
// Grounded on the teacher's internal/service/llm/ollama/ollama.go, which
// only implemented a single non-streaming Chat call; generalized here to
// Ollama's actual streaming wire format (newline-delimited JSON objects,
// one per token/tool-call fragment, terminated by a final object with
// "done": true) since spec §4.10 requires a true streaming event
// iterator, not a fake-streamed single response.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loveme/daemon/internal/llmprovider"
)

type Provider struct {
	model   string
	baseURL string
	client  *http.Client
}

func New(model, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/api/chat"
	}
	return &Provider{model: model, baseURL: baseURL, client: http.DefaultClient}
}

func (p *Provider) Name() string { return "ollama" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *Provider) buildRequestBody(model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) map[string]any {
	msgs := make([]chatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	body := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   true,
	}
	if len(tools) > 0 {
		ollamaTools := make([]map[string]any, len(tools))
		for i, t := range tools {
			ollamaTools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  json.RawMessage(t.InputSchema),
				},
			}
		}
		body["tools"] = ollamaTools
	}
	return body
}

type streamLine struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (p *Provider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	if model == "" {
		model = p.model
	}

	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, tools, systemPrompt))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	ch := make(chan llmprovider.Event, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		toolSeq := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var sl streamLine
			if err := json.Unmarshal(line, &sl); err != nil {
				ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("ollama: parse line: %w", err)}
				return
			}

			if sl.Message.Content != "" {
				ch <- llmprovider.Event{Kind: llmprovider.EventTextDelta, Delta: sl.Message.Content}
			}
			for _, tc := range sl.Message.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Function.Arguments)
				id := fmt.Sprintf("call_%d", toolSeq)
				toolSeq++
				ch <- llmprovider.Event{Kind: llmprovider.EventToolUseStart, ToolID: id, ToolName: tc.Function.Name}
				ch <- llmprovider.Event{Kind: llmprovider.EventToolUseDone, ToolID: id, ToolName: tc.Function.Name, ArgumentsJSON: string(argsJSON)}
			}
			if sl.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("ollama: stream read error: %w", err)}
		}
	}()

	return ch, nil
}
