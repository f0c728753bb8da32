// Package openai adapts the OpenAI-compatible chat/completions streaming
// format to llmprovider.Provider. Grounded on the teacher's
// internal/service/llm/openai/openai.go ChatStream (SSE scanning loop,
// "[DONE]" sentinel, stream_options.include_usage), generalized from the
// teacher's flat StreamChunk to discrete tool_use_start/done events.
//
// The teacher's ToolCall delta type carries no per-call index, so its
// ChatStream only works when a tool call's name/arguments arrive in a
// single delta; real OpenAI-compatible servers fragment arguments across
// many deltas distinguished by index. This adapter restores that
// index-keyed accumulation since spec §4.10 needs a single well-formed
// toolUseDone(argsJSON) event per call, not a list of fragments.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/loveme/daemon/internal/llmprovider"
)

const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

type Provider struct {
	model   string
	baseURL string
	client  *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool, extraHeaders map[string]string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": {"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if proxy != "" {
		opts = append(opts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: create http client: %w", err)
	}
	return &Provider{model: model, baseURL: baseURL, client: client}, nil
}

func (p *Provider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
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
		"model":          model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(tools) > 0 {
		specs := make([]toolSpec, len(tools))
		for i, t := range tools {
			specs[i] = toolSpec{Type: "function", Function: functionSpec{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}}
		}
		body["tools"] = specs
	}
	return body
}

type streamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type streamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []streamToolCall `json:"tool_calls,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
}

func (p *Provider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	if model == "" {
		model = p.model
	}

	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, tools, systemPrompt))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(body))
	}

	ch := make(chan llmprovider.Event, 64)
	go p.pump(resp.Body, ch)
	return ch, nil
}

type pendingToolCall struct {
	id, name string
	args     strings.Builder
}

func (p *Provider) pump(body io.ReadCloser, ch chan<- llmprovider.Event) {
	defer close(ch)
	defer body.Close()

	pending := map[int]*pendingToolCall{}

	flushTool := func(idx int) {
		pc, ok := pending[idx]
		if !ok {
			return
		}
		ch <- llmprovider.Event{Kind: llmprovider.EventToolUseDone, ToolID: pc.id, ToolName: pc.name, ArgumentsJSON: pc.args.String()}
		delete(pending, idx)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			for idx := range pending {
				flushTool(idx)
			}
			return
		}

		var sr streamResponse
		if err := json.Unmarshal([]byte(data), &sr); err != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("openai: parse sse chunk: %w", err)}
			return
		}
		if sr.Error != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("openai: %s", sr.Error.Message)}
			return
		}
		if len(sr.Choices) == 0 {
			continue
		}

		choice := sr.Choices[0]
		if choice.Delta.Content != "" {
			ch <- llmprovider.Event{Kind: llmprovider.EventTextDelta, Delta: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &pendingToolCall{id: tc.ID, name: tc.Function.Name}
				pending[tc.Index] = pc
				ch <- llmprovider.Event{Kind: llmprovider.EventToolUseStart, ToolID: pc.id, ToolName: pc.name}
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != nil {
			for idx := range pending {
				flushTool(idx)
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("openai: stream read error: %w", err)}
	}
}
