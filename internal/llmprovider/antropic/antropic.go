// Package antropic adapts Anthropic's Messages API streaming format to
// llmprovider.Provider. Grounded directly on the teacher's
// internal/service/llm/antropic/antropic.go ChatStream implementation
// (same SSE scanning loop, same content-block-delta accumulation for tool
// input fragments), generalized from the teacher's flat StreamChunk shape
// to the spec's discrete thinking/text/tool-use event kinds and extended
// to additionally forward Anthropic's "thinking" content blocks (extended
// thinking) as thinking_start/delta/done events, since the teacher's
// StreamChunk had no slot for those.
package antropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/loveme/daemon/internal/llmprovider"
)

const DefaultBaseURL = "https://api.anthropic.com"

type Provider struct {
	model  string
	client *klient.Client
}

// New builds a Provider. proxy/insecureSkipVerify mirror the teacher's
// per-provider transport knobs.
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         {apiKey},
			"Anthropic-Version": {"2023-06-01"},
			"Content-Type":      {"application/json"},
		}),
	}
	if proxy != "" {
		opts = append(opts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("antropic: create http client: %w", err)
	}
	return &Provider{model: model, client: client}, nil
}

func (p *Provider) Name() string { return "anthropic" }

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *Provider) buildRequestBody(model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) map[string]any {
	anthropicTools := make([]anthropicTool, len(tools))
	for i, t := range tools {
		anthropicTools[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}

	msgs := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": 4096,
		"messages":   msgs,
		"stream":     true,
	}
	if systemPrompt != "" {
		body["system"] = systemPrompt
	}
	if len(tools) > 0 {
		body["tools"] = anthropicTools
	}
	return body
}

type sseEvent struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta"`
	ContentBlock *contentBlock   `json:"content_block"`
}

type contentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type toolInputDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

func (p *Provider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	if model == "" {
		model = p.model
	}

	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, tools, systemPrompt))
	if err != nil {
		return nil, fmt.Errorf("antropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("antropic: streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("antropic: status %d: %s", resp.StatusCode, string(body))
	}

	ch := make(chan llmprovider.Event, 64)
	go p.pump(resp.Body, ch)
	return ch, nil
}

func (p *Provider) pump(body io.ReadCloser, ch chan<- llmprovider.Event) {
	defer close(ch)
	defer body.Close()

	var currentToolID, currentToolName string
	var toolInputBuf strings.Builder
	inThinking := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("antropic: parse sse event: %w", err)}
			return
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			switch ev.ContentBlock.Type {
			case "tool_use":
				currentToolID = ev.ContentBlock.ID
				currentToolName = ev.ContentBlock.Name
				toolInputBuf.Reset()
				ch <- llmprovider.Event{Kind: llmprovider.EventToolUseStart, ToolID: currentToolID, ToolName: currentToolName}
			case "thinking":
				inThinking = true
				ch <- llmprovider.Event{Kind: llmprovider.EventThinkingStart}
			}

		case "content_block_delta":
			if len(ev.Delta) == 0 {
				continue
			}
			var td textDelta
			if err := json.Unmarshal(ev.Delta, &td); err == nil && td.Type == "text_delta" {
				ch <- llmprovider.Event{Kind: llmprovider.EventTextDelta, Delta: td.Text}
				continue
			}
			var thd thinkingDelta
			if err := json.Unmarshal(ev.Delta, &thd); err == nil && thd.Type == "thinking_delta" {
				ch <- llmprovider.Event{Kind: llmprovider.EventThinkingDelta, Delta: thd.Thinking}
				continue
			}
			var tid toolInputDelta
			if err := json.Unmarshal(ev.Delta, &tid); err == nil && tid.Type == "input_json_delta" {
				toolInputBuf.WriteString(tid.PartialJSON)
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				ch <- llmprovider.Event{Kind: llmprovider.EventThinkingDone}
			}
			if currentToolID != "" {
				ch <- llmprovider.Event{Kind: llmprovider.EventToolUseDone, ToolID: currentToolID, ToolName: currentToolName, ArgumentsJSON: toolInputBuf.String()}
				currentToolID, currentToolName = "", ""
				toolInputBuf.Reset()
			}

		case "message_stop":
			return

		case "error":
			var errMsg struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &errMsg); err == nil {
				ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("antropic: %s", errMsg.Error.Message)}
			} else {
				ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("antropic: stream error: %s", data)}
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("antropic: stream read error: %w", err)}
	}
}
