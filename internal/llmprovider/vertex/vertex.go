// Package vertex adapts Google Cloud Vertex AI's OpenAI-compatible chat
// completions endpoint to llmprovider.Provider. Grounded on the
// teacher's internal/service/llm/vertex/vertex.go ChatStream (same
// "[DONE]" sentinel, same per-request golang.org/x/oauth2/google ADC
// token fetch and Bearer header), reusing the index-keyed tool-call
// accumulation already built for internal/llmprovider/openai since
// Vertex's streaming wire format is the same OpenAI-compatible shape
// (the teacher's own Vertex ToolCall struct has the identical
// missing-Index gap documented in that package).
package vertex

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
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/loveme/daemon/internal/llmprovider"
)

const scope = "https://www.googleapis.com/auth/cloud-platform"

type Provider struct {
	model       string
	endpointURL string
	tokenSource oauth2.TokenSource
	client      *klient.Client
}

// New creates a Vertex AI provider. endpointURL is the full
// OpenAI-compatible chat completions endpoint, e.g.:
//
//	https://us-central1-aiplatform.googleapis.com/v1/projects/PROJECT/locations/us-central1/endpoints/openapi/chat/completions
//
// Authentication uses Google Application Default Credentials.
func New(model, endpointURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if endpointURL == "" {
		return nil, fmt.Errorf("vertex: requires an endpoint_url")
	}

	ts, err := google.DefaultTokenSource(context.Background(), scope)
	if err != nil {
		return nil, fmt.Errorf("vertex: get google credentials: %w", err)
	}

	opts := []klient.OptionClientFn{
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
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
		return nil, fmt.Errorf("vertex: create http client: %w", err)
	}

	return &Provider{model: model, endpointURL: endpointURL, tokenSource: ts, client: client}, nil
}

func (p *Provider) Name() string { return "vertex" }

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
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
}

func (p *Provider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	if model == "" {
		model = p.model
	}

	token, err := p.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("vertex: get access token: %w", err)
	}

	jsonData, err := json.Marshal(p.buildRequestBody(model, messages, tools, systemPrompt))
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vertex: streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vertex: status %d: %s", resp.StatusCode, string(body))
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
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("vertex: parse sse chunk: %w", err)}
			return
		}
		if sr.Error != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("vertex: %s (code %d)", sr.Error.Message, sr.Error.Code)}
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
		ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("vertex: stream read error: %w", err)}
	}
}
