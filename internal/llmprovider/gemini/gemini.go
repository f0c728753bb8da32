// Package gemini adapts Google's Generative Language API
// (generativelanguage.googleapis.com) streamGenerateContent endpoint to
// llmprovider.Provider. Grounded on the teacher's
// internal/service/llm/gemini/gemini.go ChatStream (same SSE scanning
// loop, same candidate/part accumulation), deliberately trimmed: the
// teacher's inline-image (InlineData) and function-call
// ThoughtSignature handling exist to support Gemini's multimodal input
// and thinking-model reasoning continuity, neither of which has a home
// in spec §4.10's event vocabulary (no image content, no thinking
// events grounded for this vendor since the teacher itself never
// distinguishes a "thought" part from a text part in its streaming
// loop) — this adapter forwards text and function-call parts only.
package gemini

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

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type Provider struct {
	model   string
	baseURL string
	apiKey  string
	client  *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: requires an api_key")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Content-Type":   {"application/json"},
			"x-goog-api-key": {apiKey},
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
		return nil, fmt.Errorf("gemini: create http client: %w", err)
	}
	return &Provider{model: model, baseURL: baseURL, apiKey: apiKey, client: client}, nil
}

func (p *Provider) Name() string { return "gemini" }

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generateContentRequest struct {
	Contents          []geminiContent `json:"contents"`
	Tools             []googleTool    `json:"tools,omitempty"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

func (p *Provider) buildRequestBody(messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) *generateContentRequest {
	req := &generateContentRequest{}

	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	if len(tools) > 0 {
		decls := make([]functionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		}
		req.Tools = []googleTool{{FunctionDeclarations: decls}}
	}

	return req
}

type generateContentResponse struct {
	Candidates []candidate `json:"candidates"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type candidate struct {
	Content      *geminiContent `json:"content"`
	FinishReason string         `json:"finishReason"`
}

func (p *Provider) Stream(ctx context.Context, model string, messages []llmprovider.Message, tools []llmprovider.Tool, systemPrompt string) (<-chan llmprovider.Event, error) {
	if model == "" {
		model = p.model
	}

	jsonData, err := json.Marshal(p.buildRequestBody(messages, tools, systemPrompt))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	path := fmt.Sprintf("/v1beta/models/%s:streamGenerateContent?alt=sse", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini: status %d: %s", resp.StatusCode, string(body))
	}

	ch := make(chan llmprovider.Event, 64)
	go p.pump(resp.Body, ch)
	return ch, nil
}

func (p *Provider) pump(body io.ReadCloser, ch chan<- llmprovider.Event) {
	defer close(ch)
	defer body.Close()

	toolSeq := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var sr generateContentResponse
		if err := json.Unmarshal([]byte(data), &sr); err != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("gemini: parse sse chunk: %w", err)}
			return
		}
		if sr.Error != nil {
			ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("gemini: %s (code %d)", sr.Error.Message, sr.Error.Code)}
			return
		}
		if len(sr.Candidates) == 0 {
			continue
		}

		cand := sr.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					ch <- llmprovider.Event{Kind: llmprovider.EventTextDelta, Delta: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					id := fmt.Sprintf("call_%d", toolSeq)
					toolSeq++
					ch <- llmprovider.Event{Kind: llmprovider.EventToolUseStart, ToolID: id, ToolName: part.FunctionCall.Name}
					ch <- llmprovider.Event{Kind: llmprovider.EventToolUseDone, ToolID: id, ToolName: part.FunctionCall.Name, ArgumentsJSON: string(argsJSON)}
				}
			}
		}

		if cand.FinishReason != "" {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- llmprovider.Event{Kind: llmprovider.EventError, Err: fmt.Errorf("gemini: stream read error: %w", err)}
	}
}
