package toolrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/loveme/daemon/internal/domain"
)

// HTTPProvider exposes a single built-in "http_request" tool making an
// outbound HTTP call, grounded on the teacher's
// internal/service/workflow/nodes/http-request.go node (templating
// stripped — a step that needs a dynamic URL composes it with the
// "template" tool first and feeds the result in via a step-ref input) and
// its worldline-go/klient client, already wired for the Gmail provider and
// every LLM vendor adapter except ollama.
type HTTPProvider struct {
	client *klient.Client
}

// NewHTTPProvider constructs the built-in HTTP tool provider. proxy may be
// empty.
func NewHTTPProvider(proxy string, insecureSkipVerify bool) (*HTTPProvider, error) {
	opts := []klient.OptionClientFn{klient.WithDisableBaseURLCheck(true)}
	if proxy != "" {
		opts = append(opts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("toolrouter: create http client: %w", err)
	}
	return &HTTPProvider{client: client}, nil
}

func (HTTPProvider) Name() string { return "http" }

func (HTTPProvider) Tools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return []domain.ToolDescriptor{{
		Name:        "http_request",
		Description: "Makes an HTTP request and returns its status code, headers, and body.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"},"method":{"type":"string"},"headers":{"type":"object"},"body":{"type":"string"},"timeout_seconds":{"type":"number"}},"required":["url"]}`),
	}}, nil
}

type httpRequestArgs struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
}

type httpResponseResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (p HTTPProvider) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	var args httpRequestArgs
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return domain.ToolResult{IsError: true, Content: fmt.Sprintf("decode arguments: %v", err)}, nil
		}
	}
	if args.URL == "" {
		return domain.ToolResult{IsError: true, Content: "http_request: missing 'url' argument"}, nil
	}
	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := 30 * time.Second
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds * float64(time.Second))
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if args.Body != "" {
		bodyReader = bytes.NewReader([]byte(args.Body))
	}

	req, err := http.NewRequestWithContext(reqCtx, method, args.URL, bodyReader)
	if err != nil {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("build request: %v", err)}, nil
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	var result httpResponseResult
	if err := p.client.Do(req, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		result.StatusCode = r.StatusCode
		result.Body = string(data)
		result.Headers = make(map[string]string, len(r.Header))
		for k := range r.Header {
			result.Headers[k] = r.Header.Get(k)
		}
		return nil
	}); err != nil {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("http_request: %v", err)}, nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("encode response: %v", err)}, nil
	}
	return domain.ToolResult{Content: string(encoded), IsError: result.StatusCode >= 400}, nil
}
