package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loveme/daemon/internal/domain"
	"github.com/loveme/daemon/internal/render"
)

// TemplateProvider exposes a single built-in "template" tool that renders a
// Go text/template against its call arguments, grounded on the teacher's
// internal/service/workflow/nodes/prompt-template.go node and
// internal/render.go's rytsh/mugo wrapper. Supplements the step-ref
// (stepId, jsonPath) substitution spec §4.5 defines: a jsonpath reference
// pulls one value out of a producer step's output, but composing several
// upstream values into one string (an email body, a notification message)
// needs a template, which the distilled spec dropped along with the rest
// of the teacher's node graph.
type TemplateProvider struct{}

// NewTemplateProvider constructs the built-in template tool provider.
func NewTemplateProvider() *TemplateProvider { return &TemplateProvider{} }

func (TemplateProvider) Name() string { return "template" }

func (TemplateProvider) Tools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return []domain.ToolDescriptor{{
		Name:        "template",
		Description: "Renders a Go text/template (mustache-style {{variable}} also accepted) against the supplied data and returns the rendered text.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"template":{"type":"string"},"data":{"type":"object"}},"required":["template"]}`),
	}}, nil
}

type templateArgs struct {
	Template string `json:"template"`
	Data     any    `json:"data"`
}

func (TemplateProvider) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	var args templateArgs
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return domain.ToolResult{IsError: true, Content: fmt.Sprintf("decode arguments: %v", err)}, nil
		}
	}
	if args.Template == "" {
		return domain.ToolResult{IsError: true, Content: "template: missing 'template' argument"}, nil
	}

	out, err := render.ExecuteWithFuncs(convertMustache(args.Template), args.Data, nil)
	if err != nil {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("render template: %v", err)}, nil
	}
	return domain.ToolResult{Content: string(out)}, nil
}

// convertMustache rewrites bare {{variable}} references to Go template's
// {{.variable}}, leaving already-dotted references and control keywords
// (range/if/end/...) untouched, so callers don't need to know Go template
// syntax for the common case.
func convertMustache(s string) string {
	var result []byte
	i := 0
	for i < len(s) {
		if i+2 < len(s) && s[i] == '{' && s[i+1] == '{' {
			end := -1
			for j := i + 2; j < len(s)-1; j++ {
				if s[j] == '}' && s[j+1] == '}' {
					end = j
					break
				}
			}
			if end >= 0 {
				inner := strings.TrimSpace(s[i+2 : end])
				if inner != "" && inner[0] != '.' && inner[0] != '$' &&
					!strings.HasPrefix(inner, "range") &&
					!strings.HasPrefix(inner, "if") &&
					!strings.HasPrefix(inner, "end") &&
					!strings.HasPrefix(inner, "else") &&
					!strings.HasPrefix(inner, "with") &&
					!strings.HasPrefix(inner, "block") &&
					!strings.HasPrefix(inner, "define") &&
					!strings.HasPrefix(inner, "template") {
					result = append(result, '{', '{', '.')
					result = append(result, []byte(inner)...)
					result = append(result, '}', '}')
					i = end + 2
					continue
				}
			}
		}
		result = append(result, s[i])
		i++
	}
	return string(result)
}
