package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/loveme/daemon/internal/domain"
)

// ScriptProvider exposes one named tool that evaluates a user-authored
// JavaScript snippet against its call arguments, grounded on the teacher's
// goja-based node runtime (internal/service/workflow/goja.go).
// goja.Runtime is not safe for concurrent use, so each invocation gets its
// own fresh Runtime rather than sharing one behind a mutex — invocations
// stay fully concurrent at the Router level.
type ScriptProvider struct {
	name        string
	description string
	script      string // the JS source; must assign its result to the global `result`
}

// NewScriptProvider wraps a single JS snippet as a tool named name. The
// snippet receives its call arguments as already-parsed JS values under
// `args`, and must set the global `result` to the value returned as the
// tool's content (marshaled back to JSON if not already a string). name
// must be unique across every configured tool provider — it doubles as
// both the provider registration key and the tool name.
func NewScriptProvider(name, description, script string) *ScriptProvider {
	return &ScriptProvider{name: name, description: description, script: script}
}

func (p *ScriptProvider) Name() string { return p.name }

func (p *ScriptProvider) Tools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return []domain.ToolDescriptor{{
		Name:        p.name,
		Description: p.description,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}, nil
}

func (p *ScriptProvider) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	var args any
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &args); err != nil {
			return domain.ToolResult{IsError: true, Content: fmt.Sprintf("decode arguments: %v", err)}, nil
		}
	}

	vm := goja.New()
	if err := registerHelpers(vm); err != nil {
		return domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	if err := vm.Set("args", args); err != nil {
		return domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}

	result, err := runScript(vm, p.script)
	if err != nil {
		return domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return domain.ToolResult{Content: result}, nil
}

func runScript(vm *goja.Runtime, script string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()

	if _, evalErr := vm.RunString(script); evalErr != nil {
		return "", fmt.Errorf("evaluate script: %w", evalErr)
	}

	resultVal := vm.Get("result")
	if resultVal == nil || goja.IsUndefined(resultVal) {
		return "", nil
	}
	if s, ok := resultVal.Export().(string); ok {
		return s, nil
	}

	data, marshalErr := json.Marshal(resultVal.Export())
	if marshalErr != nil {
		return "", fmt.Errorf("marshal result: %w", marshalErr)
	}
	return string(data), nil
}

// registerHelpers installs the small JSON convenience globals (jsonParse,
// jsonStringify) the
// teacher's node scripts rely on, trimmed to what a single tool invocation
// needs (no HTTP helpers here — an HTTP-calling tool belongs behind its own
// subprocess provider, not embedded script capability).
func registerHelpers(vm *goja.Runtime) error {
	if err := vm.Set("jsonParse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		s, ok := call.Arguments[0].Export().(string)
		if !ok {
			panic(vm.NewTypeError("jsonParse: expected string"))
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			panic(vm.NewTypeError("jsonParse: " + err.Error()))
		}
		return vm.ToValue(parsed)
	}); err != nil {
		return err
	}

	return vm.Set("jsonStringify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		data, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			return vm.ToValue("")
		}
		return vm.ToValue(string(data))
	})
}
