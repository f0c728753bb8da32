package toolrouter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplateProviderRendersMustacheAndDotted(t *testing.T) {
	p := NewTemplateProvider()

	args, err := json.Marshal(templateArgs{
		Template: "hello {{name}}, balance is {{.balance}}",
		Data:     map[string]any{"name": "ada", "balance": 12.5},
	})
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "template", args)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "hello ada, balance is 12.5", result.Content)
}

func TestTemplateProviderRejectsMissingTemplate(t *testing.T) {
	p := NewTemplateProvider()

	result, err := p.Invoke(context.Background(), "template", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestTemplateProviderReportsParseErrors(t *testing.T) {
	p := NewTemplateProvider()

	args, err := json.Marshal(templateArgs{Template: "{{if}}"})
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "template", args)
	require.NoError(t, err)
	require.True(t, result.IsError)
}
