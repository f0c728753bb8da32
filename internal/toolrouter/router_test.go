package toolrouter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loveme/daemon/internal/domain"
)

type stubProvider struct {
	name    string
	tools   []domain.ToolDescriptor
	invoked string
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Tools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	return s.tools, nil
}
func (s *stubProvider) Invoke(ctx context.Context, name string, args json.RawMessage) (domain.ToolResult, error) {
	s.invoked = name
	return domain.ToolResult{Content: "ok:" + name}, nil
}

func TestRouterInvokeDispatchesToOwningProvider(t *testing.T) {
	r := New()
	stub := &stubProvider{name: "stub", tools: []domain.ToolDescriptor{{Name: "clock"}}}
	require.NoError(t, r.Register(context.Background(), stub))

	providerName, ok := r.LookupProvider("clock")
	require.True(t, ok)
	require.Equal(t, "stub", providerName)

	result, err := r.Invoke(context.Background(), "clock", nil)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "ok:clock", result.Content)
	require.Equal(t, "clock", stub.invoked)
}

func TestRouterInvokeUnknownToolIsError(t *testing.T) {
	r := New()
	result, err := r.Invoke(context.Background(), "nonexistent", nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestEmailProviderValidatesArguments(t *testing.T) {
	p := NewEmailProvider(fakeSender{})
	result, err := p.Invoke(context.Background(), "send_email", json.RawMessage(`{"to":[],"subject":"","body":""}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

type fakeSender struct{}

func (fakeSender) SendEmail(ctx context.Context, to []string, subject, body string) error { return nil }

func TestExpertInstructionsCollectsOnlyOptInProviders(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), &stubProvider{name: "stub"}))
	require.NoError(t, r.Register(context.Background(), NewEmailProvider(fakeSender{})))

	blobs := r.ExpertInstructions()
	require.Len(t, blobs, 1)
	require.Contains(t, blobs[0], "plain text only")
}
