package toolrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPProviderReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bar", r.Header.Get("X-Foo"))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider("", false)
	require.NoError(t, err)

	args, err := json.Marshal(httpRequestArgs{
		URL:     srv.URL,
		Method:  "POST",
		Headers: map[string]string{"X-Foo": "bar"},
	})
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "http_request", args)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var decoded httpResponseResult
	require.NoError(t, json.Unmarshal([]byte(result.Content), &decoded))
	require.Equal(t, http.StatusCreated, decoded.StatusCode)
	require.Equal(t, "ok", decoded.Body)
}

func TestHTTPProviderMarksErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider("", false)
	require.NoError(t, err)

	args, err := json.Marshal(httpRequestArgs{URL: srv.URL})
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "http_request", args)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHTTPProviderRejectsMissingURL(t *testing.T) {
	p, err := NewHTTPProvider("", false)
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "http_request", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
