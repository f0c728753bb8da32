// Package config loads the daemon's configuration the way the teacher
// repo loads its own: github.com/rakunlabs/chu reading `cfg` struct tags
// from environment variables, generalized from a multi-tenant gateway
// config to this daemon's single-operator surface (home directory, LLM
// providers, email polling, WebSocket gateway).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Home is the daemon's state directory (spec §6). Empty resolves to
	// "<user-home>/.love-me" in internal/filestore.NewHome.
	Home string `cfg:"home"`

	Server Server `cfg:"server"`

	// Providers is a map of named LLM provider configurations, one entry
	// per internal/llmprovider vendor adapter (C10). Each provider has a
	// type ("anthropic", "openai", "vertex", "gemini", or "ollama"), along
	// with api_key, base_url, model, and extra_headers fields.
	//
	// Example YAML:
	//
	//   providers:
	//     anthropic:
	//       type: anthropic
	//       api_key: "sk-ant-..."
	//       model: "claude-haiku-4-5"
	//     groq:
	//       type: openai
	//       api_key: "gsk_..."
	//       base_url: "https://api.groq.com/openai/v1/chat/completions"
	//       model: "llama-3.3-70b-versatile"
	//     ollama:
	//       type: ollama
	//       base_url: "http://localhost:11434"
	//       model: "llama3.2"
	Providers map[string]LLMConfig `cfg:"providers"`

	// TurnProvider selects which entry of Providers drives conversational
	// turns (C10). BuilderProvider selects which one drafts workflows from
	// natural language (the build_workflow envelope, C11). They may name
	// the same provider.
	TurnProvider    string `cfg:"turn_provider"`
	BuilderProvider string `cfg:"builder_provider"`

	Email Email `cfg:"email"`

	// CredentialKey, when set, is a passphrase internal/crypto.DeriveKey
	// turns into an AES-256 key that wraps email.json's OAuth tokens at
	// rest (C7). Left empty, tokens are stored plaintext under email.json's
	// 0600 file mode.
	CredentialKey string `cfg:"credential_key" log:"-"`

	// Tools lists the external tool providers the Tool Router (C1) should
	// launch as child processes at startup, plus any script tools it should
	// register for inline dop251/goja evaluation.
	Tools Tools `cfg:"tools"`
}

type Server struct {
	Port string `cfg:"port" default:"8787"`
	Host string `cfg:"host" default:"127.0.0.1"`

	// GatewayQueueDepth bounds the Session Gateway's per-client broadcast
	// queue (spec §5 back-pressure, default 256).
	GatewayQueueDepth int `cfg:"gateway_queue_depth" default:"256"`
}

// LLMConfig describes a single LLM provider configuration, generalized
// from the teacher's internal/config.LLMConfig to the five vendor
// adapters internal/llmprovider exposes.
type LLMConfig struct {
	// Type is the provider type: "anthropic", "openai", "vertex", "gemini",
	// or "ollama" (a local Ollama server's native /api/chat streaming endpoint).
	Type string `cfg:"type" json:"type"`

	// APIKey is the authentication key for the provider. Optional for
	// "ollama" and for "vertex" (uses Google Application Default
	// Credentials instead).
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// BaseURL overrides the provider's default endpoint. Required for
	// "vertex" and usually set for "ollama"/self-hosted OpenAI-compatible
	// endpoints.
	BaseURL string `cfg:"base_url" json:"base_url"`

	// Model is the default model identifier (e.g. "gpt-4o",
	// "claude-haiku-4-5").
	Model string `cfg:"model" json:"model"`

	// ExtraHeaders sets additional HTTP headers sent with each request.
	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL to route provider
	// requests through.
	Proxy string `cfg:"proxy" json:"proxy"`

	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Email configures the OAuth credentials and poll cadence for the Email
// Poller (C7). PollInterval is a human duration string ("60s", "2m") per
// spec §6's config surface, parsed via str2duration at Load time into
// PollEvery.
type Email struct {
	ClientID     string `cfg:"client_id"`
	ClientSecret string `cfg:"client_secret" log:"-"`
	Proxy        string `cfg:"proxy"`

	PollInterval string        `cfg:"poll_interval" default:"60s"`
	PollEvery    time.Duration `cfg:"-"`
}

type Tools struct {
	// Subprocess lists tool providers launched as child processes
	// speaking the stdio protocol spec §6 describes.
	Subprocess []SubprocessTool `cfg:"subprocess"`
	// Script lists inline goja script tools registered at startup.
	Script []ScriptTool `cfg:"script"`

	// HTTPProxy/HTTPInsecureSkipVerify configure the built-in
	// "http_request" tool, always registered alongside "template".
	HTTPProxy              string `cfg:"http_proxy"`
	HTTPInsecureSkipVerify bool   `cfg:"http_insecure_skip_verify"`
}

type SubprocessTool struct {
	Name    string   `cfg:"name"`
	Command string   `cfg:"command"`
	Args    []string `cfg:"args"`
}

type ScriptTool struct {
	Name        string `cfg:"name"`
	Description string `cfg:"description"`
	Source      string `cfg:"source"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("LOVEME_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	every, err := str2duration.ParseDuration(cfg.Email.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse email poll_interval %q: %w", cfg.Email.PollInterval, err)
	}
	cfg.Email.PollEvery = every

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
