package providers

import (
	"context"

	"github.com/ollie-app/ollie/models"
)

// Type identifies a provider family.
type Type string

const (
	TypeOllama    Type = "ollama"
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeGoogle    Type = "google"
	// TypeOther covers OpenAI-compatible endpoints (GroqCloud,
	// OpenRouter, llama.cpp servers and friends).
	TypeOther Type = "other"
)

// OllamaDefaultID is the id of the built-in local Ollama provider.
// It always exists and can never be deleted.
const OllamaDefaultID = "ollama-default"

// Config is one configured backend endpoint plus its credentials.
type Config struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    Type   `json:"provider_type"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

// OllamaDefault is the provider every installation starts with.
func OllamaDefault() Config {
	return Config{
		ID:      OllamaDefaultID,
		Name:    "Ollama (Local)",
		Type:    TypeOllama,
		BaseURL: "http://localhost:11434",
		Enabled: true,
	}
}

// ResolveBaseURL returns the configured base URL or the provider
// family's default endpoint.
func (c Config) ResolveBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	switch c.Type {
	case TypeOllama:
		return "http://localhost:11434"
	case TypeOpenAI:
		return "https://api.openai.com"
	case TypeAnthropic:
		return "https://api.anthropic.com"
	case TypeGoogle:
		return "https://generativelanguage.googleapis.com"
	}
	return ""
}

// StreamEvent is one unit of provider output. Exactly one field is
// populated. Tool calls arrive complete; adapters assemble streamed
// argument deltas before emitting.
type StreamEvent struct {
	Content  string
	ToolCall *models.ToolCall
	Usage    *models.Usage
}

// Provider streams a chat completion as a dual-channel pair in the
// usual shape: events on the first channel, at most one error on the
// second, both closed when the stream ends. Cancelling ctx aborts the
// underlying request.
type Provider interface {
	StreamChat(ctx context.Context, cfg Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (<-chan StreamEvent, <-chan error)
}
