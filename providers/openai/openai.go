package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	APIKeyEnv      = "OPENAI_API_KEY"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// OpenAI_Provider streams chat completions from the OpenAI API or any
// OpenAI-compatible endpoint (GroqCloud, OpenRouter, llama.cpp, ...).
type OpenAI_Provider struct {
	Client *http.Client
}

// New returns an adapter with the default HTTP client.
func New() *OpenAI_Provider {
	return &OpenAI_Provider{Client: http.DefaultClient}
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Stream      bool                 `json:"stream"`
	Tools       []models.ToolSpec    `json:"tools,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
}

// StreamChat implements providers.Provider.
func (p *OpenAI_Provider) StreamChat(ctx context.Context, cfg providers.Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (<-chan providers.StreamEvent, <-chan error) {
	eventChan := make(chan providers.StreamEvent)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		reqBody := chatRequest{
			Model:    model,
			Messages: messages,
			Stream:   true,
			Tools:    tools,
		}
		if opts != nil {
			reqBody.Temperature = opts.Temperature
			reqBody.TopP = opts.TopP
			reqBody.MaxTokens = opts.MaxTokens
			// top_k is not part of the OpenAI API; silently ignored.
		}

		jsonBytes, err := json.Marshal(reqBody)
		if err != nil {
			errChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		baseURL := cfg.ResolveBaseURL()
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}

		req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/v1/chat/completions", bytes.NewReader(jsonBytes))
		if err != nil {
			errChan <- fmt.Errorf("failed to create HTTP request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey(cfg))

		client := p.Client
		if client == nil {
			client = http.DefaultClient
		}

		resp, err := client.Do(req)
		if err != nil {
			errChan <- fmt.Errorf("HTTP request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errChan <- fmt.Errorf("OpenAI API error: status %d, body: %s", resp.StatusCode, string(body))
			return
		}

		ParseSSEStream(resp.Body, eventChan, errChan)
	}()

	return eventChan, errChan
}

func (p *OpenAI_Provider) apiKey(cfg providers.Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	return os.Getenv(APIKeyEnv)
}

// toolCallBuilder accumulates streamed tool-call fragments for one
// choice index until the stream finishes.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// ParseSSEStream reads OpenAI SSE chunks, emits text deltas as they
// arrive and assembles tool-call argument fragments into complete
// calls, emitted when the stream ends.
func ParseSSEStream(r io.Reader, eventChan chan<- providers.StreamEvent, errChan chan<- error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	builders := make(map[int]*toolCallBuilder)

	flushToolCalls := func() {
		indexes := make([]int, 0, len(builders))
		for idx := range builders {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			b := builders[idx]
			args := b.args.String()
			if args == "" {
				args = "{}"
			}
			eventChan <- providers.StreamEvent{ToolCall: &models.ToolCall{
				ID:   b.id,
				Type: "function",
				Function: models.FunctionCall{
					Name:      b.name,
					Arguments: args,
				},
			}}
		}
		builders = make(map[int]*toolCallBuilder)
	}

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			flushToolCalls()
			return
		}

		var raw struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			continue
		}

		if raw.Usage != nil {
			pt, ct, tt := raw.Usage.PromptTokens, raw.Usage.CompletionTokens, raw.Usage.TotalTokens
			eventChan <- providers.StreamEvent{Usage: &models.Usage{
				PromptTokens:     &pt,
				CompletionTokens: &ct,
				TotalTokens:      &tt,
			}}
		}

		for _, choice := range raw.Choices {
			if choice.Delta.Content != "" {
				eventChan <- providers.StreamEvent{Content: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				b, ok := builders[tc.Index]
				if !ok {
					b = &toolCallBuilder{}
					builders[tc.Index] = b
				}
				if tc.ID != "" {
					b.id = tc.ID
				}
				if tc.Function.Name != "" {
					b.name = tc.Function.Name
				}
				b.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
				flushToolCalls()
			}
		}
	}

	flushToolCalls()

	if err := scanner.Err(); err != nil {
		errChan <- fmt.Errorf("error reading stream: %w", err)
	}
}
