package anthropic

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
	"strings"

	"github.com/joho/godotenv"

	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
)

const (
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultAPIVersion = "2023-06-01"
	DefaultMaxTokens  = 4096
	APIKeyEnv         = "ANTHROPIC_API_KEY"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// Anthropic_Provider streams chat completions from the Anthropic
// Messages API.
type Anthropic_Provider struct {
	Client *http.Client
}

// New returns an adapter with the default HTTP client.
func New() *Anthropic_Provider {
	return &Anthropic_Provider{Client: http.DefaultClient}
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image blocks
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMsg struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	InputSchema models.Parameters `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
}

// StreamChat implements providers.Provider.
func (a *Anthropic_Provider) StreamChat(ctx context.Context, cfg providers.Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (<-chan providers.StreamEvent, <-chan error) {
	eventChan := make(chan providers.StreamEvent)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		anthropicReq, err := a.buildRequest(model, messages, tools, opts)
		if err != nil {
			errChan <- err
			return
		}

		jsonBytes, err := json.Marshal(anthropicReq)
		if err != nil {
			errChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		baseURL := cfg.ResolveBaseURL()
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}

		req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/v1/messages", bytes.NewReader(jsonBytes))
		if err != nil {
			errChan <- fmt.Errorf("failed to create HTTP request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("anthropic-version", DefaultAPIVersion)
		req.Header.Set("x-api-key", a.apiKey(cfg))

		client := a.Client
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
			errChan <- fmt.Errorf("Anthropic API error: status %d, body: %s", resp.StatusCode, string(body))
			return
		}

		ParseSSEStream(resp.Body, eventChan, errChan)
	}()

	return eventChan, errChan
}

func (a *Anthropic_Provider) apiKey(cfg providers.Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	return os.Getenv(APIKeyEnv)
}

// buildRequest converts the unified history into Anthropic's format:
// system messages fold into the system field, tool results become
// user-role tool_result blocks, and consecutive same-role messages are
// merged because the API requires strictly alternating roles.
func (a *Anthropic_Provider) buildRequest(model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (anthropicRequest, error) {
	var system string
	var converted []anthropicMsg

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += m.Content

		case "tool":
			converted = append(converted, anthropicMsg{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case "assistant":
			blocks := []contentBlock{}
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := map[string]interface{}{}
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					log.Printf("Warning: failed to parse tool call args for %s: %v", tc.Function.Name, err)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				converted = append(converted, anthropicMsg{Role: "assistant", Content: blocks})
			}

		default: // user
			blocks := []contentBlock{}
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				blocks = append(blocks, contentBlock{
					Type: "image",
					Source: &imageSource{
						Type:      "base64",
						MediaType: "image/png",
						Data:      img,
					},
				})
			}
			if len(blocks) > 0 {
				converted = append(converted, anthropicMsg{Role: "user", Content: blocks})
			}
		}
	}

	if len(converted) == 0 {
		return anthropicRequest{}, fmt.Errorf("cannot create Anthropic request with no messages")
	}

	converted = mergeConsecutiveMessages(converted)

	req := anthropicRequest{
		Model:     model,
		MaxTokens: DefaultMaxTokens,
		Messages:  converted,
		System:    system,
		Stream:    true,
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if opts != nil {
		req.Temperature = opts.Temperature
		req.TopK = opts.TopK
		req.TopP = opts.TopP
		if opts.MaxTokens != nil {
			req.MaxTokens = *opts.MaxTokens
		}
	}

	return req, nil
}

// mergeConsecutiveMessages merges consecutive messages with the same
// role. Anthropic requires strictly alternating user/assistant roles.
func mergeConsecutiveMessages(messages []anthropicMsg) []anthropicMsg {
	if len(messages) <= 1 {
		return messages
	}

	var result []anthropicMsg
	for _, msg := range messages {
		if len(result) > 0 && result[len(result)-1].Role == msg.Role {
			prev := &result[len(result)-1]
			prev.Content = append(prev.Content, msg.Content...)
		} else {
			result = append(result, msg)
		}
	}
	return result
}

// ParseSSEStream reads Anthropic SSE events and emits text deltas and
// assembled tool calls.
func ParseSSEStream(r io.Reader, eventChan chan<- providers.StreamEvent, errChan chan<- error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Track tool use blocks being built
	type toolBlock struct {
		id   string
		name string
		json strings.Builder
	}
	toolBlocks := make(map[int]*toolBlock)

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var raw struct {
			Type         string          `json:"type"`
			Index        int             `json:"index"`
			ContentBlock json.RawMessage `json:"content_block"`
			Delta        json.RawMessage `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			continue
		}

		switch raw.Type {
		case "content_block_start":
			if raw.ContentBlock != nil {
				var block contentBlock
				json.Unmarshal(raw.ContentBlock, &block)
				if block.Type == "tool_use" {
					toolBlocks[raw.Index] = &toolBlock{
						id:   block.ID,
						name: block.Name,
					}
				}
			}

		case "content_block_delta":
			if raw.Delta != nil {
				var delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				}
				json.Unmarshal(raw.Delta, &delta)

				if delta.Type == "text_delta" && delta.Text != "" {
					eventChan <- providers.StreamEvent{Content: delta.Text}
				} else if delta.Type == "input_json_delta" {
					if tb, ok := toolBlocks[raw.Index]; ok {
						tb.json.WriteString(delta.PartialJSON)
					}
				}
			}

		case "content_block_stop":
			if tb, ok := toolBlocks[raw.Index]; ok {
				args := tb.json.String()
				if args == "" {
					args = "{}"
				}
				eventChan <- providers.StreamEvent{ToolCall: &models.ToolCall{
					ID:   tb.id,
					Type: "function",
					Function: models.FunctionCall{
						Name:      tb.name,
						Arguments: args,
					},
				}}
				delete(toolBlocks, raw.Index)
			}

		case "message_stop":
			return
		}
	}

	if err := scanner.Err(); err != nil {
		errChan <- fmt.Errorf("error reading stream: %w", err)
	}
}
