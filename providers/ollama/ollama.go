package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
)

const (
	DefaultBaseURL = "http://localhost:11434"

	// Small local models often ignore tools unless nudged.
	toolInstruction = "You have access to tools/functions. If the user asks for something that requires a tool, please use the available tools to verify or retrieve information. Ensure you use the correct tool name and arguments."
)

// Ollama_Provider streams chat completions from a local Ollama server
// using its NDJSON /api/chat endpoint.
type Ollama_Provider struct {
	Client *http.Client
}

// New returns an adapter with the default HTTP client.
func New() *Ollama_Provider {
	return &Ollama_Provider{Client: http.DefaultClient}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type ollamaChunk struct {
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	PromptEvalCount *int           `json:"prompt_eval_count"`
	EvalCount       *int           `json:"eval_count"`
}

// StreamChat implements providers.Provider.
func (o *Ollama_Provider) StreamChat(ctx context.Context, cfg providers.Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (<-chan providers.StreamEvent, <-chan error) {
	eventChan := make(chan providers.StreamEvent)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		resp, err := o.postChat(ctx, cfg, model, messages, tools, opts)
		if err != nil {
			errChan <- err
			return
		}
		defer resp.Body.Close()

		o.parseNDJSON(resp.Body, eventChan, errChan)
	}()

	return eventChan, errChan
}

// postChat issues the streaming request, retrying once without tools
// if the model reports it does not support them.
func (o *Ollama_Provider) postChat(ctx context.Context, cfg providers.Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (*http.Response, error) {
	resp, err := o.doRequest(ctx, cfg, model, messages, tools, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if len(tools) > 0 && strings.Contains(string(body), "does not support tools") {
		log.Printf("Model %s does not support tools, retrying without them", model)
		retry, err := o.doRequest(ctx, cfg, model, messages, nil, opts)
		if err != nil {
			return nil, err
		}
		if retry.StatusCode != http.StatusOK {
			retryBody, _ := io.ReadAll(retry.Body)
			retry.Body.Close()
			return nil, fmt.Errorf("Ollama API error: status %d, body: %s", retry.StatusCode, string(retryBody))
		}
		return retry, nil
	}

	return nil, fmt.Errorf("Ollama API error: status %d, body: %s", resp.StatusCode, string(body))
}

func (o *Ollama_Provider) doRequest(ctx context.Context, cfg providers.Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (*http.Response, error) {
	payload := map[string]interface{}{
		"model":    model,
		"stream":   true,
		"messages": o.convertMessages(messages, len(tools) > 0),
	}

	if len(tools) > 0 {
		payload["tools"] = tools
	}

	if opts != nil {
		options := map[string]interface{}{}
		if opts.Temperature != nil {
			options["temperature"] = *opts.Temperature
		}
		if opts.TopK != nil {
			options["top_k"] = *opts.TopK
		}
		if opts.TopP != nil {
			options["top_p"] = *opts.TopP
		}
		if opts.MaxTokens != nil {
			options["num_predict"] = *opts.MaxTokens
		}
		if len(options) > 0 {
			payload["options"] = options
		}
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := cfg.ResolveBaseURL()
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/api/chat", bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

// convertMessages maps the unified format onto Ollama's and injects
// the tool usage instruction into the system prompt when tools are
// offered.
func (o *Ollama_Provider) convertMessages(messages []models.ChatMessage, hasTools bool) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages)+1)

	injected := false
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, Images: m.Images}
		if hasTools && !injected && m.Role == "system" {
			om.Content = m.Content + "\n" + toolInstruction
			injected = true
		}
		out = append(out, om)
	}

	if hasTools && !injected {
		out = append([]ollamaMessage{{Role: "system", Content: toolInstruction}}, out...)
	}

	return out
}

// parseNDJSON reads newline-delimited JSON chunks and emits content,
// tool calls and usage as they arrive.
func (o *Ollama_Provider) parseNDJSON(r io.Reader, eventChan chan<- providers.StreamEvent, errChan chan<- error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}

		if chunk.Message != nil {
			if chunk.Message.Content != "" {
				eventChan <- providers.StreamEvent{Content: chunk.Message.Content}
			}
			for _, tc := range chunk.Message.ToolCalls {
				argsBytes, _ := json.Marshal(tc.Function.Arguments)
				eventChan <- providers.StreamEvent{ToolCall: &models.ToolCall{
					Type: "function",
					Function: models.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(argsBytes),
					},
				}}
			}
		}

		if chunk.Done {
			if chunk.PromptEvalCount != nil || chunk.EvalCount != nil {
				usage := &models.Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
				}
				eventChan <- providers.StreamEvent{Usage: usage}
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		errChan <- fmt.Errorf("error reading stream: %w", err)
	}
}
