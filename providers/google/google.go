package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"google.golang.org/genai"

	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
)

const APIKeyEnv = "GEMINI_API_KEY"

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// Google_Provider streams chat completions from the Gemini API via
// the official genai SDK.
type Google_Provider struct{}

// New returns a Gemini adapter.
func New() *Google_Provider {
	return &Google_Provider{}
}

// StreamChat implements providers.Provider.
func (g *Google_Provider) StreamChat(ctx context.Context, cfg providers.Config, model string, messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) (<-chan providers.StreamEvent, <-chan error) {
	eventChan := make(chan providers.StreamEvent)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv(APIKeyEnv)
		}

		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			errChan <- fmt.Errorf("failed to create Gemini client: %w", err)
			return
		}

		contents, config := g.buildRequest(messages, tools, opts)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				errChan <- fmt.Errorf("Gemini stream error: %w", err)
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						eventChan <- providers.StreamEvent{Content: part.Text}
					}
					if part.FunctionCall != nil {
						argsBytes, _ := json.Marshal(part.FunctionCall.Args)
						eventChan <- providers.StreamEvent{ToolCall: &models.ToolCall{
							ID:   part.FunctionCall.ID,
							Type: "function",
							Function: models.FunctionCall{
								Name:      part.FunctionCall.Name,
								Arguments: string(argsBytes),
							},
						}}
					}
				}
			}
			if resp.UsageMetadata != nil {
				prompt := int(resp.UsageMetadata.PromptTokenCount)
				completion := int(resp.UsageMetadata.CandidatesTokenCount)
				total := int(resp.UsageMetadata.TotalTokenCount)
				eventChan <- providers.StreamEvent{Usage: &models.Usage{
					PromptTokens:     &prompt,
					CompletionTokens: &completion,
					TotalTokens:      &total,
				}}
			}
		}
	}()

	return eventChan, errChan
}

// buildRequest converts the unified history into genai contents plus
// generation config. System messages fold into the system instruction;
// tool results become function response parts.
func (g *Google_Provider) buildRequest(messages []models.ChatMessage, tools []models.ToolSpec, opts *models.ChatOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content

	// Gemini matches function responses to calls by name; remember the
	// name each call id maps to.
	callNames := map[string]string{}

	for _, m := range messages {
		switch m.Role {
		case "system":
			if config.SystemInstruction == nil {
				config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			} else {
				config.SystemInstruction.Parts = append(config.SystemInstruction.Parts, &genai.Part{Text: m.Content})
			}

		case "assistant":
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]interface{}{}
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					log.Printf("Warning: failed to parse tool call args for %s: %v", tc.Function.Name, err)
				}
				callNames[tc.ID] = tc.Function.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case "tool":
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     callNames[m.ToolCallID],
					Response: map[string]interface{}{"result": m.Content},
				}}},
			})

		default: // user
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, img := range m.Images {
				data, err := base64.StdEncoding.DecodeString(img)
				if err != nil {
					log.Printf("Warning: skipping undecodable image attachment: %v", err)
					continue
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{
					MIMEType: "image/png",
					Data:     data,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}
		}
	}

	if len(tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  convertSchema(t.Function.Parameters),
			})
		}
		config.Tools = []*genai.Tool{tool}
	}

	if opts != nil {
		if opts.Temperature != nil {
			temp := float32(*opts.Temperature)
			config.Temperature = &temp
		}
		if opts.TopK != nil {
			topK := float32(*opts.TopK)
			config.TopK = &topK
		}
		if opts.TopP != nil {
			topP := float32(*opts.TopP)
			config.TopP = &topP
		}
		if opts.MaxTokens != nil {
			config.MaxOutputTokens = int32(*opts.MaxTokens)
		}
	}

	return contents, config
}

// convertSchema maps our JSON-schema parameters onto genai's Schema
// type by round-tripping through JSON; both sides use standard JSON
// Schema field names.
func convertSchema(params models.Parameters) *genai.Schema {
	raw, err := json.Marshal(params)
	if err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	var schema genai.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	if schema.Type == "" {
		schema.Type = genai.TypeObject
	}
	return &schema
}
