package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
)

const (
	catalogTimeout = 10 * time.Second

	// pickTimeout bounds the catalog lookup done when a session is
	// built; titling falls back to the conversation model on a miss.
	pickTimeout = 2 * time.Second
)

// ListModels fetches the local model catalog from /api/tags.
func ListModels(ctx context.Context, baseURL string) (models.ModelsResponse, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/api/tags", nil)
	if err != nil {
		return models.ModelsResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.ModelsResponse{}, fmt.Errorf("failed to fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.ModelsResponse{}, fmt.Errorf("Ollama API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var listing models.ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return models.ModelsResponse{}, fmt.Errorf("failed to parse models response: %w", err)
	}

	return listing, nil
}

// TitleModelForActive picks a title-run model from the active
// provider's catalog. Only local Ollama endpoints expose one; any
// other provider family, or a catalog miss, yields the fallback.
func TitleModelForActive(ctx context.Context, configs []providers.Config, activeID, fallback string) string {
	for _, cfg := range configs {
		if cfg.ID != activeID || cfg.Type != providers.TypeOllama {
			continue
		}
		ctx, cancel := context.WithTimeout(ctx, pickTimeout)
		defer cancel()
		listing, err := ListModels(ctx, cfg.ResolveBaseURL())
		if err != nil {
			return fallback
		}
		return TitleModelFrom(listing, fallback)
	}
	return fallback
}

// TitleModelFrom selects the smallest catalog model that is neither a
// vision nor a reasoning variant. Titles are a few words; the smallest
// plain model produces them fastest.
func TitleModelFrom(listing models.ModelsResponse, fallback string) string {
	best := ""
	var bestSize int64
	for _, m := range listing.Models {
		if isVisionModel(m) || isReasoningModel(m.Name) {
			continue
		}
		if best == "" || m.Size < bestSize {
			best, bestSize = m.Name, m.Size
		}
	}
	if best == "" {
		return fallback
	}
	return best
}

func isVisionModel(m models.ModelInfo) bool {
	name := strings.ToLower(m.Name)
	for _, hint := range []string{"llava", "vision", "moondream", "minicpm-v", "bakllava"} {
		if strings.Contains(name, hint) {
			return true
		}
	}
	if m.Details != nil {
		for _, fam := range m.Details.Families {
			if fam == "clip" || fam == "mllama" {
				return true
			}
		}
	}
	return false
}

func isReasoningModel(name string) bool {
	name = strings.ToLower(name)
	for _, hint := range []string{"deepseek-r1", "-r1", "qwq", "reasoner", "think"} {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}
