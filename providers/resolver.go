package providers

import (
	"fmt"
)

// ConfigSource yields the currently configured providers and the id
// of the active one. The settings package implements it.
type ConfigSource interface {
	ProviderConfigs() ([]Config, string, error)
}

// Resolver maps a provider id (or the active provider when the id is
// empty) to an adapter implementation plus its configuration.
type Resolver struct {
	Source   ConfigSource
	adapters map[Type]Provider
}

// NewResolver builds a resolver over the given adapter set.
func NewResolver(source ConfigSource, adapters map[Type]Provider) *Resolver {
	return &Resolver{Source: source, adapters: adapters}
}

// Resolve finds the requested provider configuration and its adapter.
// An empty providerID selects the active provider.
func (r *Resolver) Resolve(providerID string) (Provider, Config, error) {
	configs, activeID, err := r.Source.ProviderConfigs()
	if err != nil {
		return nil, Config{}, fmt.Errorf("failed to load provider configs: %w", err)
	}

	wantID := providerID
	if wantID == "" {
		wantID = activeID
	}
	if wantID == "" {
		wantID = OllamaDefaultID
	}

	var cfg *Config
	for i := range configs {
		if configs[i].ID == wantID {
			cfg = &configs[i]
			break
		}
	}
	if cfg == nil {
		return nil, Config{}, fmt.Errorf("provider '%s' not found", wantID)
	}
	if !cfg.Enabled {
		return nil, Config{}, fmt.Errorf("provider '%s' is disabled", wantID)
	}

	adapterType := cfg.Type
	if adapterType == TypeOther {
		// OpenAI-compatible endpoints reuse the OpenAI adapter.
		adapterType = TypeOpenAI
	}
	adapter, ok := r.adapters[adapterType]
	if !ok {
		return nil, Config{}, fmt.Errorf("no adapter registered for provider type '%s'", cfg.Type)
	}

	return adapter, *cfg, nil
}
