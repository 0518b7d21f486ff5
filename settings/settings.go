// Package settings manages the application's JSON settings file:
// generation defaults, UI preferences and the provider roster. It is
// the config source the provider resolver reads from.
package settings

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/providers"
)

// DefaultServerURL is the local Ollama endpoint used until the user
// configures anything else.
const DefaultServerURL = "http://localhost:11434"

// Settings is the persisted application configuration.
type Settings struct {
	ServerURL        string               `json:"server_url"`
	DefaultModel     string               `json:"default_model,omitempty"`
	DefaultParams    *models.ChatOptions  `json:"default_params,omitempty"`
	Theme            string               `json:"theme,omitempty"`
	Providers        []providers.Config   `json:"providers"`
	ActiveProviderID string               `json:"active_provider_id,omitempty"`
	AppMode          string               `json:"app_mode"` // "local" or "cloud"
	SetupCompleted   bool                 `json:"setup_completed"`
}

// Defaults returns the settings a fresh install starts with: local
// mode against the default Ollama provider.
func Defaults() Settings {
	return Settings{
		ServerURL:        DefaultServerURL,
		Theme:            "light",
		Providers:        []providers.Config{providers.OllamaDefault()},
		ActiveProviderID: providers.OllamaDefaultID,
		AppMode:          "local",
	}
}

// Manager loads and saves the settings file and serializes access to
// it. It implements providers.ConfigSource.
type Manager struct {
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

// NewManager creates a manager over an explicit settings file path.
func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		logger: log.New(os.Stdout, "[SETTINGS] ", log.LstdFlags),
	}
}

// NewManagerDefault places the settings file at
// ~/.config/ollie/settings.json, creating the directory if needed.
func NewManagerDefault() (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "ollie")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return NewManager(filepath.Join(dir, "settings.json")), nil
}

// Get reads the settings file, falling back to defaults when it does
// not exist yet. An empty provider roster is repaired so the default
// Ollama provider is always available.
func (m *Manager) Get() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked()
}

func (m *Manager) getLocked() (Settings, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("invalid settings JSON: %w", err)
	}
	if s.AppMode == "" {
		s.AppMode = "local"
	}
	if len(s.Providers) == 0 {
		s.Providers = []providers.Config{providers.OllamaDefault()}
		s.ActiveProviderID = providers.OllamaDefaultID
	}
	return s, nil
}

// Set writes the settings file atomically (write-then-rename).
func (m *Manager) Set(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(s)
}

func (m *Manager) setLocked(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

// Update applies fn to the current settings and writes the result
// back under one lock acquisition.
func (m *Manager) Update(fn func(*Settings) error) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.getLocked()
	if err != nil {
		return Settings{}, err
	}
	if err := fn(&s); err != nil {
		return Settings{}, err
	}
	if err := m.setLocked(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// AddProvider appends a provider config. Duplicate ids are rejected.
func (m *Manager) AddProvider(cfg providers.Config) ([]providers.Config, error) {
	s, err := m.Update(func(s *Settings) error {
		for _, p := range s.Providers {
			if p.ID == cfg.ID {
				return fmt.Errorf("provider with ID '%s' already exists", cfg.ID)
			}
		}
		s.Providers = append(s.Providers, cfg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("Added provider %s (%s)", cfg.ID, cfg.Type)
	return s.Providers, nil
}

// UpdateProvider replaces the config with the same id.
func (m *Manager) UpdateProvider(cfg providers.Config) ([]providers.Config, error) {
	s, err := m.Update(func(s *Settings) error {
		for i, p := range s.Providers {
			if p.ID == cfg.ID {
				s.Providers[i] = cfg
				return nil
			}
		}
		return fmt.Errorf("provider with ID '%s' not found", cfg.ID)
	})
	if err != nil {
		return nil, err
	}
	return s.Providers, nil
}

// DeleteProvider removes a provider. The default Ollama provider can
// never be deleted, and deleting the active provider resets the
// selection back to it.
func (m *Manager) DeleteProvider(id string) ([]providers.Config, error) {
	if id == providers.OllamaDefaultID {
		return nil, fmt.Errorf("cannot delete the default Ollama provider")
	}
	s, err := m.Update(func(s *Settings) error {
		kept := s.Providers[:0]
		for _, p := range s.Providers {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		s.Providers = kept
		if s.ActiveProviderID == id {
			s.ActiveProviderID = providers.OllamaDefaultID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Printf("Deleted provider %s", id)
	return s.Providers, nil
}

// SetActiveProvider selects the provider used when a chat does not
// name one. Unknown ids are rejected.
func (m *Manager) SetActiveProvider(id string) (Settings, error) {
	return m.Update(func(s *Settings) error {
		for _, p := range s.Providers {
			if p.ID == id {
				s.ActiveProviderID = id
				return nil
			}
		}
		return fmt.Errorf("provider with ID '%s' not found", id)
	})
}

// ListProviders returns the current provider roster.
func (m *Manager) ListProviders() ([]providers.Config, error) {
	s, err := m.Get()
	if err != nil {
		return nil, err
	}
	return s.Providers, nil
}

// ProviderConfigs implements providers.ConfigSource.
func (m *Manager) ProviderConfigs() ([]providers.Config, string, error) {
	s, err := m.Get()
	if err != nil {
		return nil, "", err
	}
	return s.Providers, s.ActiveProviderID, nil
}
