package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ollie-app/ollie/providers"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "settings.json"))
}

func TestGet_MissingFileReturnsDefaults(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q, want %q", s.ServerURL, DefaultServerURL)
	}
	if s.AppMode != "local" {
		t.Errorf("AppMode = %q, want local", s.AppMode)
	}
	if len(s.Providers) != 1 || s.Providers[0].ID != providers.OllamaDefaultID {
		t.Errorf("expected the default Ollama provider, got %+v", s.Providers)
	}
	if s.ActiveProviderID != providers.OllamaDefaultID {
		t.Errorf("ActiveProviderID = %q", s.ActiveProviderID)
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	m := newTestManager(t)

	in := Defaults()
	in.DefaultModel = "llama3.2"
	in.Theme = "dark"
	in.SetupCompleted = true
	if err := m.Set(in); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	out, err := m.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.DefaultModel != "llama3.2" || out.Theme != "dark" || !out.SetupCompleted {
		t.Errorf("round trip lost fields: %+v", out)
	}
}

func TestGet_RepairsEmptyProviderRoster(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(m.path, []byte(`{"server_url":"http://x"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := m.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(s.Providers) != 1 || s.Providers[0].ID != providers.OllamaDefaultID {
		t.Errorf("empty roster not repaired: %+v", s.Providers)
	}
	if s.AppMode != "local" {
		t.Errorf("missing app mode not defaulted: %q", s.AppMode)
	}
}

func TestProviderLifecycle(t *testing.T) {
	m := newTestManager(t)

	cfg := providers.Config{ID: "groq-1", Name: "Groq", Type: providers.TypeOther, APIKey: "k", Enabled: true}
	roster, err := m.AddProvider(cfg)
	if err != nil {
		t.Fatalf("AddProvider failed: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}

	if _, err := m.AddProvider(cfg); err == nil {
		t.Error("duplicate provider id must be rejected")
	}

	cfg.Name = "GroqCloud"
	roster, err = m.UpdateProvider(cfg)
	if err != nil {
		t.Fatalf("UpdateProvider failed: %v", err)
	}
	if roster[1].Name != "GroqCloud" {
		t.Errorf("update not applied: %+v", roster[1])
	}

	if _, err := m.SetActiveProvider("groq-1"); err != nil {
		t.Fatalf("SetActiveProvider failed: %v", err)
	}
	configs, active, err := m.ProviderConfigs()
	if err != nil {
		t.Fatalf("ProviderConfigs failed: %v", err)
	}
	if active != "groq-1" || len(configs) != 2 {
		t.Errorf("active = %q, roster size = %d", active, len(configs))
	}

	// Deleting the active provider falls back to the default.
	roster, err = m.DeleteProvider("groq-1")
	if err != nil {
		t.Fatalf("DeleteProvider failed: %v", err)
	}
	if len(roster) != 1 {
		t.Errorf("roster size after delete = %d", len(roster))
	}
	_, active, _ = m.ProviderConfigs()
	if active != providers.OllamaDefaultID {
		t.Errorf("active after deleting active provider = %q", active)
	}
}

func TestDeleteProvider_DefaultIsProtected(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.DeleteProvider(providers.OllamaDefaultID); err == nil {
		t.Fatal("deleting the default Ollama provider must fail")
	}
}

func TestSetActiveProvider_UnknownID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.SetActiveProvider("missing"); err == nil {
		t.Fatal("unknown provider id must be rejected")
	}
}
