// Package ollie assembles a local-first chat backend: provider
// streaming, per-conversation session control, durable history and an
// HTTP surface, all coordinated over one event bus.
package ollie

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/ollie-app/ollie/api"
	"github.com/ollie-app/ollie/events"
	"github.com/ollie-app/ollie/monitoring"
	"github.com/ollie-app/ollie/providers"
	"github.com/ollie-app/ollie/providers/anthropic"
	"github.com/ollie-app/ollie/providers/google"
	"github.com/ollie-app/ollie/providers/ollama"
	"github.com/ollie-app/ollie/providers/openai"
	"github.com/ollie-app/ollie/session"
	"github.com/ollie-app/ollie/settings"
	"github.com/ollie-app/ollie/stores"
)

// App is the assembled application: everything a frontend or an HTTP
// surface needs to run conversations.
type App struct {
	Bus      *events.Bus
	Store    stores.ChatStore
	Settings *settings.Manager
	Resolver *providers.Resolver
	Tools    *ToolRegistry
	Runner   *ChatRunner
	Monitor  *monitoring.Monitor
	Server   *api.Server
}

// NewApp assembles the application from a config built with NewConfig.
func NewApp(cfg *Config) (*App, error) {
	store := cfg.Store
	if store == nil {
		s, err := stores.NewSQLiteStoreDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to create default store: %w", err)
		}
		store = s
	}
	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect store: %w", err)
	}

	mgr := cfg.Settings
	if mgr == nil {
		m, err := settings.NewManagerDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to create settings manager: %w", err)
		}
		mgr = m
	}

	bus := events.NewBus()
	resolver := providers.NewResolver(mgr, map[providers.Type]providers.Provider{
		providers.TypeOllama:    ollama.New(),
		providers.TypeOpenAI:    openai.New(),
		providers.TypeAnthropic: anthropic.New(),
		providers.TypeGoogle:    google.New(),
	})

	tools := NewToolRegistry()
	for _, tool := range cfg.Tools {
		if err := tools.Register(tool.Spec, tool.Func); err != nil {
			return nil, fmt.Errorf("failed to register tool: %w", err)
		}
	}

	runner := NewChatRunner(bus, resolver, tools)
	monitor := monitoring.NewMonitor(bus, runner)
	server := api.NewServer(store, runner, bus, mgr)

	return &App{
		Bus:      bus,
		Store:    store,
		Settings: mgr,
		Resolver: resolver,
		Tools:    tools,
		Runner:   runner,
		Monitor:  monitor,
		Server:   server,
	}, nil
}

// NewSession builds a session controller for a persisted chat,
// hydrated from the store and bound to the active provider.
func (a *App) NewSession(chatID string) (*session.Controller, error) {
	chat, err := a.Store.GetChat(chatID)
	if err != nil {
		return nil, err
	}

	ctrl := session.NewController(session.Conversation{
		ID:           chat.ID,
		Title:        chat.Title,
		Model:        chat.Model,
		SystemPrompt: chat.SystemPrompt,
	}, a.Store, a.Runner, a.Bus)

	if cfg, err := a.Settings.Get(); err == nil {
		ctrl.ProviderID = cfg.ActiveProviderID
		ctrl.TitleModel = ollama.TitleModelForActive(context.Background(), cfg.Providers, cfg.ActiveProviderID, "")
	}

	if err := ctrl.Load(); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Router returns a gin engine with every API route registered.
func (a *App) Router() *gin.Engine {
	r := gin.Default()
	a.Server.Routes(r)
	return r
}

// Close releases the app's resources: the monitor schedule and the
// store connection.
func (a *App) Close() error {
	a.Monitor.Stop()
	return a.Store.Close()
}
