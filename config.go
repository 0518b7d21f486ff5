package ollie

import (
	"github.com/ollie-app/ollie/models"
	"github.com/ollie-app/ollie/settings"
	"github.com/ollie-app/ollie/stores"
)

// Tool pairs a declaration with its executor for registration.
type Tool struct {
	Spec models.ToolSpec
	Func ToolFunc
}

// Config holds the assembly options for NewApp.
type Config struct {
	Store    stores.ChatStore
	Settings *settings.Manager
	Tools    []Tool
}

// NewConfig creates a configuration with default values: the default
// SQLite store, the default settings file and no tools. The defaults
// are materialized by NewApp, not here, so a config stays cheap to
// build and discard.
func NewConfig() *Config {
	return &Config{}
}

// WithStore sets the chat store.
func (c *Config) WithStore(store stores.ChatStore) *Config {
	c.Store = store
	return c
}

// WithSQLiteStore sets a SQLite store at the given database path.
func (c *Config) WithSQLiteStore(dbPath string) *Config {
	store, err := stores.NewSQLiteStoreSimple(dbPath)
	if err != nil {
		panic("Failed to create SQLite store: " + err.Error())
	}
	c.Store = store
	return c
}

// WithPostgresStore sets a PostgreSQL store with the specified
// connection parameters.
func (c *Config) WithPostgresStore(host, user, password, dbname string, port int) *Config {
	store, err := stores.NewPostgresStoreDefault(host, user, password, dbname, port)
	if err != nil {
		panic("Failed to create PostgreSQL store: " + err.Error())
	}
	c.Store = store
	return c
}

// WithSettings sets the settings manager.
func (c *Config) WithSettings(mgr *settings.Manager) *Config {
	c.Settings = mgr
	return c
}

// WithTool registers a tool that models can call during runs.
func (c *Config) WithTool(spec models.ToolSpec, fn ToolFunc) *Config {
	c.Tools = append(c.Tools, Tool{Spec: spec, Func: fn})
	return c
}
