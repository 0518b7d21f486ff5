package stores

import (
	"fmt"
	"os"
	"path/filepath"
)

// NewStore creates a new chat store based on the configuration.
func NewStore(config *StoreConfig) (ChatStore, error) {
	switch config.Type {
	case "sqlite":
		return NewSQLiteStore(config)
	case "postgres":
		return NewPostgresStore(config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewSQLiteStoreDefault creates a SQLite store at the application's
// data path (~/.config/ollie/app.db), creating the directory if needed.
func NewSQLiteStoreDefault() (ChatStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "ollie")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	return NewSQLiteStoreSimple(filepath.Join(dir, "app.db"))
}
