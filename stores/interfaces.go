package stores

import (
	"time"
)

// Chat holds metadata for one conversation.
type Chat struct {
	ID           string `gorm:"primaryKey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Model        string
	SystemPrompt string `gorm:"type:text"`
	ParamsJSON   string `gorm:"type:json"`
	Title        string `gorm:"type:text"` // empty until the title synthesizer fills it
}

// MessageRecord is one persisted message row. MetaJSON carries
// attachment metadata and tool invocation records for assistant turns.
type MessageRecord struct {
	ID        string `gorm:"primaryKey"`
	ChatID    string `gorm:"index;not null"`
	Role      string `gorm:"not null"` // "user", "assistant", "system", "tool"
	Content   string `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
	MetaJSON  string    `gorm:"type:json"`
}

// ChatInfo is a chat listing entry with the has-messages flag the
// sidebar needs to hide empty drafts.
type ChatInfo struct {
	Chat
	HasMessages bool
}

// ChatStore abstracts the durable conversation store. The session
// controller calls it at most once per logical event; deduplication on
// the storage side is not its job.
type ChatStore interface {
	// Chat operations
	CreateChat(model, systemPrompt, paramsJSON string) (*Chat, error)
	GetChat(chatID string) (*Chat, error)
	ListChats(limit int) ([]ChatInfo, error)
	DeleteChat(chatID string) error
	SetChatTitle(chatID, title string) error
	SetChatModel(chatID, model string) error

	// Message operations
	AppendMessage(chatID, role, content, metaJSON string) (*MessageRecord, error)
	ListMessages(chatID string, limit int) ([]MessageRecord, error)
	UpdateMessageContent(messageID, content string) error
	DeleteMessagesAfter(chatID string, after time.Time) (int64, error)

	// Connection management
	Connect() error
	Close() error

	// Health check
	Ping() error
}

// StoreConfig holds configuration for database stores.
type StoreConfig struct {
	Type       string            `json:"type"`       // "sqlite", "postgres"
	Connection string            `json:"connection"` // connection string
	Options    map[string]string `json:"options"`
}

// NewStoreConfig creates a new store configuration.
func NewStoreConfig(storeType, connection string) *StoreConfig {
	return &StoreConfig{
		Type:       storeType,
		Connection: connection,
		Options:    make(map[string]string),
	}
}

// WithOption adds an option to the store configuration.
func (c *StoreConfig) WithOption(key, value string) *StoreConfig {
	c.Options[key] = value
	return c
}
