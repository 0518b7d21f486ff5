package stores

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresStore implements ChatStore for PostgreSQL databases.
type PostgresStore struct {
	db  *gorm.DB
	dsn string
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(config *StoreConfig) (*PostgresStore, error) {
	if config.Type != "postgres" {
		return nil, fmt.Errorf("invalid store type for Postgres store: %s", config.Type)
	}

	store := &PostgresStore{
		dsn: config.Connection,
	}

	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	return store, nil
}

// NewPostgresStoreSimple creates a new PostgreSQL store from a DSN.
func NewPostgresStoreSimple(dsn string) (*PostgresStore, error) {
	config := NewStoreConfig("postgres", dsn)
	return NewPostgresStore(config)
}

// NewPostgresStoreDefault builds a DSN from connection parameters.
func NewPostgresStoreDefault(host, user, password, dbname string, port int) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)
	return NewPostgresStoreSimple(dsn)
}

// Connect establishes a connection to the PostgreSQL database. A store
// that is already connected keeps its handle; the constructors connect
// eagerly, so callers may call Connect again without leaking one.
func (s *PostgresStore) Connect() error {
	if s.db != nil {
		return nil
	}

	db, err := gorm.Open(postgres.Open(s.dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	s.db = db

	// Auto-migrate the schema
	if err := s.db.AutoMigrate(&Chat{}, &MessageRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping checks if the database connection is alive.
func (s *PostgresStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// CreateChat creates a new chat record and returns it.
func (s *PostgresStore) CreateChat(model, systemPrompt, paramsJSON string) (*Chat, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	chat := Chat{
		ID:           uuid.New().String(),
		Model:        model,
		SystemPrompt: systemPrompt,
		ParamsJSON:   paramsJSON,
	}

	if err := s.db.Create(&chat).Error; err != nil {
		return nil, fmt.Errorf("failed to create chat record: %w", err)
	}

	return &chat, nil
}

// GetChat fetches one chat by id.
func (s *PostgresStore) GetChat(chatID string) (*Chat, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var chat Chat
	if err := s.db.First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch chat %s: %w", chatID, err)
	}

	return &chat, nil
}

// ListChats returns the most recently updated chats with a
// has-messages flag per chat.
func (s *PostgresStore) ListChats(limit int) ([]ChatInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	if limit <= 0 {
		limit = 100
	}

	var chats []Chat
	if err := s.db.Order("updated_at DESC").Limit(limit).Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch chats: %w", err)
	}

	result := make([]ChatInfo, len(chats))
	for i, c := range chats {
		var count int64
		if err := s.db.Model(&MessageRecord{}).Where("chat_id = ?", c.ID).Limit(1).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("failed to check messages for chat %s: %w", c.ID, err)
		}
		result[i] = ChatInfo{Chat: c, HasMessages: count > 0}
	}

	return result, nil
}

// DeleteChat removes a chat and its messages.
func (s *PostgresStore) DeleteChat(chatID string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx := s.db.Begin()
	if err := tx.Where("chat_id = ?", chatID).Delete(&MessageRecord{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	if err := tx.Where("id = ?", chatID).Delete(&Chat{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return tx.Commit().Error
}

// SetChatTitle updates the chat title in place.
func (s *PostgresStore) SetChatTitle(chatID, title string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if err := s.db.Model(&Chat{}).Where("id = ?", chatID).Update("title", title).Error; err != nil {
		return fmt.Errorf("failed to set chat title: %w", err)
	}
	return nil
}

// SetChatModel updates the chat's model selector.
func (s *PostgresStore) SetChatModel(chatID, model string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if err := s.db.Model(&Chat{}).Where("id = ?", chatID).Update("model", model).Error; err != nil {
		return fmt.Errorf("failed to set chat model: %w", err)
	}
	return nil
}

// AppendMessage stores a message and touches the chat's updated_at.
func (s *PostgresStore) AppendMessage(chatID, role, content, metaJSON string) (*MessageRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	msg := MessageRecord{
		ID:       uuid.New().String(),
		ChatID:   chatID,
		Role:     role,
		Content:  content,
		MetaJSON: metaJSON,
	}

	tx := s.db.Begin()
	if err := tx.Create(&msg).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to create message record: %w", err)
	}
	if err := tx.Model(&Chat{}).Where("id = ?", chatID).Update("updated_at", time.Now()).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to touch chat: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &msg, nil
}

// ListMessages retrieves messages for a chat in creation order.
func (s *PostgresStore) ListMessages(chatID string, limit int) ([]MessageRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	if limit <= 0 {
		limit = 500
	}

	var msgs []MessageRecord
	if err := s.db.Where("chat_id = ?", chatID).Order("created_at ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return msgs, nil
}

// UpdateMessageContent rewrites one message's content in place.
func (s *PostgresStore) UpdateMessageContent(messageID, content string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if err := s.db.Model(&MessageRecord{}).Where("id = ?", messageID).Update("content", content).Error; err != nil {
		return fmt.Errorf("failed to update message content: %w", err)
	}
	return nil
}

// DeleteMessagesAfter removes every message of the chat created after
// the given instant and returns how many rows went away.
func (s *PostgresStore) DeleteMessagesAfter(chatID string, after time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}

	res := s.db.Where("chat_id = ? AND created_at > ?", chatID, after).Delete(&MessageRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete messages after %v: %w", after, res.Error)
	}

	return res.RowsAffected, nil
}
