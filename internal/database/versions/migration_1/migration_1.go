package migration_1

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatMessage gains a client supplied correlation id so that resends of the
// same message can be detected.
type ChatMessage struct {
	SessionId       uuid.UUID      `gorm:"type:uuid;not null;index:idx_chat_messages_client_id,priority:1"`
	ClientMessageId sql.NullString `gorm:"size:64;index:idx_chat_messages_client_id,priority:2"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&ChatMessage{}, "ClientMessageId"); err != nil {
		return fmt.Errorf("error adding client_message_id column: %w", err)
	}
	if err := db.Migrator().CreateIndex(&ChatMessage{}, "idx_chat_messages_client_id"); err != nil {
		return fmt.Errorf("error creating idx_chat_messages_client_id: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropIndex(&ChatMessage{}, "idx_chat_messages_client_id"); err != nil {
		return fmt.Errorf("error dropping idx_chat_messages_client_id: %w", err)
	}
	if err := db.Migrator().DropColumn(&ChatMessage{}, "ClientMessageId"); err != nil {
		return fmt.Errorf("error dropping client_message_id column: %w", err)
	}
	return nil
}
