package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChatSession struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	CustomerName  string `gorm:"not null"`
	CustomerEmail string `gorm:"not null"`
	WebsiteUrl    sql.NullString

	Status            string         `gorm:"size:20;not null;index"`
	AssignedAgentId   sql.NullString `gorm:"size:64;index"`
	AssignedAgentName sql.NullString

	CreationTime time.Time `gorm:"not null"`
	UpdateTime   time.Time `gorm:"not null"`
	AssignTime   sql.NullTime
	EndTime      sql.NullTime

	Messages []ChatMessage `gorm:"foreignKey:SessionId;constraint:OnDelete:CASCADE"`
}

type ChatMessage struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_messages_session_seq,priority:1"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_chat_messages_session_seq,priority:2"`

	Sender     string `gorm:"size:20;not null"`
	SenderName sql.NullString
	Content    string    `gorm:"not null"`
	Timestamp  time.Time `gorm:"not null"`
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&ChatSession{}, &ChatMessage{}); err != nil {
		return fmt.Errorf("migration 0 failed: %w", err)
	}
	return nil
}
