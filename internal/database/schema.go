package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	SessionWaiting string = "waiting"
	SessionActive  string = "active"
	SessionEnded   string = "ended"
)

const (
	SenderCustomer string = "customer"
	SenderAgent    string = "agent"
	SenderSystem   string = "system"
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
	ArchiveTime  sql.NullTime

	ArchiveClaimId   sql.NullString `gorm:"size:36"`
	ArchiveClaimTime sql.NullTime

	Messages []ChatMessage `gorm:"foreignKey:SessionId;constraint:OnDelete:CASCADE"`
}

type ChatMessage struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_messages_session_seq,priority:1;index:idx_chat_messages_client_id,priority:1"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_chat_messages_session_seq,priority:2"`

	Sender     string `gorm:"size:20;not null"`
	SenderName sql.NullString
	Content    string    `gorm:"not null"`
	Timestamp  time.Time `gorm:"not null"`

	ClientMessageId sql.NullString `gorm:"size:64;index:idx_chat_messages_client_id,priority:2"`
	Metadata        datatypes.JSON `gorm:"type:jsonb"` // {"pageUrl": "..."}
}
