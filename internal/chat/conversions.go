package chat

import (
	"database/sql"
	"encoding/json"
	"time"

	"supporthub/internal/database"
	"supporthub/pkg/api"
)

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time.UTC()
	return &ts
}

func ToApiSession(session database.ChatSession) api.ChatSession {
	converted := api.ChatSession{
		Id:                session.Id,
		CustomerName:      session.CustomerName,
		CustomerEmail:     session.CustomerEmail,
		Status:            session.Status,
		AssignedAgentId:   nullString(session.AssignedAgentId),
		AssignedAgentName: nullString(session.AssignedAgentName),
		WebsiteUrl:        nullString(session.WebsiteUrl),
		CreatedAt:         session.CreationTime.UTC(),
		UpdatedAt:         session.UpdateTime.UTC(),
		AssignedAt:        nullTime(session.AssignTime),
		EndedAt:           nullTime(session.EndTime),
		ArchivedAt:        nullTime(session.ArchiveTime),
	}

	for _, msg := range session.Messages {
		converted.Messages = append(converted.Messages, ToApiMessage(msg))
	}

	return converted
}

func ToApiMessage(msg database.ChatMessage) api.ChatMessage {
	converted := api.ChatMessage{
		Id:              msg.Id,
		SessionId:       msg.SessionId,
		Seq:             msg.Seq,
		Content:         msg.Content,
		Sender:          msg.Sender,
		SenderName:      nullString(msg.SenderName),
		ClientMessageId: msg.ClientMessageId.String,
		Timestamp:       msg.Timestamp.UTC(),
	}
	if len(msg.Metadata) > 0 {
		converted.Metadata = json.RawMessage(msg.Metadata)
	}
	return converted
}
