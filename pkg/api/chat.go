package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
	SenderSystem   = "system"
)

type StartChatRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Message    string `json:"message"`
	WebsiteUrl string `json:"websiteUrl,omitempty"`
}

type SendCustomerMessageRequest struct {
	SessionId       uuid.UUID `json:"sessionId"`
	Content         string    `json:"content"`
	ClientMessageId string    `json:"clientMessageId,omitempty"`
}

type SendAgentMessageRequest struct {
	Content         string `json:"content"`
	ClientMessageId string `json:"clientMessageId,omitempty"`
}

type ListSessionsParams struct {
	Status string `schema:"status"`
}

type ChatSession struct {
	Id                uuid.UUID  `json:"id"`
	CustomerName      string     `json:"customerName"`
	CustomerEmail     string     `json:"customerEmail"`
	Status            string     `json:"status"`
	AssignedAgentId   *string    `json:"assignedAgentId,omitempty"`
	AssignedAgentName *string    `json:"assignedAgentName,omitempty"`
	WebsiteUrl        *string    `json:"websiteUrl,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	AssignedAt        *time.Time `json:"assignedAt,omitempty"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	ArchivedAt        *time.Time `json:"archivedAt,omitempty"`

	Messages []ChatMessage `json:"messages,omitempty"`
}

type ChatMessage struct {
	Id              uuid.UUID `json:"id"`
	SessionId       uuid.UUID `json:"sessionId"`
	Seq             int64     `json:"seq"`
	Content         string    `json:"content"`
	Sender          string    `json:"sender"` // "customer", "agent" or "system"
	SenderName      *string   `json:"senderName,omitempty"`
	ClientMessageId string    `json:"clientMessageId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`

	// Client context recorded with the message, e.g. {"pageUrl": "..."} for
	// the customer's first message.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

const (
	EventSessionCreated       = "session.created"
	EventSessionStatusChanged = "session.status_changed"
	EventMessageCreated       = "message.created"

	// Stream control frames, never published on the bus.
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// ChatEvent is pushed to subscribers after a session mutation commits. The
// connected frame of a single session stream carries a snapshot of the session.
type ChatEvent struct {
	Type      string       `json:"type"`
	SessionId uuid.UUID    `json:"sessionId"`
	Session   *ChatSession `json:"session,omitempty"`
	Message   *ChatMessage `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	Time      time.Time    `json:"time"`
}

const CommandSendMessage = "message"

// AgentCommand is sent by an agent over the session WebSocket.
type AgentCommand struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	ClientMessageId string `json:"clientMessageId,omitempty"`
}

type WidgetConfig struct {
	CompanyName  string `json:"companyName"`
	PrimaryColor string `json:"primaryColor"`
	Position     string `json:"position"`
}

// Transcript is the archived form of an ended session.
type Transcript struct {
	Version    int         `json:"version"`
	Session    ChatSession `json:"session"`
	ArchivedAt time.Time   `json:"archivedAt"`
}
