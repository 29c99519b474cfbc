package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"supporthub/internal/database"
	"supporthub/internal/messaging"
	"supporthub/internal/utils"
	"supporthub/pkg/api"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MaxMessageLength         = 4000
	MaxClientMessageIdLength = 64

	DefaultWelcomeMessage = "Thanks for reaching out! An agent will be with you shortly."

	maxLockedSessions = 10000
	publishTimeout    = 5 * time.Second
)

// Agent identifies the support agent performing an action.
type Agent struct {
	Id   string
	Name string
}

type Service struct {
	store     *store
	publisher messaging.Publisher
	locks     *utils.MutexMap[uuid.UUID]
	maxLocked int
	now       func() time.Time
	welcome   string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxLockedSessions bounds how many sessions can be mutated at once in
// this process.
func WithMaxLockedSessions(n int) Option {
	return func(s *Service) { s.maxLocked = n }
}

func WithWelcomeMessage(welcome string) Option {
	return func(s *Service) {
		if welcome != "" {
			s.welcome = welcome
		}
	}
}

func NewService(db *gorm.DB, publisher messaging.Publisher, opts ...Option) *Service {
	s := &Service{
		store:     newStore(db),
		publisher: publisher,
		maxLocked: maxLockedSessions,
		now:       time.Now,
		welcome:   DefaultWelcomeMessage,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks = utils.NewMutexMap[uuid.UUID](max(1, s.maxLocked))
	return s
}

// withSessionLock serializes mutations of one session within this process.
func (s *Service) withSessionLock(sessionId uuid.UUID, fn func() error) error {
	err := s.locks.WithLock(sessionId, fn)
	if errors.Is(err, utils.ErrMaxSizeReached) {
		slog.Warn("session lock limit reached", "session_id", sessionId, "limit", s.maxLocked)
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}

func (s *Service) timestamp() time.Time {
	// Postgres keeps microseconds, truncate so values survive a round trip.
	return s.now().UTC().Truncate(time.Microsecond)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalidInput("message content is required")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", invalidInput("message content exceeds %d characters", MaxMessageLength)
	}
	return content, nil
}

func validateClientMessageId(id string) (sql.NullString, error) {
	id = strings.TrimSpace(id)
	if len(id) > MaxClientMessageIdLength {
		return sql.NullString{}, invalidInput("clientMessageId exceeds %d characters", MaxClientMessageIdLength)
	}
	return sql.NullString{String: id, Valid: id != ""}, nil
}

func validateAgent(agent Agent) error {
	if strings.TrimSpace(agent.Id) == "" {
		return invalidInput("agent id is required")
	}
	return nil
}

func (agent Agent) displayName() string {
	if name := strings.TrimSpace(agent.Name); name != "" {
		return name
	}
	return agent.Id
}

// StartChat creates a waiting session holding the welcome message followed
// by the customer's first message.
func (s *Service) StartChat(ctx context.Context, req api.StartChatRequest) (database.ChatSession, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return database.ChatSession{}, invalidInput("name is required")
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return database.ChatSession{}, invalidInput("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return database.ChatSession{}, invalidInput("email '%s' is not a valid address", email)
	}
	content, err := validateContent(req.Message)
	if err != nil {
		return database.ChatSession{}, err
	}

	websiteUrl := strings.TrimSpace(req.WebsiteUrl)
	var metadata datatypes.JSON
	if websiteUrl != "" {
		parsed, err := url.ParseRequestURI(websiteUrl)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return database.ChatSession{}, invalidInput("websiteUrl must be an http(s) url")
		}
		metadata, err = json.Marshal(map[string]string{"pageUrl": websiteUrl})
		if err != nil {
			return database.ChatSession{}, fmt.Errorf("error encoding message metadata: %w", err)
		}
	}

	now := s.timestamp()
	session := database.ChatSession{
		Id:            uuid.New(),
		CustomerName:  name,
		CustomerEmail: email,
		WebsiteUrl:    sql.NullString{String: websiteUrl, Valid: websiteUrl != ""},
		Status:        database.SessionWaiting,
		CreationTime:  now,
		UpdateTime:    now,
	}

	welcome := database.ChatMessage{
		SessionId: session.Id,
		Sender:    database.SenderSystem,
		Content:   s.welcome,
	}
	first := database.ChatMessage{
		SessionId:  session.Id,
		Sender:     database.SenderCustomer,
		SenderName: sql.NullString{String: name, Valid: true},
		Content:    content,
		Metadata:   metadata,
	}

	err = s.store.transaction(ctx, func(txn *gorm.DB) error {
		if err := txn.Create(&session).Error; err != nil {
			return fmt.Errorf("error creating session: %w", err)
		}
		if err := appendMessage(txn, &welcome, now); err != nil {
			return err
		}
		return appendMessage(txn, &first, now)
	})
	if err != nil {
		slog.Error("error starting chat", "error", err)
		return database.ChatSession{}, err
	}

	session.Messages = []database.ChatMessage{welcome, first}

	slog.Info("chat session started", "session_id", session.Id)

	created := ToApiSession(session)
	created.Messages = nil
	s.publish(ctx,
		sessionEvent(api.EventSessionCreated, created, now),
		messageEvent(welcome, now),
		messageEvent(first, now),
	)

	return session, nil
}

// PostCustomerMessage appends a customer message. Resending a message with the
// same clientMessageId returns the stored message without appending again.
func (s *Service) PostCustomerMessage(ctx context.Context, sessionId uuid.UUID, content, clientMessageId string) (database.ChatMessage, error) {
	content, err := validateContent(content)
	if err != nil {
		return database.ChatMessage{}, err
	}
	clientId, err := validateClientMessageId(clientMessageId)
	if err != nil {
		return database.ChatMessage{}, err
	}

	var msg database.ChatMessage
	duplicate := false

	err = s.withSessionLock(sessionId, func() error {
		return s.store.transaction(ctx, func(txn *gorm.DB) error {
			session, err := s.store.lockSession(txn, sessionId)
			if err != nil {
				return err
			}

			if clientId.Valid {
				existing, err := findByClientMessageId(txn, sessionId, clientId.String)
				if err != nil {
					return err
				}
				if existing != nil {
					msg, duplicate = *existing, true
					return nil
				}
			}

			if session.Status == database.SessionEnded {
				return fmt.Errorf("%w: %s", ErrSessionEnded, sessionId)
			}

			msg = database.ChatMessage{
				SessionId:       sessionId,
				Sender:          database.SenderCustomer,
				SenderName:      sql.NullString{String: session.CustomerName, Valid: true},
				Content:         content,
				ClientMessageId: clientId,
			}
			return appendMessage(txn, &msg, s.timestamp())
		})
	})
	if err != nil {
		return database.ChatMessage{}, err
	}

	if !duplicate {
		s.publish(ctx, messageEvent(msg, msg.Timestamp))
	}

	return msg, nil
}

// PostAgentMessage appends a message from the agent assigned to the session.
func (s *Service) PostAgentMessage(ctx context.Context, sessionId uuid.UUID, agent Agent, content, clientMessageId string) (database.ChatMessage, error) {
	if err := validateAgent(agent); err != nil {
		return database.ChatMessage{}, err
	}
	content, err := validateContent(content)
	if err != nil {
		return database.ChatMessage{}, err
	}
	clientId, err := validateClientMessageId(clientMessageId)
	if err != nil {
		return database.ChatMessage{}, err
	}

	var msg database.ChatMessage
	duplicate := false

	err = s.withSessionLock(sessionId, func() error {
		return s.store.transaction(ctx, func(txn *gorm.DB) error {
			session, err := s.store.lockSession(txn, sessionId)
			if err != nil {
				return err
			}

			switch {
			case session.Status == database.SessionEnded:
				return fmt.Errorf("%w: %s", ErrSessionEnded, sessionId)
			case session.Status != database.SessionActive || session.AssignedAgentId.String != agent.Id:
				return fmt.Errorf("%w: %s", ErrNotAssignedAgent, sessionId)
			}

			if clientId.Valid {
				existing, err := findByClientMessageId(txn, sessionId, clientId.String)
				if err != nil {
					return err
				}
				if existing != nil {
					msg, duplicate = *existing, true
					return nil
				}
			}

			msg = database.ChatMessage{
				SessionId:       sessionId,
				Sender:          database.SenderAgent,
				SenderName:      sql.NullString{String: agent.displayName(), Valid: true},
				Content:         content,
				ClientMessageId: clientId,
			}
			return appendMessage(txn, &msg, s.timestamp())
		})
	})
	if err != nil {
		return database.ChatMessage{}, err
	}

	if !duplicate {
		s.publish(ctx, messageEvent(msg, msg.Timestamp))
	}

	return msg, nil
}

// Assign moves a waiting session to active and records the agent. The update
// is conditional on the session still being unassigned, so of two concurrent
// callers exactly one wins and the other gets ErrAlreadyAssigned.
func (s *Service) Assign(ctx context.Context, sessionId uuid.UUID, agent Agent) (database.ChatSession, error) {
	if err := validateAgent(agent); err != nil {
		return database.ChatSession{}, err
	}

	var session database.ChatSession
	var joined database.ChatMessage

	err := s.withSessionLock(sessionId, func() error {
		return s.store.transaction(ctx, func(txn *gorm.DB) error {
			now := s.timestamp()

			result := txn.Model(&database.ChatSession{}).
				Where("id = ? AND status = ? AND assigned_agent_id IS NULL", sessionId, database.SessionWaiting).
				Updates(map[string]any{
					"status":              database.SessionActive,
					"assigned_agent_id":   agent.Id,
					"assigned_agent_name": agent.displayName(),
					"assign_time":         now,
					"update_time":         now,
				})
			if result.Error != nil {
				return fmt.Errorf("error assigning session %s: %w", sessionId, result.Error)
			}
			if result.RowsAffected == 0 {
				current, err := getSession(txn, sessionId, false)
				if err != nil {
					return err
				}
				if current.Status == database.SessionEnded {
					return fmt.Errorf("%w: %s", ErrSessionEnded, sessionId)
				}
				return fmt.Errorf("%w: %s", ErrAlreadyAssigned, sessionId)
			}

			joined = database.ChatMessage{
				SessionId: sessionId,
				Sender:    database.SenderSystem,
				Content:   fmt.Sprintf("%s joined the chat", agent.displayName()),
			}
			if err := appendMessage(txn, &joined, now); err != nil {
				return err
			}

			var err error
			session, err = getSession(txn, sessionId, true)
			return err
		})
	})
	if err != nil {
		return database.ChatSession{}, err
	}

	slog.Info("chat session assigned", "session_id", sessionId, "agent_id", agent.Id)

	s.publishStatusChange(ctx, session, joined)

	return session, nil
}

// End closes an active session. Only the assigned agent may end it, and a
// waiting session cannot be ended.
func (s *Service) End(ctx context.Context, sessionId uuid.UUID, agent Agent) (database.ChatSession, error) {
	if err := validateAgent(agent); err != nil {
		return database.ChatSession{}, err
	}

	var session database.ChatSession
	var ended database.ChatMessage

	err := s.withSessionLock(sessionId, func() error {
		return s.store.transaction(ctx, func(txn *gorm.DB) error {
			current, err := s.store.lockSession(txn, sessionId)
			if err != nil {
				return err
			}

			if current.Status == database.SessionEnded {
				return fmt.Errorf("%w: %s", ErrSessionEnded, sessionId)
			}
			if !CanTransition(current.Status, database.SessionEnded) {
				return fmt.Errorf("%w: cannot end a %s session", ErrInvalidTransition, current.Status)
			}
			if current.AssignedAgentId.String != agent.Id {
				return fmt.Errorf("%w: %s", ErrNotAssignedAgent, sessionId)
			}

			now := s.timestamp()
			result := txn.Model(&database.ChatSession{}).
				Where("id = ? AND status = ?", sessionId, database.SessionActive).
				Updates(map[string]any{
					"status":      database.SessionEnded,
					"end_time":    now,
					"update_time": now,
				})
			if result.Error != nil {
				return fmt.Errorf("error ending session %s: %w", sessionId, result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: session %s changed concurrently", ErrInvalidTransition, sessionId)
			}

			ended = database.ChatMessage{
				SessionId: sessionId,
				Sender:    database.SenderSystem,
				Content:   fmt.Sprintf("Chat ended by %s", agent.displayName()),
			}
			if err := appendMessage(txn, &ended, now); err != nil {
				return err
			}

			session, err = getSession(txn, sessionId, true)
			return err
		})
	})
	if err != nil {
		return database.ChatSession{}, err
	}

	slog.Info("chat session ended", "session_id", sessionId, "agent_id", agent.Id)

	s.publishStatusChange(ctx, session, ended)

	return session, nil
}

// GetSession returns the session with its messages in sequence order.
func (s *Service) GetSession(ctx context.Context, sessionId uuid.UUID) (database.ChatSession, error) {
	return getSession(s.store.db.WithContext(ctx), sessionId, true)
}

// ListSessions returns sessions newest first, optionally filtered by status.
func (s *Service) ListSessions(ctx context.Context, status string) ([]database.ChatSession, error) {
	if status != "" && !IsValidStatus(status) {
		return nil, invalidInput("unknown session status '%s'", status)
	}
	return listSessions(s.store.db.WithContext(ctx), status)
}

func sessionEvent(eventType string, session api.ChatSession, at time.Time) api.ChatEvent {
	return api.ChatEvent{Type: eventType, SessionId: session.Id, Session: &session, Time: at}
}

func messageEvent(msg database.ChatMessage, at time.Time) api.ChatEvent {
	converted := ToApiMessage(msg)
	return api.ChatEvent{Type: api.EventMessageCreated, SessionId: msg.SessionId, Message: &converted, Time: at}
}

func (s *Service) publishStatusChange(ctx context.Context, session database.ChatSession, notice database.ChatMessage) {
	changed := ToApiSession(session)
	changed.Messages = nil
	s.publish(ctx,
		sessionEvent(api.EventSessionStatusChanged, changed, changed.UpdatedAt),
		messageEvent(notice, notice.Timestamp),
	)
}

// publish runs after the mutation committed, so failures are only logged:
// subscribers that miss an event resync from the REST endpoints.
func (s *Service) publish(ctx context.Context, events ...api.ChatEvent) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, event := range events {
		if err := s.publisher.PublishChatEvent(ctx, event); err != nil {
			slog.Error("error publishing chat event", "type", event.Type, "session_id", event.SessionId, "error", err)
		}
	}
}
