package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"supporthub/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLite only supports one writer at a time, so we need a lock
// whenever we write to the database
var sqliteWriteLock sync.Mutex

type store struct {
	db     *gorm.DB
	sqlite bool
}

func newStore(db *gorm.DB) *store {
	return &store{db: db, sqlite: database.IsSQLite(db)}
}

func (st *store) transaction(ctx context.Context, fn func(txn *gorm.DB) error) error {
	if st.sqlite {
		sqliteWriteLock.Lock()
		defer sqliteWriteLock.Unlock()
	}
	return st.db.WithContext(ctx).Transaction(fn)
}

// lockSession loads a session for update. On postgres the row stays locked
// until the transaction ends, which serializes writers across API instances.
func (st *store) lockSession(txn *gorm.DB, sessionId uuid.UUID) (database.ChatSession, error) {
	query := txn
	if !st.sqlite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var session database.ChatSession
	if err := query.First(&session, "id = ?", sessionId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionId)
		}
		return session, fmt.Errorf("error loading session %s: %w", sessionId, err)
	}
	return session, nil
}

func getSession(txn *gorm.DB, sessionId uuid.UUID, withMessages bool) (database.ChatSession, error) {
	query := txn
	if withMessages {
		query = query.Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("seq ASC")
		})
	}

	var session database.ChatSession
	if err := query.First(&session, "id = ?", sessionId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionId)
		}
		return session, fmt.Errorf("error loading session %s: %w", sessionId, err)
	}
	return session, nil
}

func listSessions(txn *gorm.DB, status string) ([]database.ChatSession, error) {
	query := txn.Order("creation_time DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var sessions []database.ChatSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}
	return sessions, nil
}

func findByClientMessageId(txn *gorm.DB, sessionId uuid.UUID, clientMessageId string) (*database.ChatMessage, error) {
	var msgs []database.ChatMessage
	err := txn.
		Where("session_id = ? AND client_message_id = ?", sessionId, clientMessageId).
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("error looking up client message id: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// appendMessage assigns the next sequence number of the session and a
// timestamp no earlier than the previous message, then inserts msg. Must run
// while the session is locked.
func appendMessage(txn *gorm.DB, msg *database.ChatMessage, now time.Time) error {
	var last database.ChatMessage
	err := txn.
		Where("session_id = ?", msg.SessionId).
		Order("seq DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return fmt.Errorf("error loading last message: %w", err)
	}

	msg.Seq = last.Seq + 1
	msg.Timestamp = now
	if msg.Timestamp.Before(last.Timestamp) {
		msg.Timestamp = last.Timestamp
	}
	if msg.Id == uuid.Nil {
		msg.Id = uuid.New()
	}

	if err := txn.Create(msg).Error; err != nil {
		return fmt.Errorf("error saving message: %w", err)
	}

	err = txn.Model(&database.ChatSession{}).
		Where("id = ?", msg.SessionId).
		Update("update_time", msg.Timestamp).Error
	if err != nil {
		return fmt.Errorf("error updating session: %w", err)
	}

	return nil
}
