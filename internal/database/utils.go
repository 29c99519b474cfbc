package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClaimSessionArchive reserves an ended, unarchived session for the archiver
// holding claimId. A claim older than staleAfter is taken over, so an archiver
// that died mid upload does not block the session forever.
func ClaimSessionArchive(ctx context.Context, txn *gorm.DB, sessionId uuid.UUID, claimId string, at time.Time, staleAfter time.Duration) (bool, error) {
	result := txn.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ? AND status = ? AND archive_time IS NULL", sessionId, SessionEnded).
		Where("(archive_claim_id IS NULL OR archive_claim_time < ?)", at.Add(-staleAfter)).
		Updates(map[string]any{"archive_claim_id": claimId, "archive_claim_time": at})
	if result.Error != nil {
		slog.Error("error claiming session archive", "session_id", sessionId, "error", result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseSessionArchive drops a claim after a failed upload so the session can
// be retried right away.
func ReleaseSessionArchive(ctx context.Context, txn *gorm.DB, sessionId uuid.UUID, claimId string) error {
	err := txn.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ? AND archive_claim_id = ? AND archive_time IS NULL", sessionId, claimId).
		Updates(map[string]any{"archive_claim_id": nil, "archive_claim_time": nil}).Error
	if err != nil {
		slog.Error("error releasing session archive claim", "session_id", sessionId, "error", err)
		return err
	}
	return nil
}

// MarkSessionArchived records the archive time of a session claimed with
// claimId. It returns false if the claim was lost in the meantime.
func MarkSessionArchived(ctx context.Context, txn *gorm.DB, sessionId uuid.UUID, claimId string, at time.Time) (bool, error) {
	result := txn.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ? AND status = ? AND archive_time IS NULL AND archive_claim_id = ?", sessionId, SessionEnded, claimId).
		Update("archive_time", at)
	if result.Error != nil {
		slog.Error("error marking session archived", "session_id", sessionId, "error", result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UnarchivedSessionIds lists ended sessions that have no archive time yet,
// oldest first.
func UnarchivedSessionIds(ctx context.Context, txn *gorm.DB, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := txn.WithContext(ctx).Model(&ChatSession{}).
		Where("status = ? AND archive_time IS NULL", SessionEnded).
		Order("end_time ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		slog.Error("error listing unarchived sessions", "error", err)
		return nil, err
	}
	return ids, nil
}
