// Package archive writes the transcript of every ended chat session to an
// object store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"supporthub/internal/chat"
	"supporthub/internal/database"
	"supporthub/internal/hub"
	"supporthub/internal/storage"
	"supporthub/internal/utils"
	"supporthub/pkg/api"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TranscriptVersion = 1

	backfillBatchSize = 500

	// Uploads are cut off well before a claim goes stale, so a slow archiver
	// cannot overwrite a transcript another archiver took over.
	uploadTimeout = 2 * time.Minute
	claimTimeout  = 10 * time.Minute
)

type Archiver struct {
	db       *gorm.DB
	sessions *chat.Service
	store    storage.ObjectStore
	workers  int
	now      func() time.Time
}

func NewArchiver(db *gorm.DB, sessions *chat.Service, store storage.ObjectStore, workers int) *Archiver {
	return &Archiver{
		db:       db,
		sessions: sessions,
		store:    store,
		workers:  max(1, workers),
		now:      time.Now,
	}
}

// TranscriptKey is transcripts/<yyyy>/<mm>/<sessionId>.json, using the month
// the session ended in.
func TranscriptKey(sessionId uuid.UUID, endedAt time.Time) string {
	endedAt = endedAt.UTC()
	return fmt.Sprintf("transcripts/%04d/%02d/%s.json", endedAt.Year(), int(endedAt.Month()), sessionId)
}

// ArchiveSession uploads the transcript of an ended session and records the
// archive time. The session is claimed before uploading, so of several
// archivers racing on the same session only one writes the transcript. It
// returns false when the session is not ended or is archived elsewhere.
func (a *Archiver) ArchiveSession(ctx context.Context, sessionId uuid.UUID) (bool, error) {
	session, err := a.sessions.GetSession(ctx, sessionId)
	if err != nil {
		return false, err
	}

	if session.Status != database.SessionEnded || session.ArchiveTime.Valid {
		return false, nil
	}

	claimId := uuid.NewString()
	claimed, err := database.ClaimSessionArchive(ctx, a.db, sessionId, claimId, a.now().UTC(), claimTimeout)
	if err != nil {
		return false, fmt.Errorf("error claiming session %s for archival: %w", sessionId, err)
	}
	if !claimed {
		slog.Debug("session is archived by another archiver", "session_id", sessionId)
		return false, nil
	}

	endedAt := session.UpdateTime
	if session.EndTime.Valid {
		endedAt = session.EndTime.Time
	}

	archivedAt := a.now().UTC().Truncate(time.Microsecond)

	transcript := api.Transcript{
		Version:    TranscriptVersion,
		Session:    chat.ToApiSession(session),
		ArchivedAt: archivedAt,
	}
	transcript.Session.ArchivedAt = &archivedAt

	key := TranscriptKey(sessionId, endedAt)
	if err := a.upload(ctx, key, transcript); err != nil {
		if err := database.ReleaseSessionArchive(context.WithoutCancel(ctx), a.db, sessionId, claimId); err != nil {
			slog.Error("error releasing archive claim", "session_id", sessionId, "error", err)
		}
		return false, err
	}

	marked, err := database.MarkSessionArchived(ctx, a.db, sessionId, claimId, archivedAt)
	if err != nil {
		return false, fmt.Errorf("error marking session %s archived: %w", sessionId, err)
	}

	if marked {
		slog.Info("archived chat transcript", "session_id", sessionId, "key", key)
	} else {
		slog.Warn("archive claim lost before the session was marked", "session_id", sessionId, "key", key)
	}

	return marked, nil
}

func (a *Archiver) upload(ctx context.Context, key string, transcript api.Transcript) error {
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding transcript: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	if err := a.store.PutObject(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("error uploading transcript %s: %w", key, err)
	}
	return nil
}

// Backfill archives ended sessions that were never archived, for example
// because the process stopped between ending a session and uploading it.
func (a *Archiver) Backfill(ctx context.Context) (int, error) {
	archived := 0

	for {
		ids, err := database.UnarchivedSessionIds(ctx, a.db, backfillBatchSize)
		if err != nil {
			return archived, fmt.Errorf("error listing unarchived sessions: %w", err)
		}
		if len(ids) == 0 {
			return archived, nil
		}

		queue := make(chan uuid.UUID, len(ids))
		for _, id := range ids {
			queue <- id
		}
		close(queue)

		completed := make(chan utils.CompletedTask[uuid.UUID, bool], len(ids))
		worker := func(id uuid.UUID) (bool, error) {
			return a.ArchiveSession(ctx, id)
		}

		utils.RunInPool(worker, queue, completed, a.workers)

		failed := 0
		for task := range completed {
			switch {
			case task.Error != nil:
				failed++
				slog.Error("error archiving session", "session_id", task.Input, "error", task.Error)
			case task.Result:
				archived++
			}
		}

		if failed > 0 {
			return archived, fmt.Errorf("failed to archive %d sessions", failed)
		}
		if len(ids) < backfillBatchSize {
			return archived, nil
		}
	}
}

// Run archives sessions as they end. If the hub drops the subscription the
// missed sessions are picked up by a backfill before resubscribing.
func (a *Archiver) Run(ctx context.Context, events *hub.Hub) {
	for {
		sub := events.SubscribeAll()
		a.consume(ctx, sub)
		events.Unsubscribe(sub)

		if ctx.Err() != nil {
			return
		}

		if _, err := a.Backfill(ctx); err != nil {
			slog.Error("transcript backfill failed", "error", err)
		}
	}
}

func (a *Archiver) consume(ctx context.Context, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				slog.Warn("archiver subscription dropped")
				return
			}
			if event.Type != api.EventSessionStatusChanged || event.Session == nil || event.Session.Status != api.StatusEnded {
				continue
			}
			if _, err := a.ArchiveSession(ctx, event.SessionId); err != nil {
				slog.Error("error archiving session", "session_id", event.SessionId, "error", err)
			}
		}
	}
}
