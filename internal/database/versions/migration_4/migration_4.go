package migration_4

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// ChatSession gains an archive claim, so that only one archiver uploads the
// transcript of a session.
type ChatSession struct {
	ArchiveClaimId   sql.NullString `gorm:"size:36"`
	ArchiveClaimTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&ChatSession{}, "ArchiveClaimId"); err != nil {
		return fmt.Errorf("error adding archive_claim_id column: %w", err)
	}
	if err := db.Migrator().AddColumn(&ChatSession{}, "ArchiveClaimTime"); err != nil {
		return fmt.Errorf("error adding archive_claim_time column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&ChatSession{}, "archive_claim_time"); err != nil {
		return fmt.Errorf("error dropping archive_claim_time column: %w", err)
	}
	if err := db.Migrator().DropColumn(&ChatSession{}, "archive_claim_id"); err != nil {
		return fmt.Errorf("error dropping archive_claim_id column: %w", err)
	}
	return nil
}
