package migration_2

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

type ChatSession struct {
	ArchiveTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&ChatSession{}, "archive_time"); err != nil {
		return fmt.Errorf("error adding archive_time column: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&ChatSession{}, "archive_time"); err != nil {
		return fmt.Errorf("error dropping archive_time column: %w", err)
	}
	return nil
}
