package database

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite://"

// NewDatabase opens the database named by databaseURL and runs any pending
// migrations. URLs of the form sqlite://<path> open a SQLite file, everything
// else is treated as a postgres DSN.
func NewDatabase(databaseURL string) (*gorm.DB, error) {
	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("unable to migrate database: %w", err)
	}

	return db, nil
}

func open(databaseURL string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if path, ok := strings.CutPrefix(databaseURL, sqlitePrefix); ok {
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, fmt.Errorf("unable to create database directory: %w", err)
		}

		slog.Info("connecting to sqlite database", "path", path)
		db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to open sqlite database: %w", err)
		}
		return db, nil
	}

	slog.Info("connecting to postgres database")
	db, err := gorm.Open(postgres.Open(databaseURL), cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unable to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(time.Minute)

	return db, nil
}

// IsSQLite reports whether db is backed by SQLite, which only supports a single
// writer at a time and has no row level locking.
func IsSQLite(db *gorm.DB) bool {
	name := db.Dialector.Name()
	return name == "sqlite" || name == "sqlite3"
}
