package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DefaultBusyTimeoutMs is used when no busy timeout is configured.
const DefaultBusyTimeoutMs = 5000

// Open opens a SQLite database at the specified path with optimized settings.
// Parent directories are created as needed. If logger is provided, logs
// database operations; otherwise operates silently.
func Open(path string, busyTimeoutMs int, logger *zap.SugaredLogger) (*sql.DB, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = DefaultBusyTimeoutMs
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
			"busy_timeout_ms", busyTimeoutMs,
		)
	}

	return db, nil
}
