package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/sandboxd/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is nil when the audit log is disabled; every helper is then a no-op.
var DB *gorm.DB

// Init opens the audit database at config.Cfg.DatabasePath. An empty path
// disables persistence.
func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dbPath == "" {
		log.Printf("[audit] DATABASE_PATH not set, session audit log disabled")
		return nil
	}
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	DB = db
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		DB = nil
		return sqlDB.Close()
	}
	return nil
}

// RecordEvent appends ev to the audit log. Failures are logged, never
// returned: auditing must not break the session lifecycle.
func RecordEvent(ev SessionEvent) {
	if DB == nil {
		return
	}
	if err := DB.Create(&ev).Error; err != nil {
		log.Printf("[audit] record %s for session %s: %v", ev.Event, ev.SessionID, err)
	}
}

// ListEvents returns the most recent events, newest first. A non-empty
// sessionID restricts the result to that session.
func ListEvents(sessionID string, limit int) ([]SessionEvent, error) {
	if DB == nil {
		return []SessionEvent{}, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := DB.Order("created_at DESC, id DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var events []SessionEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// PruneEvents deletes events older than cutoff and returns how many were
// removed.
func PruneEvents(cutoff time.Time) (int64, error) {
	if DB == nil {
		return 0, nil
	}
	res := DB.Where("created_at < ?", cutoff).Delete(&SessionEvent{})
	return res.RowsAffected, res.Error
}
