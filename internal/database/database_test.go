package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/sandboxd/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB installs an in-memory SQLite database as DB for the test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// Each pooled connection would otherwise see its own empty database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	DB = db
	t.Cleanup(func() { Close() })
}

func TestRecordAndListEvents(t *testing.T) {
	setupTestDB(t)

	RecordEvent(SessionEvent{SessionID: "s1", ClientID: "10.0.0.1", Event: EventCreated, ToolPair: "jj-git"})
	RecordEvent(SessionEvent{SessionID: "s1", Event: EventRunning, UnitID: "abc"})
	RecordEvent(SessionEvent{SessionID: "s2", Event: EventCreated})

	all, err := ListEvents("", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].SessionID != "s2" {
		t.Errorf("expected newest first, got %s first", all[0].SessionID)
	}

	s1, err := ListEvents("s1", 10)
	if err != nil {
		t.Fatalf("ListEvents(s1): %v", err)
	}
	if len(s1) != 2 {
		t.Fatalf("expected 2 events for s1, got %d", len(s1))
	}
	if s1[0].Event != EventRunning || s1[1].Event != EventCreated {
		t.Errorf("unexpected order: %s, %s", s1[0].Event, s1[1].Event)
	}
	if s1[1].ToolPair != "jj-git" || s1[1].ClientID != "10.0.0.1" {
		t.Errorf("fields not persisted: %+v", s1[1])
	}
}

func TestListEventsLimit(t *testing.T) {
	setupTestDB(t)
	for i := 0; i < 5; i++ {
		RecordEvent(SessionEvent{SessionID: "s", Event: EventAttached})
	}
	events, err := ListEvents("s", 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestPruneEvents(t *testing.T) {
	setupTestDB(t)

	old := SessionEvent{SessionID: "old", Event: EventDestroyed, CreatedAt: time.Now().Add(-48 * time.Hour)}
	if err := DB.Create(&old).Error; err != nil {
		t.Fatalf("create old event: %v", err)
	}
	RecordEvent(SessionEvent{SessionID: "new", Event: EventCreated})

	n, err := PruneEvents(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	events, _ := ListEvents("", 0)
	if len(events) != 1 || events[0].SessionID != "new" {
		t.Errorf("unexpected remaining events: %+v", events)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	DB = nil
	RecordEvent(SessionEvent{SessionID: "x", Event: EventCreated})

	events, err := ListEvents("", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	if n, err := PruneEvents(time.Now()); n != 0 || err != nil {
		t.Errorf("PruneEvents = %d, %v", n, err)
	}
}

func TestInitFromConfig(t *testing.T) {
	orig := config.Cfg.DatabasePath
	t.Cleanup(func() { config.Cfg.DatabasePath = orig })

	config.Cfg.DatabasePath = ""
	if err := Init(); err != nil {
		t.Fatalf("Init with empty path: %v", err)
	}
	if DB != nil {
		t.Fatal("expected DB to stay nil when disabled")
	}

	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "data", "audit.db")
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Close() })

	RecordEvent(SessionEvent{SessionID: "s", Event: EventCreated})
	events, err := ListEvents("s", 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected persisted event, got %v, %v", events, err)
	}
}
