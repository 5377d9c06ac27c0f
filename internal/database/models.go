package database

import "time"

// Session lifecycle event kinds.
const (
	EventCreated   = "created"
	EventRunning   = "running"
	EventFailed    = "failed"
	EventDestroyed = "destroyed"
	EventExpired   = "expired"
	EventAttached  = "attached"
	EventDetached  = "detached"
	EventReaped    = "reaped"
)

type SessionEvent struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"index;not null" json:"session_id"`
	ClientID    string    `gorm:"index" json:"client_id"`
	Event       string    `gorm:"not null" json:"event"`
	Environment string    `json:"environment,omitempty"`
	ToolPair    string    `json:"tool_pair,omitempty"`
	UnitID      string    `json:"unit_id,omitempty"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
