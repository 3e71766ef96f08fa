package database

import "time"

// Target is a remote host a session can be bound to. Inventory CRUD lives
// outside this service; rows are seeded with the --add-target CLI.
type Target struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Host      string    `gorm:"not null" json:"host"`
	Port      int       `gorm:"not null;default:22" json:"port"`
	Username  string    `gorm:"not null" json:"username"`
	Password  string    `json:"-"` // Fernet-encrypted, empty for key auth
	Online    bool      `gorm:"not null" json:"online"`
	SortOrder int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TabUIState is the persisted form of one session's panel toggles.
type TabUIState struct {
	SessionID string    `gorm:"primaryKey;size:64" json:"session_id"`
	Version   int       `gorm:"not null;default:1" json:"version"`
	Data      string    `gorm:"type:text;not null" json:"data"` // JSON-encoded tabstate.State
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionAuditLog records one terminal session lifecycle event.
type SessionAuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;size:64" json:"session_id"`
	TargetID  string    `gorm:"index;size:64" json:"target_id"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// AllModels lists every table managed by AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{&Target{}, &Setting{}, &TabUIState{}, &SessionAuditLog{}}
}
