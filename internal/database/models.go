package database

import "time"

// SessionAuditLog is one lifecycle event of a bridged shell session.
type SessionAuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;size:36" json:"session_id"`
	EventType string    `gorm:"index;not null;size:32" json:"event_type"`
	Principal string    `gorm:"index;size:128" json:"principal"`
	Host      string    `gorm:"size:255" json:"host"`
	Port      int       `json:"port"`
	Username  string    `gorm:"size:128" json:"username"`
	SourceIP  string    `gorm:"size:64" json:"source_ip"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}
