package database

import "time"

// TerminalSession is the durable record of a terminal session. It is written
// once at creation and afterwards only flipped from active to inactive.
type TerminalSession struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"uniqueIndex;not null;size:64" json:"session_id"`
	Token     string    `gorm:"uniqueIndex;not null;size:64" json:"-"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	IsActive  bool      `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TerminalSession) TableName() string {
	return "terminal_sessions"
}
