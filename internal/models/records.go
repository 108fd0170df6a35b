package models

import (
	"time"

	"gorm.io/gorm"
)

// User mirrors the users table owned by the account service.
type User struct {
	UserID      string `gorm:"primaryKey;column:user_id"`
	Username    string `gorm:"column:username;not null"`
	DisplayName string `gorm:"column:display_name"`
	AvatarURL   string `gorm:"column:avatar_url"`
	IsActive    bool   `gorm:"column:is_active;not null"`
}

func (User) TableName() string { return "users" }

func (u *User) Identity() Identity {
	return Identity{
		UserID:      u.UserID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

type EditSession struct {
	SessionID string    `gorm:"primaryKey;column:session_id"`
	OwnerID   string    `gorm:"column:owner_id;not null;index"`
	IsActive  bool      `gorm:"column:is_active;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (EditSession) TableName() string { return "edit_sessions" }

// SessionParticipant is both the permission grant and the cursor-color bookkeeping row.
type SessionParticipant struct {
	SessionID    string    `gorm:"primaryKey;column:session_id"`
	UserID       string    `gorm:"primaryKey;column:user_id"`
	Permissions  string    `gorm:"column:permissions"`
	CursorColor  string    `gorm:"column:cursor_color"`
	LastActiveAt time.Time `gorm:"column:last_active_at"`
}

func (SessionParticipant) TableName() string { return "session_participants" }

// AutoMigrate creates the tables this service reads and writes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &EditSession{}, &SessionParticipant{})
}
