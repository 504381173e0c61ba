package models

import (
	"time"
)

// User ranks. Promotion and banning require outranking the target.
const (
	RankRegular = 0
	RankStaff   = 1
	RankAdmin   = 2
)

type User struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Username      string     `gorm:"column:username;size:64;not null;uniqueIndex" json:"username"`
	Email         string     `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	PasswordHash  string     `gorm:"column:password_hash;size:255;not null" json:"-"`
	Rank          int        `gorm:"column:rank;not null;default:0" json:"rank"`
	BannedUntil   *time.Time `gorm:"column:banned_until" json:"banned_until,omitempty"`
	BannedForever bool       `gorm:"column:banned_forever;not null;default:false" json:"-"`

	RefreshToken          string     `gorm:"column:refresh_token;size:255" json:"-"`
	RefreshTokenExpiresAt *time.Time `gorm:"column:refresh_token_expires_at" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStaff reports whether the user can see flag notifications and moderate.
func (u *User) IsStaff() bool {
	return u.Rank >= RankStaff
}

// Banned reports whether the user is currently locked out. A nil
// BannedUntil means never banned or the ban expired; BannedForever
// never expires.
func (u *User) Banned(now time.Time) bool {
	if u.BannedForever {
		return true
	}
	return u.BannedUntil != nil && u.BannedUntil.After(now)
}

// Block records that Blocker no longer wants to see Blocked's posts.
// One row per direction; blocking is not symmetric.
type Block struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BlockerID uint      `gorm:"column:blocker_id;not null;uniqueIndex:idx_blocker_blocked" json:"blocker_id"`
	BlockedID uint      `gorm:"column:blocked_id;not null;uniqueIndex:idx_blocker_blocked" json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`

	Blocked *User `gorm:"foreignKey:BlockedID" json:"blocked,omitempty"`
}

// Device is a push-notification endpoint registered by a client app.
type Device struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"column:user_id;not null;index;uniqueIndex:idx_token_user" json:"user_id"`
	Token      string    `gorm:"column:token;not null;uniqueIndex:idx_token_user" json:"token"`
	DeviceType string    `gorm:"column:device_type;type:varchar(50)" json:"device_type"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type PasswordResetToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"not null;index"`
	Token     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}
