package models

import (
	"time"
)

// Vote is an immutable (user, post) record. Spread means the voter wants
// the post distributed further; that is what feeds life back into it.
type Vote struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"column:user_id;not null;index;uniqueIndex:idx_user_post_vote" json:"user_id"`
	PostID    uint      `gorm:"column:post_id;not null;index;uniqueIndex:idx_user_post_vote" json:"post_id"`
	Spread    bool      `gorm:"column:spread;not null" json:"spread"`
	CreatedAt time.Time `json:"created_at"`
}
