package models

import (
	"time"
)

// Stack is a user's bounded queue of candidate posts for the feed.
// DateLastFilled anchors the stale-stack sweep; it moves on every fill,
// even one that adds nothing.
type Stack struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
	DateLastFilled time.Time `gorm:"column:date_last_filled;index" json:"date_last_filled"`
	CreatedAt      time.Time `json:"created_at"`

	Posts []StackPost `gorm:"foreignKey:StackID" json:"posts,omitempty"`
}

// StackPost marks one post as visible in one stack. The post paid one
// life point to be here; drain refunds it, a vote does not.
type StackPost struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StackID   uint      `gorm:"column:stack_id;not null;index;uniqueIndex:idx_stack_post" json:"stack_id"`
	PostID    uint      `gorm:"column:post_id;not null;index;uniqueIndex:idx_stack_post" json:"post_id"`
	CreatedAt time.Time `json:"created_at"`

	Post *Post `gorm:"foreignKey:PostID" json:"post,omitempty"`
}
