package models

import (
	"time"
)

// TargetKind tags the polymorphic targets of flags and notifications.
// Resolution always dispatches on the kind explicitly.
type TargetKind int16

const (
	TargetPost TargetKind = iota + 1
	TargetComment
	TargetUser
)

func (k TargetKind) String() string {
	switch k {
	case TargetPost:
		return "post"
	case TargetComment:
		return "comment"
	case TargetUser:
		return "user"
	}
	return "unknown"
}

// Subscription ties a user to a post's comment thread. LastCommentSeen is
// the unread watermark: notification counts are computed as "comments
// after this one".
type Subscription struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"column:user_id;not null;index;uniqueIndex:idx_user_post_sub" json:"user_id"`
	PostID            uint      `gorm:"column:post_id;not null;index;uniqueIndex:idx_user_post_sub" json:"post_id"`
	LastCommentSeenID *uint     `gorm:"column:last_comment_seen_id" json:"last_comment_seen_id,omitempty"`
	DateLastSeen      time.Time `gorm:"column:date_last_seen" json:"date_last_seen"`
	CreatedAt         time.Time `json:"created_at"`

	Post *Post `gorm:"foreignKey:PostID" json:"post,omitempty"`
}

// Notification is a derived row, never authored directly. With a
// subscription it is an unread-comment count for that subscriber; with a
// nil subscription it is the aggregate flag count for a target, visible
// to staff only. Counts are always recomputed from committed state, never
// incremented, so redelivered tasks settle on the same value.
type Notification struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID *uint      `gorm:"column:subscription_id;index" json:"subscription_id,omitempty"`
	TargetKind     TargetKind `gorm:"column:target_kind;not null;index:idx_notif_target" json:"target_kind"`
	TargetID       uint       `gorm:"column:target_id;not null;index:idx_notif_target" json:"target_id"`
	Count          int        `gorm:"column:count;not null;default:0" json:"count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Subscription *Subscription `gorm:"foreignKey:SubscriptionID" json:"subscription,omitempty"`
}

// Flag is one user's report against one target; a second report from the
// same issuer is rejected by the unique index.
type Flag struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	IssuerID   uint       `gorm:"column:issuer_id;not null;uniqueIndex:idx_issuer_target" json:"issuer_id"`
	TargetKind TargetKind `gorm:"column:target_kind;not null;index:idx_flag_target;uniqueIndex:idx_issuer_target" json:"target_kind"`
	TargetID   uint       `gorm:"column:target_id;not null;index:idx_flag_target;uniqueIndex:idx_issuer_target" json:"target_id"`
	Reason     string     `gorm:"column:reason;type:text" json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
