package models

import (
	"time"
)

// Post is the unit of published content. Deliberately not using gorm's
// soft delete: a deleted post must stay addressable by id, so deletion is
// an explicit flag plus content clearing.
type Post struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	AuthorID      uint       `gorm:"column:author_id;not null;index" json:"author_id"`
	IsAnonymous   bool       `gorm:"column:is_anonymous;not null;default:false" json:"is_anonymous"`
	IsDeleted     bool       `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	Life          int        `gorm:"column:life;not null;default:0" json:"life"`
	DatePublished *time.Time `gorm:"column:date_published;index" json:"date_published,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Author   *User     `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Chapters []Chapter `gorm:"foreignKey:PostID" json:"chapters,omitempty"`
}

// Published reports whether the post has left draft state.
func (p *Post) Published() bool {
	return p.DatePublished != nil
}

// Chapter is one ordered content block of a post: text or an image,
// never both. Position is a fractional lexicographic string; ordering
// chapters means ordering these strings.
type Chapter struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostID    uint      `gorm:"column:post_id;not null;index" json:"post_id"`
	Position  string    `gorm:"column:position;size:255;not null;index" json:"position"`
	Text      string    `gorm:"column:text;type:text" json:"text,omitempty"`
	ImagePath string    `gorm:"column:image_path;size:500" json:"image_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Comment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostID    uint      `gorm:"column:post_id;not null;index" json:"post_id"`
	AuthorID  uint      `gorm:"column:author_id;not null;index" json:"author_id"`
	Text      string    `gorm:"column:text;type:text;not null" json:"text"`
	IsDeleted bool      `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Author *User `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
}
