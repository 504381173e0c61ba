package post

import (
	"errors"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"gorm.io/gorm"
)

// readablePost loads a post and applies the visibility policy in one
// place, shared by detail, comment and vote paths. Everything the viewer
// may not see collapses to NotFound so callers cannot probe for hidden
// content: drafts of other users, soft-deleted posts (except for the
// author and staff) and posts by authors banned forever.
func readablePost(db *gorm.DB, viewer *models.User, postID uint) (*models.Post, error) {
	var p models.Post
	if err := db.Preload("Author").First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound("post_not_found")
		}
		return nil, utils.Internal("post_lookup_failed", err)
	}

	isAuthor := viewer != nil && viewer.ID == p.AuthorID
	isStaff := viewer != nil && viewer.IsStaff()

	if !p.Published() && !isAuthor {
		return nil, utils.NotFound("post_not_found")
	}
	if p.IsDeleted && !isAuthor && !isStaff {
		return nil, utils.NotFound("post_not_found")
	}
	if p.Author != nil && p.Author.BannedForever && !isAuthor && !isStaff {
		return nil, utils.NotFound("post_not_found")
	}
	return &p, nil
}

// Redact strips authorship from anonymous posts for everyone but the
// author and staff. Applied on both detail and list paths so the two
// never diverge.
func Redact(viewer *models.User, p *models.Post) {
	isAuthor := viewer != nil && viewer.ID == p.AuthorID
	isStaff := viewer != nil && viewer.IsStaff()
	if p.IsAnonymous && !isAuthor && !isStaff {
		p.AuthorID = 0
		p.Author = nil
	}
}

// redactComment hides the text and authorship of soft-deleted comments
// from everyone but the original author and staff.
func redactComment(viewer *models.User, c *models.Comment) {
	if !c.IsDeleted {
		return
	}
	isAuthor := viewer != nil && viewer.ID == c.AuthorID
	isStaff := viewer != nil && viewer.IsStaff()
	if !isAuthor && !isStaff {
		c.AuthorID = 0
		c.Author = nil
	}
	c.Text = ""
}

// blockedEitherWay reports whether either user has blocked the other;
// such pairs may not interact (comments, votes).
func blockedEitherWay(db *gorm.DB, a, b uint) (bool, error) {
	var count int64
	err := db.Model(&models.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&count).Error
	if err != nil {
		return false, utils.Internal("block_lookup_failed", err)
	}
	return count > 0, nil
}
