package post

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/service/pagination"
	"gorm.io/gorm"
)

// CreateDraft opens an empty draft for the author. Content arrives as
// chapters; the draft stays invisible to everyone else until publish.
func (h *Handler) CreateDraft(authorID uint) (*models.Post, error) {
	p := models.Post{AuthorID: authorID}
	if err := h.db.Create(&p).Error; err != nil {
		return nil, utils.Internal("post_create_failed", err)
	}
	return &p, nil
}

// ownedPost loads a post for mutation by its author. Non-owners get
// NotFound, same as the read path, so ownership is not probeable.
func (h *Handler) ownedPost(callerID, postID uint) (*models.Post, error) {
	var p models.Post
	if err := h.db.First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound("post_not_found")
		}
		return nil, utils.Internal("post_lookup_failed", err)
	}
	if p.AuthorID != callerID {
		return nil, utils.NotFound("post_not_found")
	}
	if p.IsDeleted {
		return nil, utils.NotFound("post_not_found")
	}
	return &p, nil
}

func validateChapterContent(text, imagePath string) error {
	hasText := strings.TrimSpace(text) != ""
	hasImage := imagePath != ""
	if hasText == hasImage {
		return utils.InvalidArgument("chapter_needs_exactly_one_content")
	}
	return nil
}

func (h *Handler) orderedChapters(tx *gorm.DB, postID uint) ([]models.Chapter, error) {
	var chapters []models.Chapter
	if err := tx.Where("post_id = ?", postID).Order("position ASC").Find(&chapters).Error; err != nil {
		return nil, utils.Internal("chapter_scan_failed", err)
	}
	return chapters, nil
}

// positionAt computes the position string for inserting at index among
// siblings (the moved chapter itself already excluded by the caller).
func positionAt(siblings []models.Chapter, index int) (string, error) {
	if index < 0 || index > len(siblings) {
		return "", utils.InvalidArgument("invalid_chapter_position")
	}
	var prev, next string
	if index > 0 {
		prev = siblings[index-1].Position
	}
	if index < len(siblings) {
		next = siblings[index].Position
	}
	pos, err := PositionBetween(prev, next)
	if err != nil {
		// Bounds came from stored rows; inversion means corrupted data.
		return "", utils.Internal("position_corrupted", err)
	}
	return pos, nil
}

// renormalize reassigns evenly spaced minimal positions to all chapters
// of a post, preserving their order. Triggered lazily once midpoint
// growth pushes any position past the configured length threshold.
func (h *Handler) renormalize(tx *gorm.DB, postID uint) error {
	chapters, err := h.orderedChapters(tx, postID)
	if err != nil {
		return err
	}
	fresh := SpreadPositions(len(chapters))
	for i := range chapters {
		if chapters[i].Position == fresh[i] {
			continue
		}
		if err := tx.Model(&chapters[i]).Update("position", fresh[i]).Error; err != nil {
			return utils.Internal("position_update_failed", err)
		}
	}
	return nil
}

// AddChapter inserts a content block at index within the caller's post.
func (h *Handler) AddChapter(callerID, postID uint, index int, text, imagePath string) (*models.Chapter, error) {
	if _, err := h.ownedPost(callerID, postID); err != nil {
		return nil, err
	}
	if err := validateChapterContent(text, imagePath); err != nil {
		return nil, err
	}

	var chapter models.Chapter
	err := h.db.Transaction(func(tx *gorm.DB) error {
		siblings, err := h.orderedChapters(tx, postID)
		if err != nil {
			return err
		}
		pos, err := positionAt(siblings, index)
		if err != nil {
			return err
		}
		chapter = models.Chapter{PostID: postID, Position: pos, Text: text, ImagePath: imagePath}
		if err := tx.Create(&chapter).Error; err != nil {
			return utils.Internal("chapter_create_failed", err)
		}
		if len(pos) > h.cfg.PositionMaxLength {
			return h.renormalize(tx, postID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chapter, nil
}

func (h *Handler) ownedChapter(callerID, chapterID uint) (*models.Chapter, error) {
	var chapter models.Chapter
	if err := h.db.First(&chapter, chapterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound("chapter_not_found")
		}
		return nil, utils.Internal("chapter_lookup_failed", err)
	}
	if _, err := h.ownedPost(callerID, chapter.PostID); err != nil {
		return nil, utils.NotFound("chapter_not_found")
	}
	return &chapter, nil
}

// UpdateChapter replaces a chapter's content, keeping its position.
func (h *Handler) UpdateChapter(callerID, chapterID uint, text, imagePath string) (*models.Chapter, error) {
	chapter, err := h.ownedChapter(callerID, chapterID)
	if err != nil {
		return nil, err
	}
	if err := validateChapterContent(text, imagePath); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"text": text, "image_path": imagePath}
	if err := h.db.Model(chapter).Updates(updates).Error; err != nil {
		return nil, utils.Internal("chapter_update_failed", err)
	}
	return chapter, nil
}

// MoveChapter repositions a chapter to index among its siblings.
func (h *Handler) MoveChapter(callerID, chapterID uint, index int) (*models.Chapter, error) {
	chapter, err := h.ownedChapter(callerID, chapterID)
	if err != nil {
		return nil, err
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		all, err := h.orderedChapters(tx, chapter.PostID)
		if err != nil {
			return err
		}
		siblings := make([]models.Chapter, 0, len(all)-1)
		for _, c := range all {
			if c.ID != chapter.ID {
				siblings = append(siblings, c)
			}
		}
		pos, err := positionAt(siblings, index)
		if err != nil {
			return err
		}
		if err := tx.Model(chapter).Update("position", pos).Error; err != nil {
			return utils.Internal("position_update_failed", err)
		}
		chapter.Position = pos
		if len(pos) > h.cfg.PositionMaxLength {
			return h.renormalize(tx, chapter.PostID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chapter, nil
}

// RemoveChapter deletes a single chapter from the caller's post.
func (h *Handler) RemoveChapter(callerID, chapterID uint) error {
	chapter, err := h.ownedChapter(callerID, chapterID)
	if err != nil {
		return err
	}
	if err := h.db.Delete(chapter).Error; err != nil {
		return utils.Internal("chapter_delete_failed", err)
	}
	return nil
}

// Publish moves a draft into the live pool: validates content, stamps
// the publish time, seeds the life budget and subscribes the author to
// their own thread.
func (h *Handler) Publish(callerID, postID uint, anonymous bool) (*models.Post, error) {
	p, err := h.ownedPost(callerID, postID)
	if err != nil {
		return nil, err
	}
	if p.Published() {
		return nil, utils.FailedPrecondition("already_published")
	}

	chapters, err := h.orderedChapters(h.db, postID)
	if err != nil {
		return nil, err
	}
	if len(chapters) == 0 {
		return nil, utils.InvalidArgument("post_has_no_content")
	}
	for _, c := range chapters {
		if err := validateChapterContent(c.Text, c.ImagePath); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	err = h.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"date_published": now,
			"is_anonymous":   anonymous,
			"life":           h.cfg.InitialLife,
		}
		if err := tx.Model(p).Updates(updates).Error; err != nil {
			return utils.Internal("post_publish_failed", err)
		}
		_, err := h.agg.EnsureSubscription(tx, callerID, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.DatePublished = &now
	p.IsAnonymous = anonymous
	p.Life = h.cfg.InitialLife
	return p, nil
}

// Delete removes a post. Drafts vanish outright; published posts are
// soft-deleted so the id stays addressable, and every derived row tied
// to the post is cleared in a fixed order within one transaction.
func (h *Handler) Delete(caller *models.User, postID uint) error {
	var p models.Post
	if err := h.db.First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.NotFound("post_not_found")
		}
		return utils.Internal("post_lookup_failed", err)
	}
	isAuthor := caller.ID == p.AuthorID
	if !p.Published() && !isAuthor {
		return utils.NotFound("post_not_found")
	}
	if !isAuthor && !caller.IsStaff() {
		return utils.PermissionDenied("not_post_owner")
	}

	if !p.Published() {
		return h.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("post_id = ?", p.ID).Delete(&models.Chapter{}).Error; err != nil {
				return utils.Internal("chapter_delete_failed", err)
			}
			if err := tx.Delete(&p).Error; err != nil {
				return utils.Internal("post_delete_failed", err)
			}
			return nil
		})
	}

	// Fixed handler order: content, stacks, subscriptions, flags.
	cleanups := []func(tx *gorm.DB) error{
		func(tx *gorm.DB) error {
			if err := tx.Where("post_id = ?", p.ID).Delete(&models.Chapter{}).Error; err != nil {
				return utils.Internal("chapter_delete_failed", err)
			}
			return tx.Model(&p).Update("is_deleted", true).Error
		},
		func(tx *gorm.DB) error {
			return tx.Where("post_id = ?", p.ID).Delete(&models.StackPost{}).Error
		},
		func(tx *gorm.DB) error {
			return h.agg.DeleteForPost(tx, p.ID)
		},
		func(tx *gorm.DB) error {
			return h.agg.ClearFlags(tx, models.TargetPost, p.ID)
		},
	}
	return h.db.Transaction(func(tx *gorm.DB) error {
		for _, cleanup := range cleanups {
			if err := cleanup(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get serves a single post under the visibility policy, with chapters in
// order and authorship redacted for anonymous posts.
func (h *Handler) Get(viewer *models.User, postID uint) (*models.Post, error) {
	p, err := readablePost(h.db, viewer, postID)
	if err != nil {
		return nil, err
	}
	if err := h.db.Where("post_id = ?", p.ID).Order("position ASC").Find(&p.Chapters).Error; err != nil {
		return nil, utils.Internal("chapter_scan_failed", err)
	}
	Redact(viewer, p)
	return p, nil
}

// CreateComment attaches a comment to a readable post, auto-subscribes
// the commenter with their own comment as the seen watermark, and kicks
// off the notification recompute for everyone else.
func (h *Handler) CreateComment(caller *models.User, postID uint, text string) (*models.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, utils.InvalidArgument("empty_comment")
	}
	p, err := readablePost(h.db, caller, postID)
	if err != nil {
		return nil, err
	}
	blocked, err := blockedEitherWay(h.db, caller.ID, p.AuthorID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, utils.PermissionDenied("blocked")
	}

	var comment models.Comment
	err = h.db.Transaction(func(tx *gorm.DB) error {
		comment = models.Comment{PostID: p.ID, AuthorID: caller.ID, Text: text}
		if err := tx.Create(&comment).Error; err != nil {
			return utils.Internal("comment_create_failed", err)
		}
		sub, err := h.agg.EnsureSubscription(tx, caller.ID, p.ID)
		if err != nil {
			return err
		}
		// Commenting never notifies yourself.
		return tx.Model(sub).Updates(map[string]interface{}{
			"last_comment_seen_id": comment.ID,
			"date_last_seen":       time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}

	h.agg.CommentCreated(p.ID)
	return &comment, nil
}

// DeleteComment soft-deletes: text cleared, flag set, attribution hidden
// from everyone but the author and staff at read time.
func (h *Handler) DeleteComment(caller *models.User, commentID uint) error {
	var comment models.Comment
	if err := h.db.First(&comment, commentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.NotFound("comment_not_found")
		}
		return utils.Internal("comment_lookup_failed", err)
	}
	if comment.AuthorID != caller.ID && !caller.IsStaff() {
		return utils.PermissionDenied("not_comment_owner")
	}
	return h.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"text": "", "is_deleted": true}
		if err := tx.Model(&comment).Updates(updates).Error; err != nil {
			return utils.Internal("comment_delete_failed", err)
		}
		return h.agg.ClearFlags(tx, models.TargetComment, comment.ID)
	})
}

func formatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ArchiveSource lists the posts a user has voted on, most recent vote
// first.
func (h *Handler) ArchiveSource(viewer *models.User) pagination.Source[models.Post] {
	return pagination.Source[models.Post]{
		Query: func() *gorm.DB {
			return h.db.Model(&models.Post{}).
				Preload("Chapters").
				Joins("JOIN votes ON votes.post_id = posts.id").
				Where("votes.user_id = ?", viewer.ID).
				Where("posts.is_deleted = ?", false)
		},
		Fields: pagination.ParseFields("-posts.id"),
		Cursor: func(p models.Post) []string { return []string{formatID(p.ID)} },
		OnPage: func(items []models.Post) {
			for i := range items {
				Redact(viewer, &items[i])
			}
		},
	}
}

// OwnPostsSource lists the viewer's published posts, newest first.
func (h *Handler) OwnPostsSource(viewer *models.User) pagination.Source[models.Post] {
	return pagination.Source[models.Post]{
		Query: func() *gorm.DB {
			return h.db.Model(&models.Post{}).
				Preload("Chapters").
				Where("author_id = ? AND date_published IS NOT NULL AND is_deleted = ?", viewer.ID, false)
		},
		Fields: pagination.ParseFields("-id"),
		Cursor: func(p models.Post) []string { return []string{formatID(p.ID)} },
	}
}

// DraftsSource lists the viewer's unpublished posts, newest first.
func (h *Handler) DraftsSource(viewer *models.User) pagination.Source[models.Post] {
	return pagination.Source[models.Post]{
		Query: func() *gorm.DB {
			return h.db.Model(&models.Post{}).
				Preload("Chapters").
				Where("author_id = ? AND date_published IS NULL AND is_deleted = ?", viewer.ID, false)
		},
		Fields: pagination.ParseFields("-id"),
		Cursor: func(p models.Post) []string { return []string{formatID(p.ID)} },
	}
}

// CommentsSource lists one post's comments oldest first. It declares
// random access (offset paging) and advances the reader's subscription
// watermark as a side effect of each served page.
func (h *Handler) CommentsSource(viewer *models.User, postID uint) pagination.Source[models.Comment] {
	return pagination.Source[models.Comment]{
		Query: func() *gorm.DB {
			return h.db.Model(&models.Comment{}).Where("post_id = ?", postID).Preload("Author")
		},
		Fields:       pagination.ParseFields("id"),
		RandomAccess: true,
		Cursor: func(c models.Comment) []string { return []string{formatID(c.ID)} },
		OnPage: func(items []models.Comment) {
			for i := range items {
				redactComment(viewer, &items[i])
			}
			if viewer != nil {
				latest := items[len(items)-1]
				h.agg.MarkSeen(viewer.ID, postID, &latest)
			}
		},
	}
}
