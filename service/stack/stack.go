package stack

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Engine owns the per-user stack lifecycle: fill charges each newly
// admitted post one life point of rent, drain refunds it, a vote
// consumes the slot without a refund. All mutations to one stack run in
// a single row-locked transaction; posts' life is only ever touched
// through atomic SQL expressions.
type Engine struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewEngine(db *gorm.DB, cfg *config.Config) *Engine {
	return &Engine{db: db, cfg: cfg}
}

// lockForUpdate takes a row lock where the dialect supports it. SQLite
// serializes writing transactions on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// lockedStack loads (creating if needed) and locks the user's stack row,
// serializing concurrent fills and drains for that user. Concurrent
// first fills race on the insert; the loser's ON CONFLICT no-ops and the
// locked re-read picks up the winner's row.
func (e *Engine) lockedStack(tx *gorm.DB, userID uint) (*models.Stack, error) {
	stack := models.Stack{UserID: userID, DateLastFilled: time.Now()}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&stack).Error; err != nil {
		return nil, utils.Internal("stack_create_failed", err)
	}
	if err := lockForUpdate(tx).Where("user_id = ?", userID).First(&stack).Error; err != nil {
		return nil, utils.Internal("stack_lock_failed", err)
	}
	return &stack, nil
}

// candidateQuery selects the live pool as seen by one user: alive,
// recent, published posts excluding their own, posts of authors they
// blocked or who are gone for good, posts they already voted on and
// posts already held.
func (e *Engine) candidateQuery(tx *gorm.DB, userID, stackID uint) *gorm.DB {
	cutoff := time.Now().Add(-e.cfg.PoolWindow)
	blocked := tx.Model(&models.Block{}).Select("blocked_id").Where("blocker_id = ?", userID)
	voted := tx.Model(&models.Vote{}).Select("post_id").Where("user_id = ?", userID)
	held := tx.Model(&models.StackPost{}).Select("post_id").Where("stack_id = ?", stackID)
	banned := tx.Model(&models.User{}).Select("id").Where("banned_forever = ?", true)

	return tx.Model(&models.Post{}).
		Where("life > 0 AND is_deleted = ?", false).
		Where("date_published IS NOT NULL AND date_published > ?", cutoff).
		Where("author_id <> ?", userID).
		Where("author_id NOT IN (?)", blocked).
		Where("author_id NOT IN (?)", banned).
		Where("id NOT IN (?)", voted).
		Where("id NOT IN (?)", held)
}

// Fill tops the stack up to capacity. Each post added pays one life
// point for its slot. DateLastFilled moves on every call, including
// no-ops, because it anchors the staleness sweep.
func (e *Engine) Fill(userID uint) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		stack, err := e.lockedStack(tx, userID)
		if err != nil {
			return err
		}
		if err := tx.Model(stack).Update("date_last_filled", time.Now()).Error; err != nil {
			return utils.Internal("stack_update_failed", err)
		}

		var held int64
		if err := tx.Model(&models.StackPost{}).Where("stack_id = ?", stack.ID).Count(&held).Error; err != nil {
			return utils.Internal("stack_count_failed", err)
		}
		need := e.cfg.StackCapacity - int(held)
		if need <= 0 {
			return nil
		}

		var candidates []models.Post
		if err := e.candidateQuery(tx, userID, stack.ID).
			Order("date_published DESC").
			Limit(need).
			Find(&candidates).Error; err != nil {
			return utils.Internal("candidate_scan_failed", err)
		}

		for _, p := range candidates {
			sp := models.StackPost{StackID: stack.ID, PostID: p.ID}
			if err := tx.Create(&sp).Error; err != nil {
				return utils.Internal("stack_post_create_failed", err)
			}
			// Rent for the slot.
			if err := tx.Model(&models.Post{}).Where("id = ?", p.ID).
				UpdateColumn("life", gorm.Expr("life - ?", 1)).Error; err != nil {
				return utils.Internal("life_update_failed", err)
			}
		}
		return nil
	})
}

func (e *Engine) drainLocked(tx *gorm.DB, stack *models.Stack) error {
	var held []models.StackPost
	if err := tx.Where("stack_id = ?", stack.ID).Find(&held).Error; err != nil {
		return utils.Internal("stack_scan_failed", err)
	}
	for _, sp := range held {
		if err := tx.Model(&models.Post{}).Where("id = ?", sp.PostID).
			UpdateColumn("life", gorm.Expr("life + ?", 1)).Error; err != nil {
			return utils.Internal("life_update_failed", err)
		}
	}
	if err := tx.Where("stack_id = ?", stack.ID).Delete(&models.StackPost{}).Error; err != nil {
		return utils.Internal("stack_post_delete_failed", err)
	}
	return nil
}

// Drain releases every held post back to the pool, refunding the life
// point each one paid on the way in. Fill followed by Drain leaves all
// life values exactly where they started.
func (e *Engine) Drain(userID uint) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		stack, err := e.lockedStack(tx, userID)
		if err != nil {
			return err
		}
		return e.drainLocked(tx, stack)
	})
}

// RemoveAuthorPosts drops one author's posts from one user's stack with
// a refund, as a drain restricted to that author. Runs when the user
// blocks the author.
func (e *Engine) RemoveAuthorPosts(userID, authorID uint) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		stack, err := e.lockedStack(tx, userID)
		if err != nil {
			return err
		}
		var held []models.StackPost
		if err := tx.Joins("JOIN posts ON posts.id = stack_posts.post_id").
			Where("stack_posts.stack_id = ? AND posts.author_id = ?", stack.ID, authorID).
			Find(&held).Error; err != nil {
			return utils.Internal("stack_scan_failed", err)
		}
		for _, sp := range held {
			if err := tx.Model(&models.Post{}).Where("id = ?", sp.PostID).
				UpdateColumn("life", gorm.Expr("life + ?", 1)).Error; err != nil {
				return utils.Internal("life_update_failed", err)
			}
			if err := tx.Delete(&models.StackPost{}, sp.ID).Error; err != nil {
				return utils.Internal("stack_post_delete_failed", err)
			}
		}
		return nil
	})
}

// Held returns the posts currently in the user's stack, most recently
// added first.
func (e *Engine) Held(userID uint) ([]models.Post, error) {
	var stack models.Stack
	if err := e.db.Where("user_id = ?", userID).First(&stack).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, utils.Internal("stack_lookup_failed", err)
	}
	var posts []models.Post
	err := e.db.Model(&models.Post{}).
		Preload("Chapters").
		Joins("JOIN stack_posts ON stack_posts.post_id = posts.id").
		Where("stack_posts.stack_id = ?", stack.ID).
		Order("stack_posts.id ASC").
		Find(&posts).Error
	if err != nil {
		return nil, utils.Internal("stack_scan_failed", err)
	}
	return posts, nil
}

// CastVote records the one-shot verdict of a user on a post. A spread
// vote feeds life back into the post; either way the post leaves the
// voter's stack for good, keeping the rent it paid.
func (e *Engine) CastVote(callerID, postID uint, spread bool) (*models.Vote, error) {
	var p models.Post
	if err := e.db.First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound("post_not_found")
		}
		return nil, utils.Internal("post_lookup_failed", err)
	}
	if !p.Published() || p.IsDeleted {
		return nil, utils.NotFound("post_not_found")
	}
	if p.AuthorID == callerID {
		return nil, utils.PermissionDenied("cannot_vote_own_post")
	}

	var author models.User
	if err := e.db.First(&author, p.AuthorID).Error; err != nil {
		return nil, utils.Internal("author_lookup_failed", err)
	}
	if author.BannedForever {
		return nil, utils.NotFound("post_not_found")
	}

	var blocks int64
	if err := e.db.Model(&models.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)",
			callerID, p.AuthorID, p.AuthorID, callerID).
		Count(&blocks).Error; err != nil {
		return nil, utils.Internal("block_lookup_failed", err)
	}
	if blocks > 0 {
		return nil, utils.PermissionDenied("blocked")
	}

	var vote models.Vote
	err := e.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Vote
		err := tx.Where("user_id = ? AND post_id = ?", callerID, postID).First(&existing).Error
		if err == nil {
			return utils.FailedPrecondition("already_voted")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Internal("vote_lookup_failed", err)
		}

		vote = models.Vote{UserID: callerID, PostID: postID, Spread: spread}
		if err := tx.Create(&vote).Error; err != nil {
			return utils.Internal("vote_create_failed", err)
		}
		if spread {
			if err := tx.Model(&models.Post{}).Where("id = ?", postID).
				UpdateColumn("life", gorm.Expr("life + ?", e.cfg.SpreadBoost)).Error; err != nil {
				return utils.Internal("life_update_failed", err)
			}
		}

		// Consumed: out of the stack, no refund.
		var stack models.Stack
		if err := tx.Where("user_id = ?", callerID).First(&stack).Error; err == nil {
			if err := tx.Where("stack_id = ? AND post_id = ?", stack.ID, postID).
				Delete(&models.StackPost{}).Error; err != nil {
				return utils.Internal("stack_post_delete_failed", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &vote, nil
}

// SweepStale drains stacks whose posts have been sitting unviewed past
// the staleness window, releasing them back to the pool.
func (e *Engine) SweepStale() error {
	cutoff := time.Now().Add(-e.cfg.StackStaleAfter)
	var stale []models.Stack
	if err := e.db.Where("date_last_filled < ?", cutoff).Find(&stale).Error; err != nil {
		return utils.Internal("stack_scan_failed", err)
	}
	for _, s := range stale {
		if err := e.drainIfStale(s.UserID, cutoff); err != nil {
			log.Printf("stale stack drain failed for user %d: %v", s.UserID, err)
		}
	}
	return nil
}

// drainIfStale drains one user's stack unless a fill landed between the
// staleness scan and the lock.
func (e *Engine) drainIfStale(userID uint, cutoff time.Time) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		stack, err := e.lockedStack(tx, userID)
		if err != nil {
			return err
		}
		if !stack.DateLastFilled.Before(cutoff) {
			return nil
		}
		return e.drainLocked(tx, stack)
	})
}

// RunSweeper runs SweepStale on a ticker until the context is canceled.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepStale(); err != nil {
				log.Printf("stack sweep failed: %v", err)
			}
		}
	}
}
