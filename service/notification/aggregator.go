package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/service/tasks"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

// Aggregator maintains the derived notification rows. Every count it
// writes is recomputed from committed comment/flag state, never
// incremented, so redelivered tasks and concurrent reads settle on the
// correct value by themselves.
type Aggregator struct {
	db         *gorm.DB
	dispatcher *tasks.Dispatcher
	expoClient *expo.PushClient
}

func NewAggregator(db *gorm.DB, dispatcher *tasks.Dispatcher) *Aggregator {
	return &Aggregator{
		db:         db,
		dispatcher: dispatcher,
		expoClient: expo.NewPushClient(nil),
	}
}

// EnsureSubscription creates the (user, post) subscription if it does not
// exist yet. Used by publish (author auto-subscribe) and the explicit
// subscribe action.
func (a *Aggregator) EnsureSubscription(tx *gorm.DB, userID, postID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("user_id = ? AND post_id = ?", userID, postID).
		Attrs(models.Subscription{DateLastSeen: time.Now()}).
		FirstOrCreate(&sub, models.Subscription{UserID: userID, PostID: postID}).Error
	if err != nil {
		return nil, utils.Internal("subscription_create_failed", err)
	}
	return &sub, nil
}

// Unsubscribe removes the subscription and its unread notification.
// Unsubscribing from a post never subscribed to is a no-op.
func (a *Aggregator) Unsubscribe(userID, postID uint) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Where("user_id = ? AND post_id = ?", userID, postID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return utils.Internal("subscription_lookup_failed", err)
		}
		if err := tx.Where("subscription_id = ?", sub.ID).Delete(&models.Notification{}).Error; err != nil {
			return utils.Internal("notification_delete_failed", err)
		}
		if err := tx.Delete(&sub).Error; err != nil {
			return utils.Internal("subscription_delete_failed", err)
		}
		return nil
	})
}

// DeleteForPost drops every subscription and unread notification tied to
// a post. Runs inside the post-deletion transaction.
func (a *Aggregator) DeleteForPost(tx *gorm.DB, postID uint) error {
	var subIDs []uint
	if err := tx.Model(&models.Subscription{}).Where("post_id = ?", postID).Pluck("id", &subIDs).Error; err != nil {
		return utils.Internal("subscription_lookup_failed", err)
	}
	if len(subIDs) > 0 {
		if err := tx.Where("subscription_id IN ?", subIDs).Delete(&models.Notification{}).Error; err != nil {
			return utils.Internal("notification_delete_failed", err)
		}
		if err := tx.Where("id IN ?", subIDs).Delete(&models.Subscription{}).Error; err != nil {
			return utils.Internal("subscription_delete_failed", err)
		}
	}
	return nil
}

// CommentCreated is called after a comment's transaction commits. The
// commenter's own watermark was already advanced inside that
// transaction; everyone else's unread count is recomputed async.
func (a *Aggregator) CommentCreated(postID uint) {
	a.dispatcher.Submit(tasks.Task{
		Name: fmt.Sprintf("recompute-comments-post-%d", postID),
		Run: func(ctx context.Context) error {
			return a.RecomputeCommentCounts(postID)
		},
	})
}

// RecomputeCommentCounts rebuilds the unread count for every subscriber
// of a post. Safe to run any number of times.
func (a *Aggregator) RecomputeCommentCounts(postID uint) error {
	var subs []models.Subscription
	if err := a.db.Where("post_id = ?", postID).Find(&subs).Error; err != nil {
		return utils.Internal("subscription_scan_failed", err)
	}
	for i := range subs {
		if _, err := a.recomputeOne(a.db, &subs[i]); err != nil {
			return err
		}
	}
	return nil
}

// recomputeOne recomputes a single subscriber's unread count and upserts
// the flavor-(a) notification row. The subscriber's own comments never
// count toward their unread total.
func (a *Aggregator) recomputeOne(tx *gorm.DB, sub *models.Subscription) (int, error) {
	query := tx.Model(&models.Comment{}).
		Where("post_id = ? AND is_deleted = ? AND author_id <> ?", sub.PostID, false, sub.UserID)
	if sub.LastCommentSeenID != nil {
		query = query.Where("id > ?", *sub.LastCommentSeenID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, utils.Internal("comment_count_failed", err)
	}

	var notif models.Notification
	err := tx.Where("subscription_id = ?", sub.ID).First(&notif).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		notif = models.Notification{
			SubscriptionID: &sub.ID,
			TargetKind:     models.TargetPost,
			TargetID:       sub.PostID,
			Count:          int(count),
		}
		if err := tx.Create(&notif).Error; err != nil {
			return 0, utils.Internal("notification_create_failed", err)
		}
	case err != nil:
		return 0, utils.Internal("notification_lookup_failed", err)
	default:
		if notif.Count != int(count) {
			if err := tx.Model(&notif).Update("count", int(count)).Error; err != nil {
				return 0, utils.Internal("notification_update_failed", err)
			}
		}
	}

	if count > 0 {
		a.pushUnread(sub.UserID, sub.PostID, int(count))
	}
	return int(count), nil
}

// MarkSeen advances a subscriber's watermark to the newest comment they
// were just served, then recomputes the count instead of zeroing it, so
// comments landing concurrently with the read are not lost. Readers
// without a subscription are left alone.
func (a *Aggregator) MarkSeen(userID, postID uint, latest *models.Comment) {
	if latest == nil {
		return
	}
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Where("user_id = ? AND post_id = ?", userID, postID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return utils.Internal("subscription_lookup_failed", err)
		}
		if sub.LastCommentSeenID != nil && *sub.LastCommentSeenID >= latest.ID {
			return nil
		}
		updates := map[string]interface{}{
			"last_comment_seen_id": latest.ID,
			"date_last_seen":       time.Now(),
		}
		if err := tx.Model(&sub).Updates(updates).Error; err != nil {
			return utils.Internal("subscription_update_failed", err)
		}
		sub.LastCommentSeenID = &latest.ID
		_, err := a.recomputeOne(tx, &sub)
		return err
	})
	if err != nil {
		log.Printf("mark seen failed for user %d post %d: %v", userID, postID, err)
	}
}

// validateTarget resolves a polymorphic (kind, id) target, returning the
// id of the user responsible for it. Resolution is an explicit dispatch
// on kind.
func (a *Aggregator) validateTarget(kind models.TargetKind, targetID uint) (ownerID uint, err error) {
	switch kind {
	case models.TargetPost:
		var p models.Post
		if err := a.db.First(&p, targetID).Error; err != nil {
			return 0, utils.NotFound("target_not_found")
		}
		return p.AuthorID, nil
	case models.TargetComment:
		var c models.Comment
		if err := a.db.First(&c, targetID).Error; err != nil {
			return 0, utils.NotFound("target_not_found")
		}
		return c.AuthorID, nil
	case models.TargetUser:
		var u models.User
		if err := a.db.First(&u, targetID).Error; err != nil {
			return 0, utils.NotFound("target_not_found")
		}
		return u.ID, nil
	default:
		return 0, utils.InvalidArgument("invalid_target_kind")
	}
}

// Report files a flag from issuer against a target and recomputes the
// staff-facing aggregate notification. A second report from the same
// issuer conflicts; reporting your own content is denied.
func (a *Aggregator) Report(issuerID uint, kind models.TargetKind, targetID uint, reason string) error {
	ownerID, err := a.validateTarget(kind, targetID)
	if err != nil {
		return err
	}
	if ownerID == issuerID {
		return utils.PermissionDenied("cannot_report_self")
	}

	return a.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Flag
		err := tx.Where("issuer_id = ? AND target_kind = ? AND target_id = ?", issuerID, kind, targetID).
			First(&existing).Error
		if err == nil {
			return utils.FailedPrecondition("already_flagged")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Internal("flag_lookup_failed", err)
		}
		flag := models.Flag{IssuerID: issuerID, TargetKind: kind, TargetID: targetID, Reason: reason}
		if err := tx.Create(&flag).Error; err != nil {
			return utils.Internal("flag_create_failed", err)
		}
		return a.recomputeFlagCount(tx, kind, targetID)
	})
}

// Absolve clears every flag against a target together with its aggregate
// notification. Absolving a clean target is a no-op, not an error.
func (a *Aggregator) Absolve(caller *models.User, kind models.TargetKind, targetID uint) error {
	if !caller.IsStaff() {
		return utils.PermissionDenied("staff_only")
	}
	if kind == models.TargetUser && targetID == caller.ID {
		return utils.PermissionDenied("cannot_absolve_self")
	}
	return a.db.Transaction(func(tx *gorm.DB) error {
		return a.ClearFlags(tx, kind, targetID)
	})
}

// ClearFlags removes a target's flags and flag notification inside an
// existing transaction. Also invoked when the target itself goes away
// (ban, soft-delete).
func (a *Aggregator) ClearFlags(tx *gorm.DB, kind models.TargetKind, targetID uint) error {
	if err := tx.Where("target_kind = ? AND target_id = ?", kind, targetID).Delete(&models.Flag{}).Error; err != nil {
		return utils.Internal("flag_delete_failed", err)
	}
	if err := tx.Where("subscription_id IS NULL AND target_kind = ? AND target_id = ?", kind, targetID).
		Delete(&models.Notification{}).Error; err != nil {
		return utils.Internal("notification_delete_failed", err)
	}
	return nil
}

// recomputeFlagCount upserts the flavor-(b) notification from the live
// flag count. Zero flags removes the row.
func (a *Aggregator) recomputeFlagCount(tx *gorm.DB, kind models.TargetKind, targetID uint) error {
	var count int64
	if err := tx.Model(&models.Flag{}).
		Where("target_kind = ? AND target_id = ?", kind, targetID).
		Count(&count).Error; err != nil {
		return utils.Internal("flag_count_failed", err)
	}
	if count == 0 {
		return a.ClearFlags(tx, kind, targetID)
	}

	var notif models.Notification
	err := tx.Where("subscription_id IS NULL AND target_kind = ? AND target_id = ?", kind, targetID).
		First(&notif).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		notif = models.Notification{TargetKind: kind, TargetID: targetID, Count: int(count)}
		return tx.Create(&notif).Error
	case err != nil:
		return utils.Internal("notification_lookup_failed", err)
	default:
		return tx.Model(&notif).Update("count", int(count)).Error
	}
}

// pushUnread fans an unread-count change out to the subscriber's
// registered devices, off the request path. Delivery failures are logged
// and dropped; the count lives in the database, not the push.
func (a *Aggregator) pushUnread(userID, postID uint, count int) {
	a.dispatcher.Submit(tasks.Task{
		Name: fmt.Sprintf("push-user-%d-post-%d", userID, postID),
		Run: func(ctx context.Context) error {
			var devices []models.Device
			if err := a.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
				return err
			}
			if len(devices) == 0 {
				return nil
			}
			var pushTokens []expo.ExponentPushToken
			for _, device := range devices {
				pushToken, err := expo.NewExponentPushToken(device.Token)
				if err != nil {
					log.Printf("invalid push token for user %d: %v", userID, err)
					continue
				}
				pushTokens = append(pushTokens, pushToken)
			}
			if len(pushTokens) == 0 {
				return nil
			}
			message := &expo.PushMessage{
				To:       pushTokens,
				Title:    "New comments",
				Body:     fmt.Sprintf("%d unread comments on a post you follow", count),
				Sound:    "default",
				Priority: expo.DefaultPriority,
				Data: map[string]string{
					"post_id": fmt.Sprintf("%d", postID),
					"count":   fmt.Sprintf("%d", count),
				},
			}
			response, err := a.expoClient.Publish(message)
			if err != nil {
				// Not worth a redelivery: the next recompute pushes again.
				log.Printf("push publish failed for user %d: %v", userID, err)
				return nil
			}
			if err := response.ValidateResponse(); err != nil {
				log.Printf("push rejected for user %d: %v", userID, err)
			}
			return nil
		},
	})
}
