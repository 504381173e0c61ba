package feed

import (
	"errors"
	"log"
	"time"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/service/post"
	"github.com/drift-social/Drift-server/service/stack"
	"gorm.io/gorm"
)

// conn is the slice of a websocket connection the feed session needs.
type conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// voteMessage is what the client sends back for each consumed item.
type voteMessage struct {
	PostID uint `json:"post_id"`
	Spread bool `json:"spread"`
}

type itemFrame struct {
	Type string       `json:"type"`
	Post *models.Post `json:"post"`
}

type endFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Session drives one feed stream: an eager look-ahead batch up front,
// then one replacement per inbound vote until the candidates run out.
type Session struct {
	db     *gorm.DB
	cfg    *config.Config
	engine *stack.Engine
	viewer *models.User

	queue       []models.Post
	served      map[uint]bool
	outstanding int

	// anonymous mode pages the live pool by publish time instead of
	// consuming a stack
	fetchAfter time.Time
}

func NewSession(db *gorm.DB, cfg *config.Config, engine *stack.Engine, viewer *models.User) *Session {
	return &Session{
		db:     db,
		cfg:    cfg,
		engine: engine,
		viewer: viewer,
		served: make(map[uint]bool),
	}
}

func (s *Session) anonymous() bool { return s.viewer == nil }

// refill tops up the working queue from the caller's stack, or from the
// live pool in anonymous mode.
func (s *Session) refill() error {
	if s.anonymous() {
		return s.refillAnonymous()
	}
	if err := s.engine.Fill(s.viewer.ID); err != nil {
		return err
	}
	held, err := s.engine.Held(s.viewer.ID)
	if err != nil {
		return err
	}
	for _, p := range held {
		if !s.served[p.ID] {
			s.queue = append(s.queue, p)
			s.served[p.ID] = true
		}
	}
	return nil
}

func (s *Session) refillAnonymous() error {
	cutoff := time.Now().Add(-s.cfg.PoolWindow)
	banned := s.db.Model(&models.User{}).Select("id").Where("banned_forever = ?", true)

	var batch []models.Post
	err := s.db.Model(&models.Post{}).
		Preload("Chapters").
		Where("life > 0 AND is_deleted = ?", false).
		Where("date_published IS NOT NULL AND date_published > ?", cutoff).
		Where("date_published > ?", s.fetchAfter).
		Where("author_id NOT IN (?)", banned).
		Order("date_published ASC").
		Limit(s.cfg.StackCapacity).
		Find(&batch).Error
	if err != nil {
		return utils.Internal("pool_scan_failed", err)
	}
	for _, p := range batch {
		s.queue = append(s.queue, p)
		if p.DatePublished != nil {
			s.fetchAfter = *p.DatePublished
		}
	}
	return nil
}

// pop hands out the next queued post, refilling first when the queue
// has run dry. A nil result means the feed is exhausted.
func (s *Session) pop() (*models.Post, error) {
	if len(s.queue) == 0 {
		if err := s.refill(); err != nil {
			return nil, err
		}
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	post.Redact(s.viewer, &p)
	return &p, nil
}

// vote applies one inbound vote message. Anonymous votes only advance
// the session; nothing is persisted.
func (s *Session) vote(msg voteMessage) error {
	if s.anonymous() {
		return nil
	}
	_, err := s.engine.CastVote(s.viewer.ID, msg.PostID, msg.Spread)
	return err
}

// Run serves the feed over c until the candidates are exhausted or the
// client goes away. Exhaustion ends the stream cleanly with an end
// frame.
func (s *Session) Run(c conn) error {
	for s.outstanding < s.cfg.FeedLookahead {
		p, err := s.pop()
		if err != nil {
			writeError(c, err)
			return err
		}
		if p == nil {
			break
		}
		if err := c.WriteJSON(itemFrame{Type: "post", Post: p}); err != nil {
			return err
		}
		s.outstanding++
	}
	if s.outstanding == 0 {
		c.WriteJSON(endFrame{Type: "end"})
		return nil
	}

	for {
		var msg voteMessage
		if err := c.ReadJSON(&msg); err != nil {
			// client hung up
			return nil
		}
		if err := s.vote(msg); err != nil {
			// a stale vote must not kill the stream: the post may have
			// been deleted or voted on from another session meanwhile
			if utils.CodeOf(err) == utils.CodeInternal {
				writeError(c, err)
				return err
			}
			writeError(c, err)
		}
		s.outstanding--

		for s.outstanding < s.cfg.FeedLookahead {
			p, err := s.pop()
			if err != nil {
				writeError(c, err)
				return err
			}
			if p == nil {
				break
			}
			if err := c.WriteJSON(itemFrame{Type: "post", Post: p}); err != nil {
				return err
			}
			s.outstanding++
		}
		if s.outstanding == 0 {
			c.WriteJSON(endFrame{Type: "end"})
			return nil
		}
	}
}

func writeError(c conn, err error) {
	var se *utils.Error
	frame := errorFrame{Type: "error", Code: "internal", Reason: "internal"}
	if errors.As(err, &se) {
		frame.Code = se.Code.String()
		frame.Reason = se.Reason
	}
	if werr := c.WriteJSON(frame); werr != nil {
		log.Printf("feed error frame write failed: %v", werr)
	}
}
