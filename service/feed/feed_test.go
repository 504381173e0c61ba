package feed

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/config"
	"github.com/drift-social/Drift-server/service/stack"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = db.AutoMigrate(
		&models.User{}, &models.Block{},
		&models.Post{}, &models.Chapter{}, &models.Stack{}, &models.StackPost{}, &models.Vote{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := models.User{Username: username, Email: username + "@example.com", PasswordHash: "x"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return &u
}

func createLivePost(t *testing.T, db *gorm.DB, authorID uint, publishedAgo time.Duration) *models.Post {
	t.Helper()
	published := time.Now().Add(-publishedAgo)
	p := models.Post{AuthorID: authorID, Life: 10, DatePublished: &published}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create post: %v", err)
	}
	ch := models.Chapter{PostID: p.ID, Position: "n", Text: "hello"}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatalf("create chapter: %v", err)
	}
	return &p
}

// scriptedConn plays a client that votes on everything it is served and
// then hangs up.
type scriptedConn struct {
	spread  bool
	pending []uint // served but not yet voted on
	frames  []any
	items   int
	ended   bool
}

func (c *scriptedConn) WriteJSON(v any) error {
	c.frames = append(c.frames, v)
	switch f := v.(type) {
	case itemFrame:
		c.items++
		c.pending = append(c.pending, f.Post.ID)
	case endFrame:
		c.ended = true
	}
	return nil
}

func (c *scriptedConn) ReadJSON(v any) error {
	if len(c.pending) == 0 {
		return errors.New("client closed")
	}
	msg := v.(*voteMessage)
	msg.PostID = c.pending[0]
	msg.Spread = c.spread
	c.pending = c.pending[1:]
	return nil
}

func TestAuthedFeedServesAndRecordsVotes(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	engine := stack.NewEngine(db, cfg)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")

	for i := 0; i < 5; i++ {
		createLivePost(t, db, author.ID, time.Duration(i)*time.Minute)
	}

	conn := &scriptedConn{}
	session := NewSession(db, cfg, engine, reader)
	if err := session.Run(conn); err != nil {
		t.Fatalf("run: %v", err)
	}

	if conn.items != 5 {
		t.Fatalf("expected 5 items served, got %d", conn.items)
	}
	if !conn.ended {
		t.Fatal("stream did not end with an end frame")
	}

	// The opening push is the full look-ahead batch.
	for i := 0; i < cfg.FeedLookahead; i++ {
		if _, ok := conn.frames[i].(itemFrame); !ok {
			t.Fatalf("frame %d should be an item, got %T", i, conn.frames[i])
		}
	}

	var votes int64
	db.Model(&models.Vote{}).Where("user_id = ?", reader.ID).Count(&votes)
	if votes != 5 {
		t.Fatalf("expected 5 recorded votes, got %d", votes)
	}
}

func TestAuthedFeedNeverRepeatsPosts(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	cfg.StackCapacity = 3 // force refills mid-stream
	engine := stack.NewEngine(db, cfg)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")

	for i := 0; i < 8; i++ {
		createLivePost(t, db, author.ID, time.Duration(i)*time.Minute)
	}

	conn := &scriptedConn{spread: true}
	session := NewSession(db, cfg, engine, reader)
	if err := session.Run(conn); err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := make(map[uint]bool)
	for _, f := range conn.frames {
		item, ok := f.(itemFrame)
		if !ok {
			continue
		}
		if seen[item.Post.ID] {
			t.Fatalf("post %d served twice", item.Post.ID)
		}
		seen[item.Post.ID] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected all 8 posts served, got %d", len(seen))
	}
}

func TestAnonymousFeedPagesLivePool(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	engine := stack.NewEngine(db, cfg)
	author := createUser(t, db, "author")

	for i := 0; i < 4; i++ {
		createLivePost(t, db, author.ID, time.Duration(4-i)*time.Hour)
	}

	conn := &scriptedConn{}
	session := NewSession(db, cfg, engine, nil)
	if err := session.Run(conn); err != nil {
		t.Fatalf("run: %v", err)
	}

	if conn.items != 4 {
		t.Fatalf("expected 4 items, got %d", conn.items)
	}
	if !conn.ended {
		t.Fatal("anonymous stream did not end cleanly")
	}

	// Oldest first, by publish time.
	var lastPublished time.Time
	for _, f := range conn.frames {
		item, ok := f.(itemFrame)
		if !ok {
			continue
		}
		if item.Post.DatePublished.Before(lastPublished) {
			t.Fatal("anonymous feed out of publish order")
		}
		lastPublished = *item.Post.DatePublished
	}

	// Anonymous votes are session-local.
	var votes int64
	db.Model(&models.Vote{}).Count(&votes)
	if votes != 0 {
		t.Fatalf("anonymous feed persisted %d votes", votes)
	}
}

func TestAnonymousFeedRedactsAnonymousPosts(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	engine := stack.NewEngine(db, cfg)
	author := createUser(t, db, "author")

	p := createLivePost(t, db, author.ID, time.Minute)
	db.Model(p).Update("is_anonymous", true)

	conn := &scriptedConn{}
	session := NewSession(db, cfg, engine, nil)
	if err := session.Run(conn); err != nil {
		t.Fatalf("run: %v", err)
	}

	item, ok := conn.frames[0].(itemFrame)
	if !ok {
		t.Fatalf("expected item frame first, got %T", conn.frames[0])
	}
	if item.Post.AuthorID != 0 {
		t.Fatal("anonymous post leaked its author on the feed")
	}
}

func TestEmptyFeedEndsImmediately(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	engine := stack.NewEngine(db, cfg)
	reader := createUser(t, db, "reader")

	conn := &scriptedConn{}
	session := NewSession(db, cfg, engine, reader)
	if err := session.Run(conn); err != nil {
		t.Fatalf("run: %v", err)
	}
	if conn.items != 0 || !conn.ended {
		t.Fatalf("expected immediate end frame, got %d items ended=%v", conn.items, conn.ended)
	}
}

func TestFeedItemsCarryChapters(t *testing.T) {
	db := newTestDB(t)
	cfg := config.Default()
	engine := stack.NewEngine(db, cfg)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")

	createLivePost(t, db, author.ID, time.Minute)
	createLivePost(t, db, author.ID, 2*time.Minute)

	for _, viewer := range []*models.User{reader, nil} {
		conn := &scriptedConn{}
		session := NewSession(db, cfg, engine, viewer)
		if err := session.Run(conn); err != nil {
			t.Fatalf("run: %v", err)
		}
		if conn.items == 0 {
			t.Fatal("no items served")
		}
		for _, f := range conn.frames {
			item, ok := f.(itemFrame)
			if !ok {
				continue
			}
			if len(item.Post.Chapters) == 0 {
				t.Fatalf("post %d served without chapters", item.Post.ID)
			}
		}
	}
}
