package stack

import (
	"fmt"
	"testing"
	"time"

	"github.com/drift-social/Drift-server/cmd/models"
	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/drift-social/Drift-server/config"
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
		&models.Post{}, &models.Chapter{},
		&models.Stack{}, &models.StackPost{}, &models.Vote{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewEngine(db, config.Default()), db
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	u := models.User{Username: username, Email: username + "@example.com", PasswordHash: "x"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return &u
}

func createLivePost(t *testing.T, db *gorm.DB, authorID uint, life int) *models.Post {
	t.Helper()
	now := time.Now()
	p := models.Post{AuthorID: authorID, Life: life, DatePublished: &now}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create post: %v", err)
	}
	return &p
}

func heldCount(t *testing.T, db *gorm.DB, userID uint) int {
	t.Helper()
	var stack models.Stack
	if err := db.Where("user_id = ?", userID).First(&stack).Error; err != nil {
		return 0
	}
	var n int64
	db.Model(&models.StackPost{}).Where("stack_id = ?", stack.ID).Count(&n)
	return int(n)
}

func postLife(t *testing.T, db *gorm.DB, postID uint) int {
	t.Helper()
	var p models.Post
	if err := db.First(&p, postID).Error; err != nil {
		t.Fatalf("load post %d: %v", postID, err)
	}
	return p.Life
}

func TestFillChargesRent(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")

	var posts []*models.Post
	for i := 0; i < 5; i++ {
		posts = append(posts, createLivePost(t, db, author.ID, 10))
	}

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if got := heldCount(t, db, reader.ID); got != 5 {
		t.Fatalf("expected 5 held posts, got %d", got)
	}
	for _, p := range posts {
		if life := postLife(t, db, p.ID); life != 9 {
			t.Fatalf("post %d: expected life 9 after fill, got %d", p.ID, life)
		}
	}
}

func TestFillStopsAtCapacity(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")

	for i := 0; i < 15; i++ {
		createLivePost(t, db, author.ID, 10)
	}
	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if got := heldCount(t, db, reader.ID); got != 10 {
		t.Fatalf("expected capacity 10, got %d", got)
	}

	// A second fill at capacity is a no-op and charges nothing.
	var before int
	db.Model(&models.Post{}).Select("COALESCE(SUM(life), 0)").Scan(&before)
	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("refill: %v", err)
	}
	var after int
	db.Model(&models.Post{}).Select("COALESCE(SUM(life), 0)").Scan(&after)
	if before != after {
		t.Fatalf("no-op fill changed total life: %d -> %d", before, after)
	}
}

func TestFillAlwaysAdvancesDateLastFilled(t *testing.T) {
	engine, db := newTestEngine(t)
	reader := createUser(t, db, "reader")

	// No candidates at all, fill is a no-op but still counts as a view.
	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	var stack models.Stack
	if err := db.Where("user_id = ?", reader.ID).First(&stack).Error; err != nil {
		t.Fatalf("stack not created: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	db.Model(&stack).Update("date_last_filled", old)

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("refill: %v", err)
	}
	db.First(&stack, stack.ID)
	if !stack.DateLastFilled.After(old.Add(time.Hour)) {
		t.Fatal("empty fill did not advance date_last_filled")
	}
}

func TestFillSkipsIneligiblePosts(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	blockedAuthor := createUser(t, db, "blocked")
	bannedAuthor := createUser(t, db, "banned")
	reader := createUser(t, db, "reader")

	db.Model(bannedAuthor).Update("banned_forever", true)
	db.Create(&models.Block{BlockerID: reader.ID, BlockedID: blockedAuthor.ID})

	eligible := createLivePost(t, db, author.ID, 10)
	createLivePost(t, db, reader.ID, 10)        // own post
	createLivePost(t, db, blockedAuthor.ID, 10) // blocked author
	createLivePost(t, db, bannedAuthor.ID, 10)  // banned author
	createLivePost(t, db, author.ID, 0)         // dead

	stale := createLivePost(t, db, author.ID, 10) // out of the pool window
	old := time.Now().Add(-29 * 24 * time.Hour)
	db.Model(stale).Update("date_published", old)

	deleted := createLivePost(t, db, author.ID, 10)
	db.Model(deleted).Update("is_deleted", true)

	voted := createLivePost(t, db, author.ID, 10)
	db.Create(&models.Vote{UserID: reader.ID, PostID: voted.ID})

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	held, err := engine.Held(reader.ID)
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if len(held) != 1 || held[0].ID != eligible.ID {
		t.Fatalf("expected only post %d in stack, got %v", eligible.ID, held)
	}
}

func TestDrainRefundsLife(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")

	posts := make([]*models.Post, 4)
	for i := range posts {
		posts[i] = createLivePost(t, db, author.ID, 10)
	}
	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := engine.Drain(reader.ID); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := heldCount(t, db, reader.ID); got != 0 {
		t.Fatalf("stack not empty after drain: %d", got)
	}
	// Fill then drain conserves life exactly.
	for _, p := range posts {
		if life := postLife(t, db, p.ID); life != 10 {
			t.Fatalf("post %d: expected life 10 after drain, got %d", p.ID, life)
		}
	}
}

func TestSpreadVoteBoostsLife(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	p := createLivePost(t, db, author.ID, 10)

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	// life is 9 now, the stack slot kept the rent.
	vote, err := engine.CastVote(reader.ID, p.ID, true)
	if err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if !vote.Spread {
		t.Fatal("vote lost its spread flag")
	}
	if life := postLife(t, db, p.ID); life != 13 {
		t.Fatalf("expected life 9+4=13 after spread vote, got %d", life)
	}
	if got := heldCount(t, db, reader.ID); got != 0 {
		t.Fatal("voted post should leave the stack without refund")
	}
}

func TestPlainVoteLeavesLifeAlone(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	p := createLivePost(t, db, author.ID, 10)

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := engine.CastVote(reader.ID, p.ID, false); err != nil {
		t.Fatalf("cast vote: %v", err)
	}
	if life := postLife(t, db, p.ID); life != 9 {
		t.Fatalf("plain vote must keep the rent: expected 9, got %d", life)
	}
}

func TestVoteRejections(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	p := createLivePost(t, db, author.ID, 10)

	if _, err := engine.CastVote(author.ID, p.ID, true); utils.CodeOf(err) != utils.CodePermissionDenied {
		t.Fatalf("self vote: expected permission denied, got %v", err)
	}

	if _, err := engine.CastVote(reader.ID, p.ID, false); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := engine.CastVote(reader.ID, p.ID, true); utils.CodeOf(err) != utils.CodeFailedPrecondition {
		t.Fatalf("double vote: expected failed precondition, got %v", err)
	}

	draft := models.Post{AuthorID: author.ID}
	db.Create(&draft)
	if _, err := engine.CastVote(reader.ID, draft.ID, false); utils.CodeOf(err) != utils.CodeNotFound {
		t.Fatalf("vote on draft: expected not found, got %v", err)
	}
	if _, err := engine.CastVote(reader.ID, 99999, false); utils.CodeOf(err) != utils.CodeNotFound {
		t.Fatalf("vote on missing post: expected not found, got %v", err)
	}
}

func TestBlockRemovesAuthorPostsWithRefund(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	other := createUser(t, db, "other")
	reader := createUser(t, db, "reader")

	target := createLivePost(t, db, author.ID, 10)
	kept := createLivePost(t, db, other.ID, 10)

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := engine.RemoveAuthorPosts(reader.ID, author.ID); err != nil {
		t.Fatalf("remove author posts: %v", err)
	}

	held, err := engine.Held(reader.ID)
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if len(held) != 1 || held[0].ID != kept.ID {
		t.Fatalf("expected only post %d to remain, got %v", kept.ID, held)
	}
	if life := postLife(t, db, target.ID); life != 10 {
		t.Fatalf("removed post should get its refund: expected 10, got %d", life)
	}
	if life := postLife(t, db, kept.ID); life != 9 {
		t.Fatalf("remaining post should keep paying rent: expected 9, got %d", life)
	}
}

func TestSweepDrainsStaleStacks(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	stale := createUser(t, db, "stale")
	fresh := createUser(t, db, "fresh")

	p := createLivePost(t, db, author.ID, 10)

	if err := engine.Fill(stale.ID); err != nil {
		t.Fatalf("fill stale: %v", err)
	}
	if err := engine.Fill(fresh.ID); err != nil {
		t.Fatalf("fill fresh: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	db.Model(&models.Stack{}).Where("user_id = ?", stale.ID).Update("date_last_filled", old)

	if err := engine.SweepStale(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := heldCount(t, db, stale.ID); got != 0 {
		t.Fatalf("stale stack not drained: %d held", got)
	}
	if got := heldCount(t, db, fresh.ID); got != 1 {
		t.Fatalf("fresh stack should be untouched: %d held", got)
	}
	// One refund from the stale drain on top of two fills' rent.
	if life := postLife(t, db, p.ID); life != 9 {
		t.Fatalf("expected life 9 after sweep, got %d", life)
	}
}

func TestVoteAcrossBlockRejected(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	p := createLivePost(t, db, author.ID, 10)

	block := models.Block{BlockerID: author.ID, BlockedID: reader.ID}
	if err := db.Create(&block).Error; err != nil {
		t.Fatalf("create block: %v", err)
	}
	if _, err := engine.CastVote(reader.ID, p.ID, true); utils.CodeOf(err) != utils.CodePermissionDenied {
		t.Fatalf("vote across block: expected permission denied, got %v", err)
	}
	if got := postLife(t, db, p.ID); got != 10 {
		t.Fatalf("rejected vote changed life to %d", got)
	}

	// The rejection works in both directions.
	if err := db.Delete(&block).Error; err != nil {
		t.Fatalf("delete block: %v", err)
	}
	reverse := models.Block{BlockerID: reader.ID, BlockedID: author.ID}
	if err := db.Create(&reverse).Error; err != nil {
		t.Fatalf("create reverse block: %v", err)
	}
	if _, err := engine.CastVote(reader.ID, p.ID, false); utils.CodeOf(err) != utils.CodePermissionDenied {
		t.Fatalf("vote against blocker: expected permission denied, got %v", err)
	}

	var votes int64
	db.Model(&models.Vote{}).Count(&votes)
	if votes != 0 {
		t.Fatalf("expected no votes recorded, got %d", votes)
	}
}

func TestVoteOnBannedAuthorPostHidden(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	p := createLivePost(t, db, author.ID, 10)

	if err := db.Model(&models.User{}).Where("id = ?", author.ID).
		Update("banned_forever", true).Error; err != nil {
		t.Fatalf("ban author: %v", err)
	}
	if _, err := engine.CastVote(reader.ID, p.ID, true); utils.CodeOf(err) != utils.CodeNotFound {
		t.Fatalf("vote on banned author's post: expected not found, got %v", err)
	}
}

func TestFillReusesExistingStackRow(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	createLivePost(t, db, author.ID, 10)

	// Row created out of band, as by a concurrent first fill.
	seeded := models.Stack{UserID: reader.ID, DateLastFilled: time.Now().Add(-time.Hour)}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("seed stack row: %v", err)
	}

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill with existing stack row: %v", err)
	}
	var rows int64
	db.Model(&models.Stack{}).Where("user_id = ?", reader.ID).Count(&rows)
	if rows != 1 {
		t.Fatalf("expected one stack row, got %d", rows)
	}
	if got := heldCount(t, db, reader.ID); got != 1 {
		t.Fatalf("expected 1 held post, got %d", got)
	}
}

func TestSweepRechecksStalenessUnderLock(t *testing.T) {
	engine, db := newTestEngine(t)
	author := createUser(t, db, "author")
	reader := createUser(t, db, "reader")
	createLivePost(t, db, author.ID, 10)

	if err := engine.Fill(reader.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// The stack was refilled after the staleness scan picked it up.
	cutoff := time.Now().Add(-time.Hour)
	if err := engine.drainIfStale(reader.ID, cutoff); err != nil {
		t.Fatalf("drain if stale: %v", err)
	}
	if got := heldCount(t, db, reader.ID); got != 1 {
		t.Fatalf("fresh stack drained, held %d", got)
	}

	if err := db.Model(&models.Stack{}).Where("user_id = ?", reader.ID).
		Update("date_last_filled", time.Now().Add(-2*time.Hour)).Error; err != nil {
		t.Fatalf("age stack: %v", err)
	}
	if err := engine.drainIfStale(reader.ID, cutoff); err != nil {
		t.Fatalf("drain if stale: %v", err)
	}
	if got := heldCount(t, db, reader.ID); got != 0 {
		t.Fatalf("stale stack kept %d posts", got)
	}
}
