package pagination

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type entry struct {
	ID    uint `gorm:"primaryKey"`
	Score int
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedEntries(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		// Duplicate scores force the tie-break onto the id column.
		e := entry{Score: i % 3}
		if err := db.Create(&e).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func entrySource(db *gorm.DB) Source[entry] {
	return Source[entry]{
		Query:  func() *gorm.DB { return db.Model(&entry{}) },
		Fields: ParseFields("score", "id"),
		Cursor: func(e entry) []string {
			return []string{strconv.Itoa(e.Score), strconv.FormatUint(uint64(e.ID), 10)}
		},
	}
}

func collectIDs(items []entry) []uint {
	ids := make([]uint, len(items))
	for i, e := range items {
		ids[i] = e.ID
	}
	return ids
}

func TestForwardWalkVisitsEveryRowOnce(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 10)
	src := entrySource(db)

	seen := make(map[uint]bool)
	var cur *Cursor
	pages := 0
	var last entry
	first := true
	for {
		page, err := FetchPage(src, 3, cur, true)
		if err != nil {
			t.Fatalf("fetch page: %v", err)
		}
		pages++
		for _, e := range page.Items {
			if seen[e.ID] {
				t.Fatalf("entry %d served twice", e.ID)
			}
			seen[e.ID] = true
			if !first {
				if e.Score < last.Score || (e.Score == last.Score && e.ID <= last.ID) {
					t.Fatalf("order violated: (%d,%d) after (%d,%d)", e.Score, e.ID, last.Score, last.ID)
				}
			}
			last = e
			first = false
		}
		if !page.HasNext {
			if page.Next != nil {
				t.Fatal("exhausted page still carries a next cursor")
			}
			break
		}
		cur = page.Next
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 entries, saw %d", len(seen))
	}
	if pages != 4 {
		t.Fatalf("expected 4 pages, got %d", pages)
	}
}

func TestBackwardWalkVisitsEveryRow(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 7)
	src := entrySource(db)

	// forward=false with no cursor starts at the far end.
	page, err := FetchPage(src, 3, nil, false)
	if err != nil {
		t.Fatalf("fetch last page: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(page.Items))
	}
	if page.HasNext {
		t.Fatal("opening backward page reported more data after it")
	}

	seen := len(page.Items)
	for page.HasPrevious {
		page, err = FetchPage(src, 3, page.Previous, false)
		if err != nil {
			t.Fatalf("fetch previous: %v", err)
		}
		seen += len(page.Items)
	}
	if seen != 7 {
		t.Fatalf("expected 7 entries walking backward, saw %d", seen)
	}
}

func TestPageItemsAlwaysInSourceOrder(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 6)
	src := entrySource(db)

	fwd, err := FetchPage(src, 50, nil, true)
	if err != nil {
		t.Fatalf("forward fetch: %v", err)
	}
	back, err := FetchPage(src, 50, nil, false)
	if err != nil {
		t.Fatalf("backward fetch: %v", err)
	}
	f, b := collectIDs(fwd.Items), collectIDs(back.Items)
	if len(f) != len(b) {
		t.Fatalf("walks disagree on length: %d vs %d", len(f), len(b))
	}
	for i := range f {
		if f[i] != b[i] {
			t.Fatalf("backward page not in source order at %d: %v vs %v", i, f, b)
		}
	}
}

func TestCursorPastEndYieldsEmptyPage(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 3)
	src := entrySource(db)

	cur := &Cursor{
		Fields: []Pair{{Name: "score", Value: "99"}, {Name: "id", Value: "999"}},
		IsNext: true,
	}
	page, err := FetchPage(src, 3, cur, true)
	if err != nil {
		t.Fatalf("out-of-bounds cursor must not error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty page, got %d items", len(page.Items))
	}
	if page.Next != nil || page.Previous != nil {
		t.Fatal("empty page must not emit cursors")
	}
}

func TestCursorFieldMismatchRejected(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 3)
	src := entrySource(db)

	cur := &Cursor{
		Fields: []Pair{{Name: "password_hash", Value: "1"}, {Name: "id", Value: "1"}},
		IsNext: true,
	}
	_, err := FetchPage(src, 3, cur, true)
	if utils.CodeOf(err) != utils.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSizeBounds(t *testing.T) {
	db := newTestDB(t)
	src := entrySource(db)

	for _, size := range []int{0, -1, MaxPageSize + 1} {
		if _, err := FetchPage(src, size, nil, true); utils.CodeOf(err) != utils.CodeInvalidArgument {
			t.Fatalf("size %d: expected invalid argument, got %v", size, err)
		}
	}
}

func TestOffsetModeRequiresOptIn(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 5)
	src := entrySource(db)

	if _, err := FetchOffset(src, 3, 0); utils.CodeOf(err) != utils.CodeInvalidArgument {
		t.Fatalf("expected rejection for non-random-access source, got %v", err)
	}

	src.RandomAccess = true
	page, err := FetchOffset(src, 3, 3)
	if err != nil {
		t.Fatalf("offset fetch: %v", err)
	}
	if page.Count == nil || *page.Count != 5 {
		t.Fatalf("expected count 5, got %v", page.Count)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items at offset 3, got %d", len(page.Items))
	}
}

func TestOnPageSeesServedItems(t *testing.T) {
	db := newTestDB(t)
	seedEntries(t, db, 4)
	src := entrySource(db)

	var got []entry
	src.OnPage = func(items []entry) { got = append(got, items...) }

	page, err := FetchPage(src, 2, nil, true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != len(page.Items) {
		t.Fatalf("hook saw %d items, page had %d", len(got), len(page.Items))
	}
}
