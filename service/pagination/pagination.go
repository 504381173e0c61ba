package pagination

import (
	"fmt"
	"strings"

	"github.com/drift-social/Drift-server/cmd/utils"
	"gorm.io/gorm"
)

// MaxPageSize caps the client-declared page size. Header sizes outside
// (0, MaxPageSize] are rejected.
const MaxPageSize = 50

// Field is one component of a source's composite sort key. The last
// field must be unique (normally the primary key) so cursors identify a
// single row.
type Field struct {
	Name string
	Desc bool
}

// ParseFields turns "-date_published", "id" style specs into Fields.
// A leading '-' marks a descending sort, mirroring the usual order-by
// shorthand.
func ParseFields(specs ...string) []Field {
	fields := make([]Field, 0, len(specs))
	for _, s := range specs {
		if strings.HasPrefix(s, "-") {
			fields = append(fields, Field{Name: s[1:], Desc: true})
		} else {
			fields = append(fields, Field{Name: s})
		}
	}
	return fields
}

// Pair is one (column, stringified value) cursor component. Values are
// opaque to the engine; they round-trip through the client untouched.
type Pair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cursor anchors a page at a row the client has already seen. IsNext
// selects the rows after the anchor (in source order) or before it.
type Cursor struct {
	Fields []Pair `json:"fields"`
	IsNext bool   `json:"is_next"`
}

// Header opens every paginated stream: iteration direction and page size.
type Header struct {
	Forward bool `json:"forward"`
	Size    int  `json:"size"`
}

// Validate enforces the size bounds shared by every list endpoint.
func (h *Header) Validate() error {
	if h.Size <= 0 || h.Size > MaxPageSize {
		return utils.InvalidArgument("invalid_size")
	}
	return nil
}

// Source describes one paginatable query. Query must return a fresh,
// fully filtered (but unordered) gorm query on each call; Cursor must
// produce values aligned with Fields for a given row.
type Source[T any] struct {
	Query        func() *gorm.DB
	Fields       []Field
	Cursor       func(item T) []string
	RandomAccess bool

	// OnPage runs with each materialized page before it is returned,
	// for read-triggered side effects such as advancing subscription
	// watermarks. It sees items in source order.
	OnPage func(items []T)
}

// Page is one pagination result. Next and Previous are only set for
// directions where more data might exist; an exhausted direction emits
// no cursor. Count is set in offset mode only.
type Page[T any] struct {
	Items       []T     `json:"items"`
	Next        *Cursor `json:"next,omitempty"`
	Previous    *Cursor `json:"previous,omitempty"`
	HasNext     bool    `json:"has_next"`
	HasPrevious bool    `json:"has_previous"`
	Count       *int64  `json:"count,omitempty"`
}

func invertCmp(cmp string) string {
	if cmp == ">" {
		return "<"
	}
	return ">"
}

// cursorFilter builds the composite-key seek predicate
//
//	(f1 cmp v1) OR (f1 = v1 AND f2 cmp v2) OR ...
//
// which skips past the anchor row without offset-scanning. Descending
// fields flip their comparator; a previous-page anchor flips all of them.
func cursorFilter(fields []Field, values []string, after bool) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	for i := range fields {
		var parts []string
		for j := 0; j < i; j++ {
			parts = append(parts, fmt.Sprintf("%s = ?", fields[j].Name))
			args = append(args, values[j])
		}
		cmp := ">"
		if fields[i].Desc {
			cmp = "<"
		}
		if !after {
			cmp = invertCmp(cmp)
		}
		parts = append(parts, fmt.Sprintf("%s %s ?", fields[i].Name, cmp))
		args = append(args, values[i])
		clauses = append(clauses, "("+strings.Join(parts, " AND ")+")")
	}
	return strings.Join(clauses, " OR "), args
}

func orderClause(fields []Field, reversed bool) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		desc := f.Desc
		if reversed {
			desc = !desc
		}
		if desc {
			parts = append(parts, f.Name+" DESC")
		} else {
			parts = append(parts, f.Name+" ASC")
		}
	}
	return strings.Join(parts, ", ")
}

// cursorValues validates a client cursor against the source's sort key
// and extracts its values. Field names and order must match exactly; the
// client cannot steer the query to other columns.
func cursorValues[T any](src Source[T], cur *Cursor) ([]string, error) {
	if len(cur.Fields) != len(src.Fields) {
		return nil, utils.InvalidArgument("invalid_cursor")
	}
	values := make([]string, len(cur.Fields))
	for i, p := range cur.Fields {
		if p.Name != src.Fields[i].Name {
			return nil, utils.InvalidArgument("invalid_cursor")
		}
		values[i] = p.Value
	}
	return values, nil
}

func makeCursor[T any](src Source[T], item T, isNext bool) *Cursor {
	values := src.Cursor(item)
	pairs := make([]Pair, len(values))
	for i, v := range values {
		pairs[i] = Pair{Name: src.Fields[i].Name, Value: v}
	}
	return &Cursor{Fields: pairs, IsNext: isNext}
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// FetchPage materializes one cursor-delimited page. A nil cursor is the
// first page of the stream; forward selects which end of the source that
// is. Items always come back in source order. A cursor pointing past all
// remaining rows yields an empty page with no cursors, never an error.
func FetchPage[T any](src Source[T], size int, cur *Cursor, forward bool) (*Page[T], error) {
	if size <= 0 || size > MaxPageSize {
		return nil, utils.InvalidArgument("invalid_size")
	}

	after := forward
	anchored := cur != nil
	if anchored {
		after = cur.IsNext
	}

	query := src.Query()
	if anchored {
		values, err := cursorValues(src, cur)
		if err != nil {
			return nil, err
		}
		where, args := cursorFilter(src.Fields, values, after)
		query = query.Where(where, args...)
	}

	var items []T
	if err := query.Order(orderClause(src.Fields, !after)).Limit(size + 1).Find(&items).Error; err != nil {
		return nil, utils.Internal("page_fetch_failed", err)
	}

	extra := len(items) > size
	if extra {
		items = items[:size]
	}
	if !after {
		// Fetched from the far end in reversed order; restore source order.
		reverse(items)
	}

	page := &Page[T]{Items: items}
	if after {
		page.HasNext = extra
		page.HasPrevious = anchored && len(items) > 0
	} else {
		page.HasPrevious = extra
		page.HasNext = anchored && len(items) > 0
	}
	if page.HasNext {
		page.Next = makeCursor(src, items[len(items)-1], true)
	}
	if page.HasPrevious {
		page.Previous = makeCursor(src, items[0], false)
	}

	if src.OnPage != nil && len(items) > 0 {
		src.OnPage(items)
	}
	return page, nil
}

// FetchOffset serves random-access pages: total row count plus the slice
// [offset, offset+size). Sources must opt in; everything else rejects
// offset requests.
func FetchOffset[T any](src Source[T], size, offset int) (*Page[T], error) {
	if !src.RandomAccess {
		return nil, utils.InvalidArgument("random_access_unauthorized")
	}
	if size <= 0 || size > MaxPageSize {
		return nil, utils.InvalidArgument("invalid_size")
	}
	if offset < 0 {
		return nil, utils.InvalidArgument("invalid_offset")
	}

	var count int64
	if err := src.Query().Count(&count).Error; err != nil {
		return nil, utils.Internal("page_count_failed", err)
	}

	var items []T
	if err := src.Query().Order(orderClause(src.Fields, false)).Offset(offset).Limit(size).Find(&items).Error; err != nil {
		return nil, utils.Internal("page_fetch_failed", err)
	}

	page := &Page[T]{Items: items, Count: &count}
	if src.OnPage != nil && len(items) > 0 {
		src.OnPage(items)
	}
	return page, nil
}
