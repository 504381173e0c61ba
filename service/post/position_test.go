package post

import (
	"sort"
	"testing"
)

func TestPositionBetweenOrders(t *testing.T) {
	cases := []struct{ prev, next string }{
		{"", ""},
		{"", "b"},
		{"n", ""},
		{"b", "c"},
		{"az", "b"},
		{"n", "nb"},
		{"abc", "abd"},
		{"z", ""},
		{"zz", ""},
	}
	for _, c := range cases {
		got, err := PositionBetween(c.prev, c.next)
		if err != nil {
			t.Fatalf("PositionBetween(%q, %q): %v", c.prev, c.next, err)
		}
		if c.prev != "" && got <= c.prev {
			t.Fatalf("PositionBetween(%q, %q) = %q, not above prev", c.prev, c.next, got)
		}
		if c.next != "" && got >= c.next {
			t.Fatalf("PositionBetween(%q, %q) = %q, not below next", c.prev, c.next, got)
		}
		if got == "" {
			t.Fatalf("PositionBetween(%q, %q) returned empty position", c.prev, c.next)
		}
		if got[len(got)-1] == 'a' {
			t.Fatalf("PositionBetween(%q, %q) = %q ends in minimal digit", c.prev, c.next, got)
		}
	}
}

func TestPositionBetweenRejectsBadBounds(t *testing.T) {
	cases := []struct{ prev, next string }{
		{"b", "b"},
		{"c", "b"},
		{"ba", ""},
		{"", "ba"},
	}
	for _, c := range cases {
		if _, err := PositionBetween(c.prev, c.next); err == nil {
			t.Fatalf("PositionBetween(%q, %q) should have failed", c.prev, c.next)
		}
	}
}

func TestRepeatedInsertionStaysOrdered(t *testing.T) {
	// Keep inserting at the front; positions must stay strictly
	// decreasing and grow only gradually.
	next := ""
	for i := 0; i < 50; i++ {
		pos, err := PositionBetween("", next)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if next != "" && pos >= next {
			t.Fatalf("insert %d: %q not below %q", i, pos, next)
		}
		next = pos
	}
}

func TestSpreadPositions(t *testing.T) {
	for _, n := range []int{1, 2, 10, 26, 60} {
		got := SpreadPositions(n)
		if len(got) != n {
			t.Fatalf("SpreadPositions(%d) returned %d positions", n, len(got))
		}
		if !sort.StringsAreSorted(got) {
			t.Fatalf("SpreadPositions(%d) not sorted: %v", n, got)
		}
		seen := make(map[string]bool)
		for _, p := range got {
			if p == "" {
				t.Fatalf("SpreadPositions(%d) produced empty position", n)
			}
			if p[len(p)-1] == 'a' {
				t.Fatalf("SpreadPositions(%d) produced %q ending in minimal digit", n, p)
			}
			if seen[p] {
				t.Fatalf("SpreadPositions(%d) produced duplicate %q", n, p)
			}
			seen[p] = true
		}
	}
	if got := SpreadPositions(0); got != nil {
		t.Fatalf("SpreadPositions(0) = %v, want nil", got)
	}
}
