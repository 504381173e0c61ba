package post

import (
	"fmt"
	"strings"
)

// Chapter positions are fractional lexicographic strings over a..z.
// Inserting between two chapters never renumbers siblings: we compute a
// string strictly between the two bounds, growing by one character only
// when the bounds are adjacent. Position strings never end in the
// minimal digit, otherwise no string could fit directly below them.
const posDigits = "abcdefghijklmnopqrstuvwxyz"

const posMin byte = 'a'

// PositionBetween returns a position m with prev < m < next. Either
// bound may be empty: an empty prev means "before everything", an empty
// next "after everything". Equal or inverted bounds are a programming
// error and fail, never silently reorder.
func PositionBetween(prev, next string) (string, error) {
	if next != "" && prev >= next {
		return "", fmt.Errorf("position bounds inverted: %q >= %q", prev, next)
	}
	if strings.HasSuffix(prev, string(posMin)) || strings.HasSuffix(next, string(posMin)) {
		return "", fmt.Errorf("position bound with trailing %q", string(posMin))
	}
	return midpoint(prev, next), nil
}

// midpoint assumes a < b (b empty meaning unbounded above) and neither
// ending in the minimal digit. It walks the shared prefix, padding a
// with minimal digits, then picks a digit between the first differing
// pair; adjacent digits recurse with the upper bound released.
func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) {
			ca := posMin
			if n < len(a) {
				ca = a[n]
			}
			if ca != b[n] {
				break
			}
			n++
		}
		if n > 0 {
			var rest string
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(posDigits, a[0])
	}
	digitB := len(posDigits)
	if b != "" {
		digitB = strings.IndexByte(posDigits, b[0])
	}
	if digitB-digitA > 1 {
		return string(posDigits[(digitA+digitB+1)/2])
	}

	// Adjacent digits.
	if len(b) > 1 {
		return b[:1]
	}
	var rest string
	if a != "" {
		rest = a[1:]
	}
	return string(posDigits[digitA]) + midpoint(rest, "")
}

// SpreadPositions produces n evenly spaced minimal-length positions, in
// order. Renormalization assigns these to a post's chapters when
// repeated midpoint insertion has grown some position past the length
// threshold.
func SpreadPositions(n int) []string {
	if n <= 0 {
		return nil
	}

	base := len(posDigits)
	length := 1
	total := base
	for total < n+1 {
		length++
		total *= base
	}
	step := total / (n + 1)

	positions := make([]string, n)
	for i := 0; i < n; i++ {
		v := (i + 1) * step
		buf := make([]byte, length)
		for j := length - 1; j >= 0; j-- {
			buf[j] = posDigits[v%base]
			v /= base
		}
		positions[i] = strings.TrimRight(string(buf), string(posMin))
	}
	return positions
}
