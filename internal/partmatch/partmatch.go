// Package partmatch decides whether free text refers to a part number.
//
// Stores spell the same part many ways ("BRK-2201", "brk 2201", "BRK2201"),
// so both sides are folded to lowercase letters and digits before comparing.
// A match must start and end at a separator or the edge of a word:
// "BRK-2201" matches "Pads BRK-2201 front" and "/p/brk-2201-front" but not
// "BRK-22010".
package partmatch

import (
	"strings"
	"unicode"
)

// Normalize folds s to lowercase letters and digits.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Matcher checks texts against one part number.
type Matcher struct {
	part string
}

// New returns a Matcher for part. An empty part matches everything.
func New(part string) Matcher {
	return Matcher{part: Normalize(part)}
}

// Mentions reports whether text contains the part number.
func (m Matcher) Mentions(text string) bool {
	return m.part == "" || m.Count(text) > 0
}

// Count returns how many times the part number occurs in text.
func (m Matcher) Count(text string) int {
	if m.part == "" {
		return 0
	}
	t := fold(text)
	n := 0
	for i := 0; i+len(m.part) <= len(t.folded); {
		j := strings.Index(t.folded[i:], m.part)
		if j < 0 {
			break
		}
		start := i + j
		if t.boundary(start, start+len(m.part)) {
			n++
		}
		i = start + 1
	}
	return n
}

// Any reports whether any of texts mentions the part number.
func (m Matcher) Any(texts ...string) bool {
	for _, t := range texts {
		if m.Mentions(t) {
			return true
		}
	}
	return false
}

// foldedText is text reduced to lowercase letters and digits, remembering where
// the separators were.
type foldedText struct {
	folded string
	// breaks[i] is true when a separator preceded byte i.
	breaks []bool
}

func (t foldedText) boundary(start, end int) bool {
	return (start == 0 || t.breaks[start]) && (end == len(t.folded) || t.breaks[end])
}

func fold(text string) foldedText {
	var (
		b      strings.Builder
		breaks = make([]bool, 0, len(text))
		sep    bool
	)
	b.Grow(len(text))
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			sep = true
			continue
		}
		s := string(unicode.ToLower(r))
		b.WriteString(s)
		for k := 0; k < len(s); k++ {
			breaks = append(breaks, sep && k == 0)
		}
		sep = false
	}
	return foldedText{folded: b.String(), breaks: breaks}
}
