package item

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

// MaxSummaryGraphemes bounds item summaries (grapheme clusters, not bytes).
const MaxSummaryGraphemes = 280

// Normalize canonicalizes text for content hashing: Unicode NFC, ASCII
// lowercase folding, whitespace runs collapsed to a single space, trimmed.
// Hashing the normalized form makes the hash stable across whitespace and
// case variants of the same content.
func Normalize(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ContentHash computes the 64-bit fingerprint of an item's normalized
// summary+body. Deterministic across whitespace and ASCII-case variants.
func ContentHash(summary, body string) uint64 {
	return xxhash.Sum64String(Normalize(summary + "\n" + body))
}

// TruncateSummary bounds s to MaxSummaryGraphemes grapheme clusters, adding
// an ellipsis when content was cut.
func TruncateSummary(s string) string {
	return TruncateGraphemes(s, MaxSummaryGraphemes)
}

// TruncateGraphemes cuts s after n grapheme clusters. Byte-based truncation
// would split multi-rune clusters (emoji, combining marks), so the cut is
// made on cluster boundaries.
func TruncateGraphemes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if uniseg.GraphemeClusterCount(s) <= n {
		return s
	}
	g := uniseg.NewGraphemes(s)
	var b strings.Builder
	count := 0
	for g.Next() {
		if count >= n-1 {
			break
		}
		b.WriteString(g.Str())
		count++
	}
	b.WriteRune('…')
	return b.String()
}
