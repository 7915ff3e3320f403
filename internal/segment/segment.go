// Package segment splits post text into destination-sized chunks.
//
// Lengths are measured in grapheme clusters, which is how the destination
// counts its post limit. The raw chunks partition the input exactly, so
// joining them with no separator gives back the original text. Whitespace at
// chunk boundaries is trimmed only when a chunk is rendered with Text.
package segment

import (
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

// Chunk is one destination-post-sized fragment of a text.
type Chunk struct {
	Raw string
}

// Text returns the chunk with boundary whitespace trimmed, as it is posted.
func (c Chunk) Text() string {
	return strings.TrimSpace(c.Raw)
}

// Count returns the length of s in grapheme clusters.
func Count(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

// Split cuts text into chunks of at most limit grapheme clusters. A text that
// fits is returned unchanged as a single chunk. Otherwise each cut is placed at
// the latest paragraph break within the limit, falling back to the latest
// sentence end, then the latest whitespace, then a hard cut at the limit.
// Empty input yields a single empty chunk.
func Split(text string, limit int) []Chunk {
	if limit < 1 {
		limit = 1
	}
	clusters := graphemes(text)
	if len(clusters) <= limit {
		return []Chunk{{Raw: text}}
	}

	var chunks []Chunk
	for start := 0; start < len(clusters); {
		rest := clusters[start:]
		n := len(rest)
		if n > limit {
			n = cutPoint(rest, limit)
		}
		chunks = append(chunks, Chunk{Raw: strings.Join(rest[:n], "")})
		start += n
	}
	return chunks
}

// cutPoint returns how many leading clusters of rest belong to the next
// chunk. The result is always in [1, limit].
func cutPoint(rest []string, limit int) int {
	if n := lastParagraphBreak(rest, limit); n > 0 {
		return n
	}
	if n := lastSentenceEnd(rest, limit); n > 0 {
		return n
	}
	if n := lastWhitespace(rest, limit); n > 0 {
		return n
	}
	return limit
}

func lastParagraphBreak(rest []string, limit int) int {
	for i := limit - 2; i >= 1; i-- {
		if isNewline(rest[i]) && isNewline(rest[i+1]) {
			return i + 2
		}
	}
	return 0
}

func lastSentenceEnd(rest []string, limit int) int {
	for i := limit - 1; i >= 1; i-- {
		if !isSentenceEnd(rest[i]) {
			continue
		}
		next := i + 1
		if next >= len(rest) || !isSpace(rest[next]) {
			continue
		}
		if next+1 <= limit {
			return next + 1
		}
		return next
	}
	return 0
}

func lastWhitespace(rest []string, limit int) int {
	for i := limit - 1; i >= 1; i-- {
		if isSpace(rest[i]) {
			return i + 1
		}
	}
	return 0
}

func graphemes(s string) []string {
	out := make([]string, 0, len(s))
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		out = append(out, g.Str())
	}
	return out
}

func isNewline(cluster string) bool {
	return cluster == "\n" || cluster == "\r\n" || cluster == "\r"
}

func isSpace(cluster string) bool {
	for _, r := range cluster {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return cluster != ""
}

func isSentenceEnd(cluster string) bool {
	switch cluster {
	case ".", "!", "?", "…", "。", "！", "？":
		return true
	}
	return false
}
