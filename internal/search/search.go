// Package search ranks delivery records against a free-text query.
package search

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

// candidateLimit bounds how many recent records a search looks at.
const candidateLimit = 5000

// minRelevance drops records that only share a stray bigram with the query.
const minRelevance = 0.1

// recencyDecay is the time constant of the recency bonus.
const recencyDecay = 30 * 24 * time.Hour

// Result is a ranked record.
type Result struct {
	Record *models.DeliveryRecord `json:"record"`
	Score  float64                `json:"score"`
}

// Source supplies search candidates, newest first.
type Source interface {
	SearchCandidates(ctx context.Context, limit int) ([]*models.DeliveryRecord, error)
}

// Deliveries searches the records of src and returns the best limit matches.
func Deliveries(ctx context.Context, src Source, query string, limit int, now time.Time) ([]Result, error) {
	candidates, err := src.SearchCandidates(ctx, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load search candidates: %w", err)
	}
	return Rank(query, candidates, now, limit), nil
}

// Rank scores records against query. Records with no lexical match are
// dropped. Results are ordered by score, then by recency, then by source ID.
// limit <= 0 returns every match.
func Rank(query string, records []*models.DeliveryRecord, now time.Time, limit int) []Result {
	q := fold(query)
	if q == "" {
		return nil
	}
	qTokens := tokens(q)
	qGrams := bigrams(q)

	var results []Result
	for _, rec := range records {
		doc := fold(rec.SourceText)
		ids := []string{fold(rec.SourceID), fold(rec.SourceHandle), fold(rec.Head.URI)}

		score := matchScore(q, doc, ids)
		score += 0.5 * overlap(qTokens, tokens(doc))
		if isSubsequence(q, doc) {
			score += 0.2
		}
		score += 0.4 * dice(qGrams, bigrams(doc))
		if score < minRelevance {
			continue
		}
		score += recency(rec.CreatedAt, now)
		results = append(results, Result{Record: rec, Score: score})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.Record.CreatedAt.After(b.Record.CreatedAt):
			return -1
		case a.Record.CreatedAt.Before(b.Record.CreatedAt):
			return 1
		}
		if c := strings.Compare(a.Record.SourceID, b.Record.SourceID); c != 0 {
			return c
		}
		return strings.Compare(a.Record.DestinationAccount, b.Record.DestinationAccount)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// fold decomposes s, strips combining marks and folds case.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}

func matchScore(q, doc string, ids []string) float64 {
	fields := append([]string{doc}, ids...)
	best := 0.0
	for _, f := range fields {
		if f == "" {
			continue
		}
		switch {
		case f == q:
			return 1.0
		case strings.HasPrefix(f, q):
			best = max(best, 0.8)
		case strings.Contains(f, q):
			best = max(best, 0.6)
		}
	}
	return best
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// overlap is the share of query tokens found in the document.
func overlap(query, doc []string) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	set := make(map[string]bool, len(doc))
	for _, t := range doc {
		set[t] = true
	}
	hits := 0
	for _, t := range query {
		if set[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// isSubsequence reports whether the runes of q appear in doc in order.
func isSubsequence(q, doc string) bool {
	if doc == "" {
		return false
	}
	rest := []rune(doc)
	for _, r := range q {
		i := slices.Index(rest, r)
		if i < 0 {
			return false
		}
		rest = rest[i+1:]
	}
	return true
}

func bigrams(s string) map[string]int {
	rs := []rune(s)
	if len(rs) < 2 {
		return nil
	}
	grams := make(map[string]int, len(rs)-1)
	for i := 0; i+1 < len(rs); i++ {
		grams[string(rs[i:i+2])]++
	}
	return grams
}

// dice is the Sørensen-Dice coefficient of two bigram multisets.
func dice(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	total, common := 0, 0
	for g, n := range a {
		total += n
		common += min(n, b[g])
	}
	for _, n := range b {
		total += n
	}
	return 2 * float64(common) / float64(total)
}

func recency(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return 0.1 * math.Exp(-float64(age)/float64(recencyDecay))
}
