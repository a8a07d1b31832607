package learning

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// wordSet lowercases and splits text into its word set.
func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		set[w] = struct{}{}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b| over two word sets. Empty sets score 0.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// textSimilarity is jaccard over the word sets of two strings.
func textSimilarity(a, b string) float64 {
	return jaccard(wordSet(a), wordSet(b))
}

// stopwords excluded from extracted tags.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "is": {}, "it": {}, "that": {},
	"this": {}, "be": {}, "as": {}, "at": {}, "by": {}, "from": {},
}

// extractTags pulls the significant lowercase words out of text, capped.
func extractTags(text string, max int) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		tags = append(tags, w)
		if max > 0 && len(tags) >= max {
			break
		}
	}
	return tags
}

// tagOverlap is the share of a's tags also present in b.
func tagOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	hit := 0
	for _, t := range a {
		if _, ok := set[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(a))
}
