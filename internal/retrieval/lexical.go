package retrieval

import (
	"strings"

	"scenelens/internal/model"
)

// stopwords are ignored when counting token overlap, unless the query has
// nothing else.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "at": {}, "by": {}, "for": {}, "from": {},
	"in": {}, "is": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "with": {},
}

// queryTerms holds a query prepared for caption matching.
type queryTerms struct {
	phrase string
	tokens []string
}

func newQueryTerms(text string) queryTerms {
	words := model.CaptionWords(text)
	seen := make(map[string]struct{}, len(words))
	var content, all []string
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		all = append(all, w)
		if _, stop := stopwords[w]; !stop {
			content = append(content, w)
		}
	}
	if len(content) == 0 {
		content = all
	}
	return queryTerms{phrase: strings.Join(words, " "), tokens: content}
}

// captionScore is 1.0 when the caption contains the whole query phrase and
// otherwise 0.9 times the fraction of distinct query tokens it contains.
func (q queryTerms) captionScore(caption string) float64 {
	if q.phrase == "" || len(q.tokens) == 0 {
		return 0
	}
	words := model.CaptionWords(caption)
	if strings.Contains(model.CaptionTerms(caption), " "+q.phrase+" ") {
		return 1.0
	}
	present := make(map[string]struct{}, len(words))
	for _, w := range words {
		present[w] = struct{}{}
	}
	hits := 0
	for _, tok := range q.tokens {
		if _, ok := present[tok]; ok {
			hits++
		}
	}
	return 0.9 * float64(hits) / float64(len(q.tokens))
}
