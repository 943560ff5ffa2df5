package memory

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords filtered out of keyword extraction
var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "an": {},
	"and": {}, "any": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"because": {}, "been": {}, "before": {}, "but": {}, "by": {}, "can": {},
	"could": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "just": {},
	"me": {}, "more": {}, "most": {}, "my": {}, "no": {}, "not": {},
	"of": {}, "on": {}, "or": {}, "other": {}, "our": {}, "out": {},
	"over": {}, "should": {}, "so": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "to": {}, "under": {}, "up": {},
	"use": {}, "using": {}, "was": {}, "we": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "while": {}, "who": {}, "will": {},
	"with": {}, "would": {}, "you": {}, "your": {},
}

// ExtractKeywords returns up to max keywords from text, ranked by term
// frequency with stopwords removed. Terms shorter than three characters
// are ignored.
func ExtractKeywords(text string, max int) []string {
	if max <= 0 {
		max = 10
	}

	freq := map[string]int{}
	for _, term := range Tokenize(text) {
		if len(term) < 3 {
			continue
		}
		if _, skip := stopwords[term]; skip {
			continue
		}
		freq[term]++
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}

	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}

// Tokenize lowercases text and splits it into alphanumeric terms
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// KeywordOverlap returns |query ∩ chunk| / |query| in [0, 1]
func KeywordOverlap(queryKeywords, chunkKeywords []string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}

	set := make(map[string]struct{}, len(chunkKeywords))
	for _, k := range chunkKeywords {
		set[k] = struct{}{}
	}

	matched := 0
	for _, k := range queryKeywords {
		if _, ok := set[k]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryKeywords))
}
