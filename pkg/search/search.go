// Package search provides the web search capability used by research
// steps. Implementations are safe for concurrent use.
package search

import (
	"context"
)

// Result is one ranked search hit
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client is the search capability contract
type Client interface {
	// Search returns up to max results ordered by relevance
	Search(ctx context.Context, query string, max int) ([]Result, error)
}

// Rank reorders results by keyword overlap with the query, preserving the
// engine order among equals. Overlap counts query terms appearing in the
// title or snippet.
func Rank(query string, results []Result) []Result {
	terms := tokenize(query)
	if len(terms) == 0 || len(results) < 2 {
		return results
	}

	type scored struct {
		result Result
		score  int
		order  int
	}

	items := make([]scored, len(results))
	for i, r := range results {
		haystack := tokenSet(r.Title + " " + r.Snippet)
		score := 0
		for _, term := range terms {
			if _, ok := haystack[term]; ok {
				score++
			}
		}
		items[i] = scored{result: r, score: score, order: i}
	}

	// Stable insertion sort by score desc; engine order wins ties
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].score > items[j-1].score; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}

	ranked := make([]Result, len(items))
	for i, item := range items {
		ranked[i] = item.result
	}
	return ranked
}
