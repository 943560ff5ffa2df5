package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// DuckDuckGo implements Client using the DuckDuckGo engine
type DuckDuckGo struct {
	tool    *duckduckgo.Tool
	timeout time.Duration
}

// NewDuckDuckGo creates a new DuckDuckGo search client
func NewDuckDuckGo(maxResults int, timeout time.Duration) (*DuckDuckGo, error) {
	if maxResults < 1 {
		maxResults = 5
	}
	if timeout == 0 {
		timeout = 20 * time.Second
	}

	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckduckgo client: %w", err)
	}

	return &DuckDuckGo{
		tool:    ddg,
		timeout: timeout,
	}, nil
}

// Search returns up to max results ordered by relevance
func (d *DuckDuckGo) Search(ctx context.Context, query string, max int) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := d.tool.Call(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := parseResults(raw)
	if max > 0 && len(results) > max {
		results = results[:max]
	}

	return Rank(query, results), nil
}

// parseResults extracts structured hits from the engine's text output.
// Blocks are keyed on Title/Description/URL prefixes; anything that does
// not parse is surfaced as a single snippet-only result so research steps
// still get the content.
func parseResults(raw string) []Result {
	var results []Result
	var current Result

	flush := func() {
		if current.Title != "" || current.URL != "" || current.Snippet != "" {
			results = append(results, current)
		}
		current = Result{}
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "Title:"):
			if current.Title != "" {
				flush()
			}
			current.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Description:"):
			current.Snippet = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
		case strings.HasPrefix(line, "URL:"):
			current.URL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
		default:
			if current.Snippet == "" {
				current.Snippet = line
			} else {
				current.Snippet += " " + line
			}
		}
	}
	flush()

	if len(results) == 0 && strings.TrimSpace(raw) != "" {
		results = append(results, Result{Snippet: strings.TrimSpace(raw)})
	}

	return results
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, term := range tokenize(text) {
		set[term] = struct{}{}
	}
	return set
}
