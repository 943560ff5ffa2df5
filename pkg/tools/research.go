package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/daksha-ai/daksha/pkg/browser"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/planner"
	"github.com/daksha-ai/daksha/pkg/search"
	"github.com/daksha-ai/daksha/pkg/session"
)

type researchParams struct {
	Query string `json:"query"`
}

// ResearchOutput is the persisted output of a research step.
type ResearchOutput struct {
	Query    string          `json:"query"`
	Findings []search.Result `json:"findings"`
}

// research queries the search boundary, ranks the hits, and ingests
// each finding as a memory chunk so later steps can retrieve it.
// Re-ingesting the same finding after a crash produces a duplicate
// chunk, which retrieval tolerates, so re-invocation is safe.
func (r *Router) research(ctx context.Context, step *session.Step, sess *session.Session) (*Result, error) {
	if r.search == nil {
		return nil, r.failf(step, KindToolFailure, nil, "search is not configured")
	}

	in, err := planner.ParseStepInput(step.Input)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "unreadable step input")
	}
	var params researchParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return nil, r.failf(step, KindToolFailure, err, "unreadable research params")
		}
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		query = in.Description
	}
	if strings.TrimSpace(query) == "" {
		return nil, r.failf(step, KindToolFailure, nil, "research step has no query")
	}

	results, err := r.search.Search(ctx, query, r.cfg.MaxResults)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, r.failf(step, KindTimeout, err, "search timed out")
		}
		return nil, r.failf(step, KindToolFailure, err, "search failed: %v", err)
	}
	ranked := search.Rank(query, results)

	for _, res := range ranked {
		content := res.Title
		if res.Snippet != "" {
			content += "\n" + res.Snippet
		}
		if res.URL != "" {
			content += "\n" + res.URL
		}
		if _, err := r.memory.Ingest(ctx, memory.Chunk{
			SessionID: sess.ID,
			Kind:      memory.KindResearch,
			Source:    res.URL,
			Content:   content,
		}); err != nil {
			return nil, r.failf(step, KindToolFailure, err, "ingest finding: %v", err)
		}
	}

	out, err := json.Marshal(ResearchOutput{Query: query, Findings: ranked})
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "encode output")
	}
	r.log.Info().
		Str("session_id", sess.ID).
		Str("query", query).
		Int("findings", len(ranked)).
		Msg("research complete")
	return &Result{Output: out}, nil
}

type browseParams struct {
	URL      string `json:"url"`
	Selector string `json:"selector"` // extract one element instead of the full page
	Click    string `json:"click"`    // click this selector and return the settled page
}

// browse loads the requested page and returns extracted text, ingesting
// it for later retrieval. A selector narrows extraction to one element;
// a click selector interacts with the page first and returns the state
// after the click settles.
func (r *Router) browse(ctx context.Context, step *session.Step, sess *session.Session) (*Result, error) {
	if r.browser == nil {
		return nil, r.failf(step, KindToolFailure, nil, "browser is not configured")
	}

	in, err := planner.ParseStepInput(step.Input)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "unreadable step input")
	}
	var params browseParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return nil, r.failf(step, KindToolFailure, err, "unreadable browse params")
		}
	}
	if strings.TrimSpace(params.URL) == "" {
		return nil, r.failf(step, KindToolFailure, nil, "browse step has no url")
	}

	var page *browser.PageResult
	switch {
	case params.Click != "":
		page, err = r.browser.Click(ctx, params.URL, params.Click)
	case params.Selector != "":
		var text string
		text, err = r.browser.ExtractSelector(ctx, params.URL, params.Selector)
		if err == nil {
			page = &browser.PageResult{URL: params.URL, Text: text}
		}
	default:
		page, err = r.browser.Navigate(ctx, params.URL)
	}
	if err != nil {
		return nil, r.classifyBrowse(step, params.URL, err)
	}

	text := page.Text
	if len(text) > r.cfg.MaxPageText {
		text = text[:r.cfg.MaxPageText]
	}

	if _, err := r.memory.Ingest(ctx, memory.Chunk{
		SessionID: sess.ID,
		Kind:      memory.KindResearch,
		Source:    page.URL,
		Content:   strings.TrimSpace(fmt.Sprintf("%s\n%s", page.Title, text)),
	}); err != nil {
		return nil, r.failf(step, KindToolFailure, err, "ingest page: %v", err)
	}

	out, err := json.Marshal(map[string]string{
		"url":   page.URL,
		"title": page.Title,
		"text":  text,
	})
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "encode output")
	}
	return &Result{Output: out}, nil
}

func (r *Router) classifyBrowse(step *session.Step, url string, err error) *ExecError {
	var berr *browser.Error
	if errors.As(err, &berr) {
		if berr.Timeout() {
			return r.failf(step, KindTimeout, err, "navigate %s: timed out", url)
		}
		return r.failf(step, KindToolFailure, err, "navigate %s: %s", url, berr.Code)
	}
	return r.failf(step, KindToolFailure, err, "navigate %s: %v", url, err)
}
