package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/daksha-ai/daksha/pkg/browser"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/sandbox"
	"github.com/daksha-ai/daksha/pkg/search"
	"github.com/daksha-ai/daksha/pkg/session"
)

// Searcher is the search boundary consumed by the research handler.
type Searcher interface {
	Search(ctx context.Context, query string, max int) ([]search.Result, error)
}

// Navigator is the browser boundary consumed by the browse handler.
type Navigator interface {
	Navigate(ctx context.Context, url string) (*browser.PageResult, error)
	ExtractSelector(ctx context.Context, url, selector string) (string, error)
	Click(ctx context.Context, url, selector string) (*browser.PageResult, error)
}

// MemoryStore is the slice of the memory manager handlers need.
type MemoryStore interface {
	Ingest(ctx context.Context, chunk memory.Chunk) (*memory.Chunk, error)
	Retrieve(ctx context.Context, sessionID, query string, tokenBudget int) ([]memory.Chunk, error)
}

// SessionStore is the slice of the session store handlers need.
// Handlers never mutate step state; that belongs to the executor.
type SessionStore interface {
	AppendArtifact(ctx context.Context, sessionID, path, content string) (*session.Artifact, error)
	ListCurrentArtifacts(ctx context.Context, sessionID string) ([]*session.Artifact, error)
	AppendMessage(ctx context.Context, sessionID, stepID, role, content string) (*session.Message, error)
}

// Materializer writes current artifacts into a runnable directory.
type Materializer interface {
	Materialize(ctx context.Context, sessionID string, artifacts []*session.Artifact) (string, error)
}

// Executor runs commands in the sandbox.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error)
}

// Verdicts returned by the review handler.
const (
	VerdictContinue = "continue"
	VerdictStop     = "stop"
)

// Result is a successful handler outcome. Verdict is set only by
// review steps.
type Result struct {
	Output  json.RawMessage `json:"output"`
	Verdict string          `json:"verdict,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Config tunes the router.
type Config struct {
	Model       string
	MaxTokens   int     // completion cap passed to the provider
	Temperature float64 // sampling temperature passed to the provider
	TokenBudget int
	MaxResults  int
	MaxPageText int
	StepTimeout time.Duration
}

// Router dispatches steps to their tool handler. Every failure leaves
// a handler as an *ExecError; provider errors travel wrapped inside so
// their transience survives classification.
type Router struct {
	provider  provider.Provider
	search    Searcher
	browser   Navigator
	memory    MemoryStore
	store     SessionStore
	workspace Materializer
	sandbox   Executor
	cfg       Config
	log       zerolog.Logger
}

// NewRouter wires a router. Search and browser may be nil when those
// step types are not planned; dispatch then fails with tool_failure.
func NewRouter(p provider.Provider, searcher Searcher, nav Navigator, mem MemoryStore, store SessionStore, ws Materializer, sb Executor, cfg Config, log zerolog.Logger) *Router {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 6000
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.MaxPageText <= 0 {
		cfg.MaxPageText = 16 * 1024
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 120 * time.Second
	}
	return &Router{
		provider:  p,
		search:    searcher,
		browser:   nav,
		memory:    mem,
		store:     store,
		workspace: ws,
		sandbox:   sb,
		cfg:       cfg,
		log:       log.With().Str("component", "tools").Logger(),
	}
}

// Execute runs one step to completion and returns its result. The
// context carries the step deadline set by the executor.
func (r *Router) Execute(ctx context.Context, step *session.Step, sess *session.Session) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()

	r.log.Debug().
		Str("session_id", sess.ID).
		Str("step_id", step.ID).
		Str("type", string(step.Type)).
		Msg("dispatching step")

	switch step.Type {
	case session.StepResearch:
		return r.research(ctx, step, sess)
	case session.StepBrowse:
		return r.browse(ctx, step, sess)
	case session.StepCodeWrite:
		return r.codeWrite(ctx, step, sess)
	case session.StepCodeExecute:
		return r.codeExecute(ctx, step, sess)
	case session.StepReview:
		return r.review(ctx, step, sess)
	default:
		return nil, &ExecError{
			Kind: KindToolFailure,
			Tool: step.Type,
			Msg:  fmt.Sprintf("no handler for step type %q", step.Type),
		}
	}
}

func (r *Router) failf(step *session.Step, kind string, err error, format string, args ...any) *ExecError {
	return &ExecError{
		Kind: kind,
		Tool: step.Type,
		Msg:  fmt.Sprintf(format, args...),
		Err:  err,
	}
}
