package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daksha-ai/daksha/internal/config"
	"github.com/daksha-ai/daksha/internal/observability"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/session"
	"github.com/daksha-ai/daksha/pkg/tools"
)

// Store is the slice of the session store the engine drives. All step
// state changes go through it; nothing here mutates state directly.
type Store interface {
	CreateSession(ctx context.Context, objective string) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, statuses ...session.Status) ([]*session.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, next session.Status) error
	SetFailureReport(ctx context.Context, id string, report *session.FailureReport) error
	AppendSteps(ctx context.Context, sessionID string, specs []session.StepSpec) ([]*session.Step, error)
	ReplacePendingSteps(ctx context.Context, sessionID string, specs []session.StepSpec) ([]*session.Step, error)
	ListSteps(ctx context.Context, sessionID string) ([]*session.Step, error)
	NextPendingStep(ctx context.Context, sessionID string) (*session.Step, error)
	RunningStep(ctx context.Context, sessionID string) (*session.Step, error)
	RetryableStep(ctx context.Context, sessionID string) (*session.Step, error)
	MarkStepRunning(ctx context.Context, stepID string) (*session.Step, error)
	AdvanceStep(ctx context.Context, stepID string, output json.RawMessage) (*session.Step, error)
	MarkStepFailed(ctx context.Context, stepID string, output json.RawMessage) error
	ExhaustStep(ctx context.Context, stepID string) error
}

// StepPlanner produces and repairs plans.
type StepPlanner interface {
	Plan(ctx context.Context, objective string, chunks []memory.Chunk) ([]session.StepSpec, error)
	Replan(ctx context.Context, sess *session.Session, doneSteps []*session.Step, failure *session.FailureReport, chunks []memory.Chunk) ([]session.StepSpec, error)
}

// StepRouter executes one step.
type StepRouter interface {
	Execute(ctx context.Context, step *session.Step, sess *session.Session) (*tools.Result, error)
}

// ContextSource feeds planner prompts and records failures for later
// retrieval.
type ContextSource interface {
	Retrieve(ctx context.Context, sessionID, query string, tokenBudget int) ([]memory.Chunk, error)
	Ingest(ctx context.Context, chunk memory.Chunk) (*memory.Chunk, error)
}

// Engine runs sessions. Each session gets one goroutine that executes
// its steps strictly in order; sessions run concurrently and share the
// planner, router, and memory, which are safe for concurrent use.
type Engine struct {
	store   Store
	planner StepPlanner
	router  StepRouter
	memory  ContextSource
	cfg     config.ExecutorConfig
	budget  int
	log     zerolog.Logger

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine. tokenBudget bounds the context packed into
// planner prompts.
func New(store Store, p StepPlanner, r StepRouter, mem ContextSource, cfg config.ExecutorConfig, tokenBudget int, log zerolog.Logger) *Engine {
	observability.EnsureRegistered()
	if cfg.MaxStepRetries <= 0 {
		cfg.MaxStepRetries = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if tokenBudget <= 0 {
		tokenBudget = 6000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		planner: p,
		router:  r,
		memory:  mem,
		cfg:     cfg,
		budget:  tokenBudget,
		log:     log.With().Str("component", "orchestrator").Logger(),
		active:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start resumes sessions interrupted by a restart. A session found
// RUNNING re-enters at its running step; its handlers tolerate
// re-invocation, and done steps are never touched again.
func (e *Engine) Start(ctx context.Context) error {
	sessions, err := e.store.ListSessions(ctx, session.StatusCreated, session.StatusPlanning, session.StatusRunning)
	if err != nil {
		return fmt.Errorf("list resumable sessions: %w", err)
	}
	for _, sess := range sessions {
		e.log.Info().Str("session_id", sess.ID).Str("status", string(sess.Status)).Msg("recovering session")
		e.launch(sess.ID)
	}
	return nil
}

// Stop cancels all lanes and waits for in-flight steps to settle.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Create registers a new session for the objective and starts running
// it immediately.
func (e *Engine) Create(ctx context.Context, objective string) (*session.Session, error) {
	sess, err := e.store.CreateSession(ctx, objective)
	if err != nil {
		return nil, err
	}
	e.launch(sess.ID)
	return sess, nil
}

// Status returns the current session snapshot.
func (e *Engine) Status(ctx context.Context, id string) (*session.Session, error) {
	return e.store.GetSession(ctx, id)
}

// Steps returns the ordered step list with status and output.
func (e *Engine) Steps(ctx context.Context, id string) ([]*session.Step, error) {
	return e.store.ListSteps(ctx, id)
}

// Pause requests a pause. The running step finishes first; the lane
// observes the status at the next step boundary and parks.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.store.UpdateSessionStatus(ctx, id, session.StatusPaused)
}

// Resume re-enters a paused session.
func (e *Engine) Resume(ctx context.Context, id string) error {
	if err := e.store.UpdateSessionStatus(ctx, id, session.StatusRunning); err != nil {
		return err
	}
	e.launch(id)
	return nil
}

// FailureReport returns the structured report for a paused or failed
// session, nil when there is none.
func (e *Engine) FailureReport(ctx context.Context, id string) (*session.FailureReport, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.FailureReport, nil
}

// launch starts the session lane unless one is already active.
func (e *Engine) launch(sessionID string) {
	e.mu.Lock()
	if e.active[sessionID] {
		e.mu.Unlock()
		return
	}
	e.active[sessionID] = true
	e.mu.Unlock()

	observability.SetActiveSessions(e.activeCount())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, sessionID)
			e.mu.Unlock()
			observability.SetActiveSessions(e.activeCount())
		}()
		e.runSession(e.ctx, sessionID)
	}()
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
