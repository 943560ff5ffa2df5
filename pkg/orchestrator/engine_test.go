package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daksha-ai/daksha/internal/config"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/planner"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/session"
	"github.com/daksha-ai/daksha/pkg/tools"
)

type stubPlanner struct {
	mu      sync.Mutex
	plans   [][]session.StepSpec
	planErr error
	calls   int
	replans int
}

func (s *stubPlanner) next() ([]session.StepSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planErr != nil {
		return nil, s.planErr
	}
	idx := s.calls
	if idx >= len(s.plans) {
		idx = len(s.plans) - 1
	}
	s.calls++
	return s.plans[idx], nil
}

func (s *stubPlanner) Plan(ctx context.Context, objective string, chunks []memory.Chunk) ([]session.StepSpec, error) {
	return s.next()
}

func (s *stubPlanner) Replan(ctx context.Context, sess *session.Session, done []*session.Step, failure *session.FailureReport, chunks []memory.Chunk) ([]session.StepSpec, error) {
	s.mu.Lock()
	s.replans++
	s.mu.Unlock()
	return s.next()
}

func (s *stubPlanner) replanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replans
}

// stubRouter executes steps from a scripted queue of outcomes keyed by
// invocation order.
type stubRouter struct {
	mu       sync.Mutex
	outcomes []routerOutcome
	executed []session.StepType
	calls    int
}

type routerOutcome struct {
	result *tools.Result
	err    error
}

func ok(output string) routerOutcome {
	return routerOutcome{result: &tools.Result{Output: json.RawMessage(output)}}
}

func reviewOK(verdict string) routerOutcome {
	out, _ := json.Marshal(tools.ReviewOutput{Verdict: verdict, Reason: "because"})
	return routerOutcome{result: &tools.Result{Output: out, Verdict: verdict, Reason: "because"}}
}

func fail(err error) routerOutcome { return routerOutcome{err: err} }

func (s *stubRouter) Execute(ctx context.Context, step *session.Step, sess *session.Session) (*tools.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, step.Type)
	idx := s.calls
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	s.calls++
	out := s.outcomes[idx]
	return out.result, out.err
}

func (s *stubRouter) executions() []session.StepType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.StepType(nil), s.executed...)
}

type stubMemory struct {
	mu       sync.Mutex
	ingested []memory.Chunk
}

func (s *stubMemory) Retrieve(ctx context.Context, sessionID, query string, budget int) ([]memory.Chunk, error) {
	return nil, nil
}

func (s *stubMemory) Ingest(ctx context.Context, chunk memory.Chunk) (*memory.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested = append(s.ingested, chunk)
	return &chunk, nil
}

func specs(types ...session.StepType) []session.StepSpec {
	out := make([]session.StepSpec, len(types))
	for i, typ := range types {
		out[i] = session.StepSpec{Type: typ, MaxRetries: 2}
	}
	return out
}

func testEngine(t *testing.T, p *stubPlanner, r StepRouter) (*Engine, *session.Store) {
	t.Helper()
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.ExecutorConfig{
		MaxStepRetries: 2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
	}
	e := New(store, p, r, &stubMemory{}, cfg, 6000, zerolog.Nop())
	t.Cleanup(e.Stop)
	return e, store
}

func waitStatus(t *testing.T, e *Engine, id string, want session.Status) *session.Session {
	t.Helper()
	var sess *session.Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = e.Status(context.Background(), id)
		return err == nil && sess.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return sess
}

func TestSessionRunsToDone(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{
		specs(session.StepCodeWrite, session.StepCodeExecute, session.StepReview),
	}}
	r := &stubRouter{outcomes: []routerOutcome{
		ok(`{"files":["main.py"]}`),
		ok(`{"exit_code":0}`),
		reviewOK(tools.VerdictStop),
	}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "reverse a string")
	require.NoError(t, err)
	waitStatus(t, e, sess.ID, session.StatusDone)

	steps, err := e.Steps(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, st := range steps {
		assert.Equal(t, session.StepDone, st.Status)
		assert.NotEmpty(t, st.Output)
	}
	assert.Equal(t, []session.StepType{session.StepCodeWrite, session.StepCodeExecute, session.StepReview}, r.executions())
}

func TestTransientFailureRetriesInPlace(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepCodeWrite, session.StepReview)}}
	rateLimit := &tools.ExecError{
		Kind: tools.KindToolFailure, Tool: session.StepCodeWrite, Msg: "rate limited",
		Err: &provider.Error{Kind: provider.KindRateLimit, Status: 429},
	}
	r := &stubRouter{outcomes: []routerOutcome{
		fail(rateLimit),
		fail(rateLimit),
		ok(`{"files":["main.py"]}`),
		reviewOK(tools.VerdictStop),
	}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)
	waitStatus(t, e, sess.ID, session.StatusDone)

	steps, err := e.Steps(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StepDone, steps[0].Status)
	assert.Equal(t, 2, steps[0].Retries)
	assert.Equal(t, 0, p.replanCount(), "transient recovery never replans")
}

func TestPermanentFailureTriggersOneReplan(t *testing.T) {
	// a code_execute syntax error is permanent: the fix needs a new
	// code_write with the error in context, which the replan provides
	p := &stubPlanner{plans: [][]session.StepSpec{
		specs(session.StepCodeWrite, session.StepCodeExecute, session.StepReview),
		specs(session.StepCodeWrite, session.StepCodeExecute, session.StepReview),
	}}
	syntaxErr := &tools.ExecError{
		Kind: tools.KindToolFailure, Tool: session.StepCodeExecute,
		Msg: "command exited 1: SyntaxError: invalid syntax",
	}
	r := &stubRouter{outcomes: []routerOutcome{
		ok(`{"files":["main.py"]}`),
		fail(syntaxErr),
		ok(`{"files":["main.py"]}`),
		ok(`{"exit_code":0}`),
		reviewOK(tools.VerdictStop),
	}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "reverse a string and test it")
	require.NoError(t, err)
	got := waitStatus(t, e, sess.ID, session.StatusDone)

	assert.Equal(t, 1, p.replanCount())
	require.NotNil(t, got.FailureReport)
	assert.Equal(t, session.StepCodeExecute, got.FailureReport.StepType)
	assert.Contains(t, got.FailureReport.Message, "SyntaxError")

	// the second write/execute pair came from the replacement plan
	assert.Equal(t, []session.StepType{
		session.StepCodeWrite, session.StepCodeExecute,
		session.StepCodeWrite, session.StepCodeExecute, session.StepReview,
	}, r.executions())
}

func TestSecondFailureAfterReplanPausesWithReport(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{
		specs(session.StepCodeWrite),
		specs(session.StepCodeWrite),
	}}
	permanent := &tools.ExecError{
		Kind: tools.KindToolFailure, Tool: session.StepCodeWrite, Msg: "model refused",
		Err: &provider.Error{Kind: provider.KindAuth, Status: 401},
	}
	r := &stubRouter{outcomes: []routerOutcome{fail(permanent)}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)
	got := waitStatus(t, e, sess.ID, session.StatusPaused)

	assert.Equal(t, 1, p.replanCount())
	require.NotNil(t, got.FailureReport)
	assert.Equal(t, string(provider.KindAuth), got.FailureReport.ErrorKind)

	report, err := e.FailureReport(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, got.FailureReport.Message, report.Message)
}

func TestRateLimitExhaustionThenReplanThenPause(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{
		specs(session.StepCodeWrite),
		specs(session.StepCodeWrite),
	}}
	rateLimit := &tools.ExecError{
		Kind: tools.KindToolFailure, Tool: session.StepCodeWrite, Msg: "rate limited",
		Err: &provider.Error{Kind: provider.KindRateLimit, Status: 429},
	}
	// every attempt rate-limits: 3 on the original step (retries 2),
	// then 3 on the replanned step, then pause
	r := &stubRouter{outcomes: []routerOutcome{fail(rateLimit)}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)
	got := waitStatus(t, e, sess.ID, session.StatusPaused)

	assert.Equal(t, 1, p.replanCount())
	require.NotNil(t, got.FailureReport)
	assert.Equal(t, string(provider.KindRateLimit), got.FailureReport.ErrorKind)
	assert.Equal(t, 2, got.FailureReport.Retries)
	assert.Len(t, r.executions(), 6)
}

func TestPlanningFailureFailsSession(t *testing.T) {
	p := &stubPlanner{planErr: &planner.PlanningError{Kind: planner.KindMalformed, Attempts: 3, Reason: "no json"}}
	r := &stubRouter{outcomes: []routerOutcome{ok(`{}`)}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)
	got := waitStatus(t, e, sess.ID, session.StatusFailed)

	require.NotNil(t, got.FailureReport)
	assert.Equal(t, "planning_malformed", got.FailureReport.ErrorKind)
	assert.Empty(t, r.executions())
}

func TestPauseHonoredAtStepBoundary(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepCodeWrite, session.StepReview)}}
	r := &blockingRouter{release: release, started: started}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)

	<-started // first step is mid-flight
	require.NoError(t, e.Pause(context.Background(), sess.ID))
	close(release)

	waitStatus(t, e, sess.ID, session.StatusPaused)

	// the in-flight step ran to completion before the pause took hold;
	// the pause persists before the step's own commit, so wait for both
	var steps []*session.Step
	require.Eventually(t, func() bool {
		var err error
		steps, err = e.Steps(context.Background(), sess.ID)
		return err == nil && len(steps) == 2 && steps[0].Status == session.StepDone
	}, 5*time.Second, 10*time.Millisecond, "in-flight step never committed")
	assert.Equal(t, session.StepPending, steps[1].Status)

	// resume finishes the remainder
	require.NoError(t, e.Resume(context.Background(), sess.ID))
	waitStatus(t, e, sess.ID, session.StatusDone)
}

type blockingRouter struct {
	release chan struct{}
	started chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingRouter) Execute(ctx context.Context, step *session.Step, sess *session.Session) (*tools.Result, error) {
	b.mu.Lock()
	first := b.calls == 0
	b.calls++
	b.mu.Unlock()
	if first {
		b.started <- struct{}{}
		<-b.release
		return &tools.Result{Output: json.RawMessage(`{}`)}, nil
	}
	out, _ := json.Marshal(tools.ReviewOutput{Verdict: tools.VerdictStop, Reason: "done"})
	return &tools.Result{Output: out, Verdict: tools.VerdictStop}, nil
}

func TestCrashRecoveryReentersRunningStep(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	// simulate a previous process that died mid-step
	sess, err := store.CreateSession(context.Background(), "objective")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(context.Background(), sess.ID, session.StatusPlanning))
	steps, err := store.AppendSteps(context.Background(), sess.ID, specs(session.StepCodeWrite, session.StepReview))
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(context.Background(), sess.ID, session.StatusRunning))
	_, err = store.MarkStepRunning(context.Background(), steps[0].ID)
	require.NoError(t, err)

	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepReview)}}
	r := &stubRouter{outcomes: []routerOutcome{
		ok(`{"files":["main.py"]}`),
		reviewOK(tools.VerdictStop),
	}}
	cfg := config.ExecutorConfig{MaxStepRetries: 2, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
	e := New(store, p, r, &stubMemory{}, cfg, 6000, zerolog.Nop())
	defer e.Stop()

	require.NoError(t, e.Start(context.Background()))
	waitStatus(t, e, sess.ID, session.StatusDone)

	// the interrupted step was re-executed exactly once, planning was
	// not redone
	assert.Equal(t, []session.StepType{session.StepCodeWrite, session.StepReview}, r.executions())
	assert.Equal(t, 0, p.calls)
}

func TestDoneStepNeverReExecuted(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	sess, err := store.CreateSession(context.Background(), "objective")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(context.Background(), sess.ID, session.StatusPlanning))
	steps, err := store.AppendSteps(context.Background(), sess.ID, specs(session.StepCodeWrite, session.StepReview))
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(context.Background(), sess.ID, session.StatusRunning))

	// first step already completed and persisted before the crash
	_, err = store.MarkStepRunning(context.Background(), steps[0].ID)
	require.NoError(t, err)
	_, err = store.AdvanceStep(context.Background(), steps[0].ID, json.RawMessage(`{"files":["main.py"]}`))
	require.NoError(t, err)

	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepReview)}}
	r := &stubRouter{outcomes: []routerOutcome{reviewOK(tools.VerdictStop)}}
	cfg := config.ExecutorConfig{MaxStepRetries: 2, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
	e := New(store, p, r, &stubMemory{}, cfg, 6000, zerolog.Nop())
	defer e.Stop()

	require.NoError(t, e.Start(context.Background()))
	waitStatus(t, e, sess.ID, session.StatusDone)

	assert.Equal(t, []session.StepType{session.StepReview}, r.executions())
}

func TestReviewContinueExtendsPlanOnce(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{
		specs(session.StepCodeWrite, session.StepReview),
		specs(session.StepCodeWrite, session.StepReview),
	}}
	r := &stubRouter{outcomes: []routerOutcome{
		ok(`{"files":["main.py"]}`),
		reviewOK(tools.VerdictContinue),
		ok(`{"files":["main.py"]}`),
		reviewOK(tools.VerdictContinue), // second continue is not granted another extension
	}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)
	waitStatus(t, e, sess.ID, session.StatusDone)

	assert.Equal(t, 1, p.replanCount())
	assert.Len(t, r.executions(), 4)
}

func TestConcurrentSessionsProgressIndependently(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepReview)}}
	r := &stubRouter{outcomes: []routerOutcome{reviewOK(tools.VerdictStop)}}
	e, _ := testEngine(t, p, r)

	var ids []string
	for i := 0; i < 4; i++ {
		sess, err := e.Create(context.Background(), "objective")
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	for _, id := range ids {
		waitStatus(t, e, id, session.StatusDone)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := config.ExecutorConfig{BackoffBase: time.Second, BackoffCap: 30 * time.Second, MaxStepRetries: 2}
	e := New(nil, nil, nil, nil, cfg, 0, zerolog.Nop())
	defer e.Stop()

	assert.Equal(t, time.Second, e.backoff(0))
	assert.Equal(t, 2*time.Second, e.backoff(1))
	assert.Equal(t, 4*time.Second, e.backoff(2))
	assert.Equal(t, 30*time.Second, e.backoff(10))
}

func TestInterruptedReplanPausesInsteadOfCompleting(t *testing.T) {
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	// simulate a process that died after recording the failure but
	// before the replacement steps existed: one exhausted failed step,
	// a failure report, nothing pending
	sess, err := store.CreateSession(context.Background(), "objective")
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(context.Background(), sess.ID, session.StatusPlanning))
	steps, err := store.AppendSteps(context.Background(), sess.ID, specs(session.StepCodeWrite))
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionStatus(context.Background(), sess.ID, session.StatusRunning))
	_, err = store.MarkStepRunning(context.Background(), steps[0].ID)
	require.NoError(t, err)
	require.NoError(t, store.MarkStepFailed(context.Background(), steps[0].ID, nil))
	require.NoError(t, store.ExhaustStep(context.Background(), steps[0].ID))
	require.NoError(t, store.SetFailureReport(context.Background(), sess.ID, &session.FailureReport{
		StepID:    steps[0].ID,
		StepType:  session.StepCodeWrite,
		ErrorKind: "tool_failure",
		Message:   "model refused",
		Timestamp: time.Now().UTC(),
	}))

	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepCodeWrite)}}
	r := &stubRouter{outcomes: []routerOutcome{ok(`{}`)}}
	cfg := config.ExecutorConfig{MaxStepRetries: 2, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
	e := New(store, p, r, &stubMemory{}, cfg, 6000, zerolog.Nop())
	defer e.Stop()

	require.NoError(t, e.Start(context.Background()))
	got := waitStatus(t, e, sess.ID, session.StatusPaused)

	require.NotNil(t, got.FailureReport)
	assert.Empty(t, r.executions(), "no step may run in the failed remainder")
}

func TestRepeatedMalformedResponseIsPermanent(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{
		specs(session.StepCodeWrite),
		specs(session.StepCodeWrite),
	}}
	malformed := &tools.ExecError{
		Kind: tools.KindToolFailure, Tool: session.StepCodeWrite, Msg: "no file blocks in response",
		Err: &provider.Error{Kind: provider.KindMalformed},
	}
	// first malformed gets one in-place retry; the second in a row is
	// permanent and consumes the replan instead of more retries
	r := &stubRouter{outcomes: []routerOutcome{
		fail(malformed),
		fail(malformed),
		ok(`{"files":["main.py"]}`),
	}}
	e, _ := testEngine(t, p, r)

	sess, err := e.Create(context.Background(), "objective")
	require.NoError(t, err)
	got := waitStatus(t, e, sess.ID, session.StatusDone)

	assert.Equal(t, 1, p.replanCount())
	require.NotNil(t, got.FailureReport)
	assert.Equal(t, string(provider.KindMalformed), got.FailureReport.ErrorKind)
	assert.Equal(t, 1, got.FailureReport.Retries, "only the single granted retry was spent")
	assert.Len(t, r.executions(), 3)
}

func TestResumeUnknownSession(t *testing.T) {
	p := &stubPlanner{plans: [][]session.StepSpec{specs(session.StepReview)}}
	r := &stubRouter{outcomes: []routerOutcome{reviewOK(tools.VerdictStop)}}
	e, _ := testEngine(t, p, r)

	err := e.Resume(context.Background(), "missing")
	assert.True(t, errors.Is(err, session.ErrNotFound))
}
