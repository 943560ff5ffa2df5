package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daksha-ai/daksha/internal/observability"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/planner"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/session"
	"github.com/daksha-ai/daksha/pkg/tools"
)

// stepFailure is the payload persisted as a failed step's output. Kind
// lets a later retry see what went wrong the previous time.
type stepFailure struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// priorFailureKind reads the failure kind recorded by the previous
// execution of the step, or "" when this is its first failure.
func priorFailureKind(step *session.Step) string {
	if len(step.Output) == 0 {
		return ""
	}
	var f stepFailure
	if err := json.Unmarshal(step.Output, &f); err != nil {
		return ""
	}
	return f.Kind
}

// runSession drives one session until it reaches a terminal status,
// pauses, or the engine shuts down.
func (e *Engine) runSession(ctx context.Context, sessionID string) {
	log := e.log.With().Str("session_id", sessionID).Logger()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("load session")
		return
	}

	// extended tracks the one plan extension a continue verdict may
	// trigger; failure replans are tracked durably via the failure
	// report instead.
	extended := false

	if sess.Status == session.StatusCreated || sess.Status == session.StatusPlanning {
		if err := e.planInitial(ctx, sess); err != nil {
			e.failSession(ctx, sess, nil, err)
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		sess, err = e.store.GetSession(ctx, sessionID)
		if err != nil {
			log.Error().Err(err).Msg("reload session")
			return
		}
		switch sess.Status {
		case session.StatusPaused:
			log.Info().Msg("session parked")
			return
		case session.StatusDone, session.StatusFailed:
			return
		}

		// a running step means a previous process died mid-step;
		// re-enter it. Otherwise take a failed step with retries
		// left, then the next pending one.
		step, err := e.store.RunningStep(ctx, sessionID)
		switch {
		case err == nil:
			log.Info().Str("step_id", step.ID).Msg("re-entering interrupted step")
		case errors.Is(err, session.ErrNotFound):
			next, err := e.store.RetryableStep(ctx, sessionID)
			if errors.Is(err, session.ErrNotFound) {
				next, err = e.store.NextPendingStep(ctx, sessionID)
			}
			if errors.Is(err, session.ErrNotFound) {
				if done := e.finishOrExtend(ctx, sess, &extended); done {
					return
				}
				continue
			}
			if err != nil {
				log.Error().Err(err).Msg("select next step")
				return
			}
			step, err = e.store.MarkStepRunning(ctx, next.ID)
			if err != nil {
				log.Error().Err(err).Str("step_id", next.ID).Msg("mark step running")
				return
			}
		default:
			log.Error().Err(err).Msg("find running step")
			return
		}

		start := time.Now()
		result, execErr := e.router.Execute(ctx, step, sess)
		if execErr == nil {
			observability.RecordStep(string(step.Type), "done", time.Since(start))
			if _, err := e.store.AdvanceStep(ctx, step.ID, result.Output); err != nil {
				log.Error().Err(err).Str("step_id", step.ID).Msg("advance step")
				return
			}
			log.Info().Str("step_id", step.ID).Str("type", string(step.Type)).Msg("step done")
			if step.Type == session.StepReview && result.Verdict == tools.VerdictContinue {
				e.noteReviewContinue(ctx, sess, result.Reason)
			}
			continue
		}

		observability.RecordStep(string(step.Type), "failed", time.Since(start))
		if stop := e.handleStepFailure(ctx, sess, step, execErr); stop {
			return
		}
	}
}

// planInitial produces the first plan and moves the session to running.
func (e *Engine) planInitial(ctx context.Context, sess *session.Session) error {
	if sess.Status == session.StatusCreated {
		if err := e.store.UpdateSessionStatus(ctx, sess.ID, session.StatusPlanning); err != nil {
			return err
		}
	}

	// a crash between planning and running may have left steps behind;
	// they are still valid, so plan only when none exist
	steps, err := e.store.ListSteps(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		chunks, err := e.memory.Retrieve(ctx, sess.ID, sess.Objective, e.budget)
		if err != nil {
			return err
		}
		specs, err := e.planner.Plan(ctx, sess.Objective, chunks)
		if err != nil {
			return err
		}
		if _, err := e.store.AppendSteps(ctx, sess.ID, specs); err != nil {
			return err
		}
		e.log.Info().Str("session_id", sess.ID).Int("steps", len(specs)).Msg("plan accepted")
	}

	return e.store.UpdateSessionStatus(ctx, sess.ID, session.StatusRunning)
}

// handleStepFailure classifies the error and applies the recovery
// policy: transient failures retry in place with backoff, permanent or
// exhausted ones get one replan, and a failure after that replan parks
// the session with a report. Returns true when the lane should exit.
func (e *Engine) handleStepFailure(ctx context.Context, sess *session.Session, step *session.Step, execErr error) bool {
	log := e.log.With().Str("session_id", sess.ID).Str("step_id", step.ID).Logger()

	var output json.RawMessage
	transient := false
	kind := "unknown"
	msg := execErr.Error()
	if eerr, ok := tools.AsExecError(execErr); ok {
		output = eerr.Output
		transient = eerr.Transient()
		kind = eerr.ReportKind()
		msg = eerr.Msg
	}

	// a malformed response gets exactly one retry: a second malformed in
	// a row means the model keeps producing the same garbage for this
	// step, so retrying in place cannot help
	if transient && kind == string(provider.KindMalformed) && priorFailureKind(step) == kind {
		transient = false
		log.Warn().Msg("repeated malformed response, treating as permanent")
	}

	payload, merr := json.Marshal(stepFailure{Kind: kind, Message: msg, Output: output})
	if merr != nil {
		payload = nil
	}
	if err := e.store.MarkStepFailed(ctx, step.ID, payload); err != nil {
		log.Error().Err(err).Msg("mark step failed")
		return true
	}

	// make the failure retrievable so repair steps see what went wrong
	if _, err := e.memory.Ingest(ctx, memory.Chunk{
		SessionID: sess.ID,
		Kind:      memory.KindMessage,
		Source:    step.ID,
		Content:   fmt.Sprintf("%s step failed: %s", step.Type, msg),
	}); err != nil {
		log.Warn().Err(err).Msg("ingest failure context")
	}

	if transient && step.Retries < step.MaxRetries {
		observability.RecordStepRetry()
		delay := e.backoff(step.Retries)
		log.Warn().
			Str("kind", kind).
			Int("retries", step.Retries).
			Dur("backoff", delay).
			Msg("transient failure, retrying step")
		if !e.sleep(ctx, delay) {
			return true
		}
		return false
	}

	// the failure is terminal for this step; burn its retries so the
	// retry scan never picks it up again
	if err := e.store.ExhaustStep(ctx, step.ID); err != nil {
		log.Error().Err(err).Msg("exhaust step retries")
		return true
	}

	report := &session.FailureReport{
		StepID:    step.ID,
		StepType:  step.Type,
		ErrorKind: kind,
		Message:   msg,
		Retries:   step.Retries,
		Timestamp: time.Now().UTC(),
	}

	// the failure report doubles as the replan marker: its presence
	// means the one replan is already spent
	if sess.FailureReport != nil {
		log.Warn().Str("kind", kind).Msg("failure after replan, pausing session")
		if err := e.store.SetFailureReport(ctx, sess.ID, report); err != nil {
			log.Error().Err(err).Msg("set failure report")
		}
		if err := e.store.UpdateSessionStatus(ctx, sess.ID, session.StatusPaused); err != nil {
			log.Error().Err(err).Msg("pause session")
		}
		return true
	}

	if err := e.store.SetFailureReport(ctx, sess.ID, report); err != nil {
		log.Error().Err(err).Msg("set failure report")
		return true
	}
	if err := e.replan(ctx, sess, report); err != nil {
		log.Error().Err(err).Msg("replan failed")
		e.failSession(ctx, sess, report, err)
		return true
	}
	return false
}

// replan asks the planner for a replacement of the pending remainder.
// Done steps stay done; the failed step stays failed as history.
func (e *Engine) replan(ctx context.Context, sess *session.Session, report *session.FailureReport) error {
	observability.RecordReplan()

	steps, err := e.store.ListSteps(ctx, sess.ID)
	if err != nil {
		return err
	}
	var done []*session.Step
	for _, st := range steps {
		if st.Status == session.StepDone {
			done = append(done, st)
		}
	}

	chunks, err := e.memory.Retrieve(ctx, sess.ID, sess.Objective+" "+report.Message, e.budget)
	if err != nil {
		return err
	}
	specs, err := e.planner.Replan(ctx, sess, done, report, chunks)
	if err != nil {
		return err
	}
	if _, err := e.store.ReplacePendingSteps(ctx, sess.ID, specs); err != nil {
		return err
	}
	e.log.Info().Str("session_id", sess.ID).Int("steps", len(specs)).Msg("replanned pending steps")
	return nil
}

// finishOrExtend handles the no-pending-steps state: either the last
// review asked for more work and one extension is granted, or the
// session completes. Returns true when the lane should exit.
func (e *Engine) finishOrExtend(ctx context.Context, sess *session.Session, extended *bool) bool {
	// a failure report with the last step still failed means a replan
	// was interrupted before replacement steps existed; that session
	// ended in failure, not success, so park it for the operator
	if sess.FailureReport != nil {
		steps, err := e.store.ListSteps(ctx, sess.ID)
		if err != nil {
			e.log.Error().Err(err).Str("session_id", sess.ID).Msg("list steps")
			return true
		}
		if n := len(steps); n > 0 && steps[n-1].Status == session.StepFailed {
			e.log.Warn().Str("session_id", sess.ID).Msg("failed remainder with no replacement steps, pausing session")
			if err := e.store.UpdateSessionStatus(ctx, sess.ID, session.StatusPaused); err != nil {
				e.log.Error().Err(err).Str("session_id", sess.ID).Msg("pause session")
			}
			return true
		}
	}

	verdict, reason := e.lastReviewVerdict(ctx, sess.ID)
	if verdict == tools.VerdictContinue && !*extended {
		*extended = true
		report := &session.FailureReport{
			StepType:  session.StepReview,
			ErrorKind: "review_continue",
			Message:   reason,
			Timestamp: time.Now().UTC(),
		}
		if err := e.replan(ctx, sess, report); err != nil {
			e.log.Error().Err(err).Str("session_id", sess.ID).Msg("plan extension failed")
			e.failSession(ctx, sess, report, err)
			return true
		}
		return false
	}

	if err := e.store.UpdateSessionStatus(ctx, sess.ID, session.StatusDone); err != nil {
		e.log.Error().Err(err).Str("session_id", sess.ID).Msg("complete session")
		return true
	}
	observability.RecordSessionTerminal(string(session.StatusDone))
	e.log.Info().Str("session_id", sess.ID).Msg("session done")
	return true
}

// lastReviewVerdict reads the verdict of the most recent done review
// step, if any.
func (e *Engine) lastReviewVerdict(ctx context.Context, sessionID string) (string, string) {
	steps, err := e.store.ListSteps(ctx, sessionID)
	if err != nil {
		return "", ""
	}
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		if st.Type != session.StepReview || st.Status != session.StepDone {
			continue
		}
		var out tools.ReviewOutput
		if err := json.Unmarshal(st.Output, &out); err != nil {
			return "", ""
		}
		return out.Verdict, out.Reason
	}
	return "", ""
}

// noteReviewContinue records the reviewer's objection so the extension
// planning pass can retrieve it.
func (e *Engine) noteReviewContinue(ctx context.Context, sess *session.Session, reason string) {
	if reason == "" {
		return
	}
	if _, err := e.memory.Ingest(ctx, memory.Chunk{
		SessionID: sess.ID,
		Kind:      memory.KindMessage,
		Content:   "review requested more work: " + reason,
	}); err != nil {
		e.log.Warn().Err(err).Str("session_id", sess.ID).Msg("ingest review reason")
	}
}

// failSession moves the session to failed, recording the report and
// planning errors where available.
func (e *Engine) failSession(ctx context.Context, sess *session.Session, report *session.FailureReport, cause error) {
	if report == nil {
		report = &session.FailureReport{Timestamp: time.Now().UTC()}
	}
	var perr *planner.PlanningError
	if errors.As(cause, &perr) {
		report.ErrorKind = "planning_" + perr.Kind
		report.Message = perr.Reason
	} else if cause != nil && report.Message == "" {
		report.Message = cause.Error()
	}

	if err := e.store.SetFailureReport(ctx, sess.ID, report); err != nil {
		e.log.Error().Err(err).Str("session_id", sess.ID).Msg("set failure report")
	}
	if err := e.store.UpdateSessionStatus(ctx, sess.ID, session.StatusFailed); err != nil {
		e.log.Error().Err(err).Str("session_id", sess.ID).Msg("fail session")
		return
	}
	observability.RecordSessionTerminal(string(session.StatusFailed))
	e.log.Error().Err(cause).Str("session_id", sess.ID).Msg("session failed")
}

// backoff computes the exponential delay for the given retry count.
func (e *Engine) backoff(retries int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	return d
}

// sleep waits for d or until the engine shuts down. Returns false on
// shutdown.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
