package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/session"
)

const reviewSystemPrompt = `You review the work of a coding agent against its objective.
Respond with JSON only: {"verdict":"stop","reason":"..."} when the objective is satisfied,
or {"verdict":"continue","reason":"..."} when more work is needed.`

// ReviewOutput is the persisted output of a review step.
type ReviewOutput struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// review asks the model whether the objective is satisfied. The
// executor consumes the verdict: stop means the session can complete,
// continue requests more work.
func (r *Router) review(ctx context.Context, step *session.Step, sess *session.Session) (*Result, error) {
	prompt, err := r.buildReviewPrompt(ctx, sess)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "assemble context: %v", err)
	}

	resp, err := r.provider.Complete(ctx, provider.Request{
		Model:        r.cfg.Model,
		SystemPrompt: reviewSystemPrompt,
		Messages:     []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.Temperature,
	})
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "completion failed: %v", err)
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		return nil, r.failf(step, KindToolFailure,
			provider.Malformed(r.provider.Name(), err.Error()), "unusable review verdict: %v", err)
	}

	out, err := json.Marshal(verdict)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "encode output")
	}
	r.log.Info().
		Str("session_id", sess.ID).
		Str("verdict", verdict.Verdict).
		Msg("review complete")
	return &Result{Output: out, Verdict: verdict.Verdict, Reason: verdict.Reason}, nil
}

func (r *Router) buildReviewPrompt(ctx context.Context, sess *session.Session) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", sess.Objective)

	artifacts, err := r.store.ListCurrentArtifacts(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	for _, art := range artifacts {
		fmt.Fprintf(&b, "\nFile %s:\n```\n%s\n```\n", art.Path, art.Content)
	}

	chunks, err := r.memory.Retrieve(ctx, sess.ID, sess.Objective, r.cfg.TokenBudget)
	if err != nil {
		return "", err
	}
	if len(chunks) > 0 {
		b.WriteString("\nExecution history and findings:\n")
		for _, c := range chunks {
			b.WriteString("---\n")
			b.WriteString(c.Content)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func parseVerdict(content string) (*ReviewOutput, error) {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "{"); idx > 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 {
		content = content[:idx+1]
	}

	var v ReviewOutput
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	switch v.Verdict {
	case VerdictContinue, VerdictStop:
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown verdict %q", v.Verdict)
	}
}
