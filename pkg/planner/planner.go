package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/session"
)

const planSystemPrompt = `You are a planning assistant for an autonomous coding agent.
Decompose the objective into an ordered list of steps. Respond with JSON only, no prose:
{"steps":[{"id":"s1","type":"research|code_write|code_execute|browse|review","description":"...","depends_on":["s0"],"input":{}}]}
Rules:
- Steps execute in the order given; depends_on may only reference earlier steps.
- research steps take {"query": "..."} in input.
- browse steps take {"url": "..."} in input.
- code_execute steps take {"command": "...", "args": [...]} in input.
- The final step should be a review step.`

// Planner turns an objective into an ordered step list by prompting a
// model and validating what comes back.
type Planner struct {
	provider    provider.Provider
	model       string
	maxTokens   int
	temperature float64
	maxAttempts int
	maxRetries  int
	log         zerolog.Logger
}

// Config configures a planner.
type Config struct {
	Model       string
	MaxTokens   int     // completion cap passed to the provider
	Temperature float64 // sampling temperature passed to the provider
	MaxAttempts int     // re-prompt budget for invalid plans
	MaxRetries  int     // per-step retry allowance carried onto specs
}

// New creates a planner backed by the given provider.
func New(p provider.Provider, cfg Config, log zerolog.Logger) *Planner {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &Planner{
		provider:    p,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxAttempts: cfg.MaxAttempts,
		maxRetries:  cfg.MaxRetries,
		log:         log.With().Str("component", "planner").Logger(),
	}
}

// Plan produces the initial step list for an objective.
func (p *Planner) Plan(ctx context.Context, objective string, chunks []memory.Chunk) ([]session.StepSpec, error) {
	if strings.TrimSpace(objective) == "" {
		return nil, fmt.Errorf("objective is required")
	}
	prompt := p.buildPlanPrompt(objective, chunks)
	return p.planLoop(ctx, prompt)
}

// Replan produces a replacement for the pending remainder of a session
// after a step failure. Done steps are reported to the model as
// completed context and are never re-planned.
func (p *Planner) Replan(ctx context.Context, sess *session.Session, doneSteps []*session.Step, failure *session.FailureReport, chunks []memory.Chunk) ([]session.StepSpec, error) {
	prompt := p.buildReplanPrompt(sess, doneSteps, failure, chunks)
	return p.planLoop(ctx, prompt)
}

// planLoop prompts, validates, and re-prompts with the validation
// reason appended until a valid plan arrives or attempts run out.
func (p *Planner) planLoop(ctx context.Context, prompt string) ([]session.StepSpec, error) {
	var lastReason string
	lastKind := KindMalformed

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		userPrompt := prompt
		if lastReason != "" {
			userPrompt = prompt + "\n\nYour previous plan was rejected: " + lastReason + "\nFix the problem and respond with the corrected JSON plan only."
		}

		resp, err := p.provider.Complete(ctx, provider.Request{
			Model:        p.model,
			SystemPrompt: planSystemPrompt,
			Messages:     []provider.Message{{Role: "user", Content: userPrompt}},
			MaxTokens:    p.maxTokens,
			Temperature:  p.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("plan completion: %w", err)
		}

		specs, kind, reason := p.parseAndValidate(resp.Content)
		if reason == "" {
			p.log.Debug().Int("attempt", attempt).Int("steps", len(specs)).Msg("plan accepted")
			return specs, nil
		}

		p.log.Warn().
			Int("attempt", attempt).
			Str("kind", kind).
			Str("reason", reason).
			Msg("plan rejected")
		lastReason = reason
		lastKind = kind
	}

	return nil, &PlanningError{Kind: lastKind, Attempts: p.maxAttempts, Reason: lastReason}
}

// parseAndValidate returns the specs, or an error kind and reason when
// the plan is unusable.
func (p *Planner) parseAndValidate(content string) ([]session.StepSpec, string, string) {
	raw := []byte(stripFences(content))

	if err := validateSchema(raw); err != nil {
		return nil, KindMalformed, err.Error()
	}

	var doc planDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, KindMalformed, fmt.Sprintf("invalid JSON: %v", err)
	}

	if kind, reason := validateGraph(doc.Steps); reason != "" {
		return nil, kind, reason
	}

	specs := make([]session.StepSpec, 0, len(doc.Steps))
	for _, st := range doc.Steps {
		input, err := json.Marshal(StepInput{
			ID:          st.ID,
			Description: st.Description,
			DependsOn:   st.DependsOn,
			Params:      st.Input,
		})
		if err != nil {
			return nil, KindMalformed, fmt.Sprintf("encode step input: %v", err)
		}
		specs = append(specs, session.StepSpec{
			Type:       session.StepType(st.Type),
			Input:      input,
			MaxRetries: p.maxRetries,
		})
	}
	return specs, "", ""
}

// validateGraph enforces unique ids, known dependencies, no forward
// references, and no cycles.
func validateGraph(steps []planStep) (kind, reason string) {
	position := make(map[string]int, len(steps))
	for i, st := range steps {
		if _, dup := position[st.ID]; dup {
			return KindMalformed, fmt.Sprintf("duplicate step id %q", st.ID)
		}
		position[st.ID] = i
	}

	for i, st := range steps {
		for _, dep := range st.DependsOn {
			pos, ok := position[dep]
			if !ok {
				return KindMalformed, fmt.Sprintf("step %q depends on unknown step %q", st.ID, dep)
			}
			if pos >= i {
				return KindCyclic, fmt.Sprintf("step %q depends on %q which does not precede it", st.ID, dep)
			}
		}
	}

	// forward references being ruled out, a cycle can only appear via
	// self-dependency, but keep the full DFS so the invariant does not
	// rest on ordering alone
	graph := make(map[string][]string, len(steps))
	for _, st := range steps {
		graph[st.ID] = st.DependsOn
	}
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var hasCycle func(string) bool
	hasCycle = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, dep := range graph[id] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[id] = false
		return false
	}
	for id := range graph {
		if !visited[id] && hasCycle(id) {
			return KindCyclic, fmt.Sprintf("circular dependency involving step %q", id)
		}
	}
	return "", ""
}

func (p *Planner) buildPlanPrompt(objective string, chunks []memory.Chunk) string {
	var b strings.Builder
	b.WriteString("Objective:\n")
	b.WriteString(objective)
	writeContext(&b, chunks)
	return b.String()
}

func (p *Planner) buildReplanPrompt(sess *session.Session, doneSteps []*session.Step, failure *session.FailureReport, chunks []memory.Chunk) string {
	var b strings.Builder
	b.WriteString("Objective:\n")
	b.WriteString(sess.Objective)

	if len(doneSteps) > 0 {
		b.WriteString("\n\nAlready completed (do not repeat these):\n")
		for _, st := range doneSteps {
			in, err := ParseStepInput(st.Input)
			desc := ""
			if err == nil {
				desc = in.Description
			}
			fmt.Fprintf(&b, "- [%s] %s\n", st.Type, desc)
		}
	}

	if failure != nil {
		b.WriteString("\nThe previous plan failed at a ")
		b.WriteString(string(failure.StepType))
		b.WriteString(" step: ")
		b.WriteString(failure.Message)
		b.WriteString("\nProduce a new plan for the remaining work that avoids this failure.")
	}

	writeContext(&b, chunks)
	return b.String()
}

func writeContext(b *strings.Builder, chunks []memory.Chunk) {
	if len(chunks) == 0 {
		return
	}
	b.WriteString("\n\nRelevant context:\n")
	for _, c := range chunks {
		b.WriteString("---\n")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
}

// stripFences removes a markdown code fence wrapper if the model added
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
