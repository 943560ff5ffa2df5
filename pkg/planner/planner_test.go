package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/session"
)

// scriptedProvider returns canned responses in order, recording the
// prompts it was given.
type scriptedProvider struct {
	responses []string
	err       error
	prompts   []string
	reqs      []provider.Request
	calls     int
}

func (s *scriptedProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.calls++
	s.reqs = append(s.reqs, req)
	if len(req.Messages) > 0 {
		s.prompts = append(s.prompts, req.Messages[len(req.Messages)-1].Content)
	}
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return &provider.Response{Content: s.responses[idx]}, nil
}

func (s *scriptedProvider) Stream(ctx context.Context, req provider.Request, fn provider.StreamFunc) (*provider.Response, error) {
	return s.Complete(ctx, req)
}

func (s *scriptedProvider) CountTokens(messages []provider.Message) int { return 0 }
func (s *scriptedProvider) Name() string                                { return "scripted" }

func newPlanner(p provider.Provider) *Planner {
	return New(p, Config{Model: "test-model"}, zerolog.Nop())
}

const validPlan = `{"steps":[
	{"id":"s1","type":"research","description":"find the API docs","input":{"query":"weather API"}},
	{"id":"s2","type":"code_write","description":"write the client","depends_on":["s1"]},
	{"id":"s3","type":"code_execute","description":"run it","depends_on":["s2"],"input":{"command":"python3","args":["main.py"]}},
	{"id":"s4","type":"review","description":"check the output","depends_on":["s3"]}
]}`

func TestPlanValid(t *testing.T) {
	p := newPlanner(&scriptedProvider{responses: []string{validPlan}})

	specs, err := p.Plan(context.Background(), "build a weather CLI", nil)
	require.NoError(t, err)
	require.Len(t, specs, 4)

	assert.Equal(t, session.StepResearch, specs[0].Type)
	assert.Equal(t, session.StepCodeWrite, specs[1].Type)
	assert.Equal(t, session.StepCodeExecute, specs[2].Type)
	assert.Equal(t, session.StepReview, specs[3].Type)
	assert.Equal(t, 2, specs[0].MaxRetries)

	in, err := ParseStepInput(specs[0].Input)
	require.NoError(t, err)
	assert.Equal(t, "s1", in.ID)
	assert.Equal(t, "find the API docs", in.Description)

	var params map[string]string
	require.NoError(t, json.Unmarshal(in.Params, &params))
	assert.Equal(t, "weather API", params["query"])
}

func TestPlanStripsCodeFences(t *testing.T) {
	p := newPlanner(&scriptedProvider{responses: []string{"```json\n" + validPlan + "\n```"}})
	specs, err := p.Plan(context.Background(), "objective", nil)
	require.NoError(t, err)
	assert.Len(t, specs, 4)
}

func TestPlanRepromptsOnMalformedThenSucceeds(t *testing.T) {
	stub := &scriptedProvider{responses: []string{"not json at all", validPlan}}
	p := newPlanner(stub)

	specs, err := p.Plan(context.Background(), "objective", nil)
	require.NoError(t, err)
	assert.Len(t, specs, 4)
	assert.Equal(t, 2, stub.calls)
	assert.Contains(t, stub.prompts[1], "previous plan was rejected")
}

func TestPlanExhaustsAttemptsMalformed(t *testing.T) {
	stub := &scriptedProvider{responses: []string{`{"steps":[]}`}}
	p := newPlanner(stub)

	_, err := p.Plan(context.Background(), "objective", nil)
	var perr *PlanningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindMalformed, perr.Kind)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, 3, stub.calls)
}

func TestPlanForwardReferenceIsCyclic(t *testing.T) {
	plan := `{"steps":[
		{"id":"s1","type":"research","description":"a","depends_on":["s2"]},
		{"id":"s2","type":"review","description":"b"}
	]}`
	stub := &scriptedProvider{responses: []string{plan}}
	p := newPlanner(stub)

	_, err := p.Plan(context.Background(), "objective", nil)
	var perr *PlanningError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindCyclic, perr.Kind)
}

func TestPlanRejectsUnknownDependencyAndDuplicateID(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{"unknown dep", `{"steps":[{"id":"s1","type":"review","description":"a","depends_on":["nope"]}]}`},
		{"duplicate id", `{"steps":[{"id":"s1","type":"review","description":"a"},{"id":"s1","type":"review","description":"b"}]}`},
		{"bad type", `{"steps":[{"id":"s1","type":"deploy","description":"a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlanner(&scriptedProvider{responses: []string{tt.plan}})
			_, err := p.Plan(context.Background(), "objective", nil)
			var perr *PlanningError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, KindMalformed, perr.Kind)
		})
	}
}

func TestPlanProviderErrorPropagates(t *testing.T) {
	p := newPlanner(&scriptedProvider{err: errors.New("boom")})
	_, err := p.Plan(context.Background(), "objective", nil)
	require.Error(t, err)
	var perr *PlanningError
	assert.False(t, errors.As(err, &perr), "provider errors are not planning errors")
}

func TestPlanEmptyObjective(t *testing.T) {
	p := newPlanner(&scriptedProvider{responses: []string{validPlan}})
	_, err := p.Plan(context.Background(), "   ", nil)
	assert.Error(t, err)
}

func TestPlanForwardsSamplingParams(t *testing.T) {
	stub := &scriptedProvider{responses: []string{validPlan}}
	p := New(stub, Config{Model: "test-model", MaxTokens: 2048, Temperature: 0.4}, zerolog.Nop())

	_, err := p.Plan(context.Background(), "objective", nil)
	require.NoError(t, err)
	require.Len(t, stub.reqs, 1)
	assert.Equal(t, 2048, stub.reqs[0].MaxTokens)
	assert.Equal(t, 0.4, stub.reqs[0].Temperature)
}

func TestPlanDefaultsMaxTokens(t *testing.T) {
	stub := &scriptedProvider{responses: []string{validPlan}}
	p := newPlanner(stub)

	_, err := p.Plan(context.Background(), "objective", nil)
	require.NoError(t, err)
	require.Len(t, stub.reqs, 1)
	assert.Equal(t, 4096, stub.reqs[0].MaxTokens)
}

func TestPlanIncludesContextChunks(t *testing.T) {
	stub := &scriptedProvider{responses: []string{validPlan}}
	p := newPlanner(stub)

	_, err := p.Plan(context.Background(), "objective", []memory.Chunk{
		{Content: "the API requires an app token"},
	})
	require.NoError(t, err)
	assert.Contains(t, stub.prompts[0], "the API requires an app token")
}

func TestReplanPromptCarriesDoneStepsAndFailure(t *testing.T) {
	stub := &scriptedProvider{responses: []string{validPlan}}
	p := newPlanner(stub)

	doneInput, _ := json.Marshal(StepInput{ID: "s1", Description: "fetched the docs"})
	sess := &session.Session{ID: "sess1", Objective: "build a weather CLI"}
	done := []*session.Step{{ID: "st1", Type: session.StepResearch, Input: doneInput, Status: session.StepDone}}
	failure := &session.FailureReport{StepType: session.StepCodeExecute, Message: "SyntaxError on line 3"}

	specs, err := p.Replan(context.Background(), sess, done, failure, nil)
	require.NoError(t, err)
	assert.Len(t, specs, 4)

	prompt := stub.prompts[0]
	assert.Contains(t, prompt, "fetched the docs")
	assert.Contains(t, prompt, "SyntaxError on line 3")
	assert.Contains(t, prompt, "do not repeat")
}

func TestValidateGraphSelfDependency(t *testing.T) {
	kind, reason := validateGraph([]planStep{
		{ID: "s1", Type: "review", Description: "a", DependsOn: []string{"s1"}},
	})
	assert.Equal(t, KindCyclic, kind)
	assert.NotEmpty(t, reason)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}
