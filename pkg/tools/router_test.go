package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daksha-ai/daksha/pkg/browser"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/planner"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/sandbox"
	"github.com/daksha-ai/daksha/pkg/search"
	"github.com/daksha-ai/daksha/pkg/session"
)

type stubProvider struct {
	response string
	err      error
	lastReq  provider.Request
}

func (s *stubProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Response{Content: s.response}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req provider.Request, fn provider.StreamFunc) (*provider.Response, error) {
	return s.Complete(ctx, req)
}
func (s *stubProvider) CountTokens(messages []provider.Message) int { return 0 }
func (s *stubProvider) Name() string                                { return "stub" }

type stubSearch struct {
	results []search.Result
	err     error
}

func (s *stubSearch) Search(ctx context.Context, query string, max int) ([]search.Result, error) {
	return s.results, s.err
}

type stubBrowser struct {
	page        *browser.PageResult
	extractText string
	err         error

	lastURL      string
	lastSelector string
	clicks       int
}

func (s *stubBrowser) Navigate(ctx context.Context, url string) (*browser.PageResult, error) {
	s.lastURL = url
	return s.page, s.err
}

func (s *stubBrowser) ExtractSelector(ctx context.Context, url, selector string) (string, error) {
	s.lastURL = url
	s.lastSelector = selector
	return s.extractText, s.err
}

func (s *stubBrowser) Click(ctx context.Context, url, selector string) (*browser.PageResult, error) {
	s.lastURL = url
	s.lastSelector = selector
	s.clicks++
	return s.page, s.err
}

type stubMemory struct {
	ingested []memory.Chunk
	chunks   []memory.Chunk
}

func (s *stubMemory) Ingest(ctx context.Context, chunk memory.Chunk) (*memory.Chunk, error) {
	s.ingested = append(s.ingested, chunk)
	return &chunk, nil
}

func (s *stubMemory) Retrieve(ctx context.Context, sessionID, query string, tokenBudget int) ([]memory.Chunk, error) {
	return s.chunks, nil
}

type stubStore struct {
	artifacts []*session.Artifact
	appended  []*session.Artifact
	messages  []string
}

func (s *stubStore) AppendArtifact(ctx context.Context, sessionID, path, content string) (*session.Artifact, error) {
	art := &session.Artifact{SessionID: sessionID, Path: path, Content: content, Version: 1}
	s.appended = append(s.appended, art)
	return art, nil
}

func (s *stubStore) ListCurrentArtifacts(ctx context.Context, sessionID string) ([]*session.Artifact, error) {
	return s.artifacts, nil
}

func (s *stubStore) AppendMessage(ctx context.Context, sessionID, stepID, role, content string) (*session.Message, error) {
	s.messages = append(s.messages, content)
	return &session.Message{SessionID: sessionID}, nil
}

type stubWorkspace struct{ dir string }

func (s *stubWorkspace) Materialize(ctx context.Context, sessionID string, artifacts []*session.Artifact) (string, error) {
	return s.dir, nil
}

type stubSandbox struct {
	result sandbox.ExecuteResult
	err    error
	req    sandbox.ExecuteRequest
}

func (s *stubSandbox) Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	s.req = req
	return s.result, s.err
}

type fixture struct {
	provider  *stubProvider
	search    *stubSearch
	browser   *stubBrowser
	memory    *stubMemory
	store     *stubStore
	workspace *stubWorkspace
	sandbox   *stubSandbox
	router    *Router
	sess      *session.Session
}

func newFixture() *fixture {
	f := &fixture{
		provider:  &stubProvider{},
		search:    &stubSearch{},
		browser:   &stubBrowser{},
		memory:    &stubMemory{},
		store:     &stubStore{},
		workspace: &stubWorkspace{dir: "/tmp/ws/sess1"},
		sandbox:   &stubSandbox{},
		sess:      &session.Session{ID: "sess1", Objective: "reverse a string"},
	}
	f.router = NewRouter(f.provider, f.search, f.browser, f.memory, f.store, f.workspace, f.sandbox,
		Config{Model: "test-model", StepTimeout: 5 * time.Second}, zerolog.Nop())
	return f
}

func step(t *testing.T, typ session.StepType, desc string, params any) *session.Step {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		require.NoError(t, err)
	}
	input, err := json.Marshal(planner.StepInput{ID: "s1", Description: desc, Params: raw})
	require.NoError(t, err)
	return &session.Step{ID: "step1", SessionID: "sess1", Type: typ, Input: input}
}

func TestResearchIngestsFindings(t *testing.T) {
	f := newFixture()
	f.search.results = []search.Result{
		{Title: "Reversing strings", URL: "https://a.test", Snippet: "slice tricks"},
		{Title: "Unrelated", URL: "https://b.test", Snippet: "other"},
	}

	res, err := f.router.Execute(context.Background(), step(t, session.StepResearch, "find docs", map[string]string{"query": "reverse string"}), f.sess)
	require.NoError(t, err)

	var out ResearchOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "reverse string", out.Query)
	assert.Len(t, out.Findings, 2)

	require.Len(t, f.memory.ingested, 2)
	assert.Equal(t, memory.KindResearch, f.memory.ingested[0].Kind)
	assert.Equal(t, "sess1", f.memory.ingested[0].SessionID)
	assert.Contains(t, f.memory.ingested[0].Content, "Reversing strings")
}

func TestResearchFallsBackToDescription(t *testing.T) {
	f := newFixture()
	f.search.results = []search.Result{{Title: "t", URL: "u", Snippet: "s"}}

	res, err := f.router.Execute(context.Background(), step(t, session.StepResearch, "how to reverse a string", nil), f.sess)
	require.NoError(t, err)

	var out ResearchOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "how to reverse a string", out.Query)
}

func TestResearchSearchFailure(t *testing.T) {
	f := newFixture()
	f.search.err = errors.New("network down")

	_, err := f.router.Execute(context.Background(), step(t, session.StepResearch, "q", nil), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindToolFailure, eerr.Kind)
	assert.Equal(t, session.StepResearch, eerr.Tool)
	assert.False(t, eerr.Transient())
}

func TestBrowseSuccess(t *testing.T) {
	f := newFixture()
	f.browser.page = &browser.PageResult{URL: "https://a.test", Title: "Docs", Text: "useful text"}

	res, err := f.router.Execute(context.Background(), step(t, session.StepBrowse, "read docs", map[string]string{"url": "https://a.test"}), f.sess)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "Docs", out["title"])
	require.Len(t, f.memory.ingested, 1)
}

func TestBrowseSelectorExtractsOneElement(t *testing.T) {
	f := newFixture()
	f.browser.extractText = "installation instructions"

	res, err := f.router.Execute(context.Background(), step(t, session.StepBrowse, "read install section",
		map[string]string{"url": "https://a.test", "selector": "#install"}), f.sess)
	require.NoError(t, err)

	assert.Equal(t, "#install", f.browser.lastSelector)
	assert.Zero(t, f.browser.clicks)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "https://a.test", out["url"])
	assert.Equal(t, "installation instructions", out["text"])
	require.Len(t, f.memory.ingested, 1)
}

func TestBrowseClickReturnsSettledPage(t *testing.T) {
	f := newFixture()
	f.browser.page = &browser.PageResult{URL: "https://a.test/next", Title: "Page 2", Text: "more results"}

	res, err := f.router.Execute(context.Background(), step(t, session.StepBrowse, "next page",
		map[string]string{"url": "https://a.test", "click": ".next"}), f.sess)
	require.NoError(t, err)

	assert.Equal(t, 1, f.browser.clicks)
	assert.Equal(t, ".next", f.browser.lastSelector)

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "Page 2", out["title"])
	assert.Equal(t, "https://a.test/next", out["url"])
}

func TestBrowseTimeoutIsTransient(t *testing.T) {
	f := newFixture()
	f.browser.err = &browser.Error{Code: browser.ErrCodeTimeout, Message: "slow site"}

	_, err := f.router.Execute(context.Background(), step(t, session.StepBrowse, "b", map[string]string{"url": "https://slow.test"}), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, eerr.Kind)
	assert.True(t, eerr.Transient())
}

func TestBrowseBlockedIsPermanent(t *testing.T) {
	f := newFixture()
	f.browser.err = &browser.Error{Code: browser.ErrCodeBlocked, Message: "denied"}

	_, err := f.router.Execute(context.Background(), step(t, session.StepBrowse, "b", map[string]string{"url": "https://x.test"}), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindToolFailure, eerr.Kind)
	assert.False(t, eerr.Transient())
}

func TestCodeWriteAppendsArtifacts(t *testing.T) {
	f := newFixture()
	f.provider.response = "Here you go.\n```file:main.py\ndef rev(s):\n    return s[::-1]\n```\n```file:test_main.py\nassert rev('ab') == 'ba'\n```"

	res, err := f.router.Execute(context.Background(), step(t, session.StepCodeWrite, "write it", nil), f.sess)
	require.NoError(t, err)

	var out CodeWriteOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, []string{"main.py", "test_main.py"}, out.Files)

	require.Len(t, f.store.appended, 2)
	assert.Contains(t, f.store.appended[0].Content, "s[::-1]")
	require.Len(t, f.store.messages, 1)
}

func TestCodeWriteIncludesArtifactsAndMemoryInPrompt(t *testing.T) {
	f := newFixture()
	f.provider.response = "```file:main.py\nx\n```"
	f.store.artifacts = []*session.Artifact{{Path: "main.py", Version: 1, Content: "old body"}}
	f.memory.chunks = []memory.Chunk{{Content: "slicing is idiomatic"}}

	_, err := f.router.Execute(context.Background(), step(t, session.StepCodeWrite, "fix it", nil), f.sess)
	require.NoError(t, err)

	prompt := f.provider.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "old body")
	assert.Contains(t, prompt, "slicing is idiomatic")
	assert.Contains(t, prompt, "reverse a string")
}

func TestProviderRequestsCarrySamplingParams(t *testing.T) {
	f := newFixture()
	f.router = NewRouter(f.provider, f.search, f.browser, f.memory, f.store, f.workspace, f.sandbox,
		Config{Model: "test-model", MaxTokens: 1024, Temperature: 0.2, StepTimeout: 5 * time.Second}, zerolog.Nop())

	f.provider.response = "```file:main.py\nx\n```"
	_, err := f.router.Execute(context.Background(), step(t, session.StepCodeWrite, "write", nil), f.sess)
	require.NoError(t, err)
	assert.Equal(t, 1024, f.provider.lastReq.MaxTokens)
	assert.Equal(t, 0.2, f.provider.lastReq.Temperature)

	f.provider.response = `{"verdict":"stop","reason":"done"}`
	_, err = f.router.Execute(context.Background(), step(t, session.StepReview, "assess", nil), f.sess)
	require.NoError(t, err)
	assert.Equal(t, 1024, f.provider.lastReq.MaxTokens)
	assert.Equal(t, 0.2, f.provider.lastReq.Temperature)
}

func TestCodeWriteNoFileBlocksIsMalformed(t *testing.T) {
	f := newFixture()
	f.provider.response = "I would suggest using slices."

	_, err := f.router.Execute(context.Background(), step(t, session.StepCodeWrite, "write", nil), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindToolFailure, eerr.Kind)
	// malformed provider responses are transient on first sight
	assert.True(t, eerr.Transient())
	assert.Equal(t, string(provider.KindMalformed), eerr.ReportKind())
}

func TestCodeWriteRateLimitKeepsProviderKind(t *testing.T) {
	f := newFixture()
	f.provider.err = &provider.Error{Provider: "stub", Kind: provider.KindRateLimit, Status: 429, Message: "slow down"}

	_, err := f.router.Execute(context.Background(), step(t, session.StepCodeWrite, "write", nil), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.True(t, eerr.Transient())
	assert.Equal(t, string(provider.KindRateLimit), eerr.ReportKind())
}

func TestCodeExecuteSuccess(t *testing.T) {
	f := newFixture()
	f.store.artifacts = []*session.Artifact{{Path: "main.py", Version: 2, Content: "print('ok')"}}
	f.sandbox.result = sandbox.ExecuteResult{Stdout: []byte("ok\n"), ExitCode: 0, Duration: 10 * time.Millisecond}

	res, err := f.router.Execute(context.Background(), step(t, session.StepCodeExecute, "run",
		map[string]any{"command": "python3", "args": []string{"main.py"}}), f.sess)
	require.NoError(t, err)

	var out ExecOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "ok\n", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)

	assert.Equal(t, "/tmp/ws/sess1", f.sandbox.req.WorkingDir)
	assert.Equal(t, "python3", f.sandbox.req.Command)
	assert.Empty(t, f.store.appended, "execution never mutates artifacts")
}

func TestCodeExecuteNonZeroExitIsToolFailure(t *testing.T) {
	f := newFixture()
	f.sandbox.result = sandbox.ExecuteResult{Stderr: []byte("SyntaxError: invalid syntax"), ExitCode: 1}

	_, err := f.router.Execute(context.Background(), step(t, session.StepCodeExecute, "run",
		map[string]any{"command": "python3", "args": []string{"main.py"}}), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindToolFailure, eerr.Kind)
	assert.False(t, eerr.Transient())
	assert.Contains(t, eerr.Msg, "SyntaxError")

	// the captured output rides along for persistence on the failed step
	var out ExecOutput
	require.NoError(t, json.Unmarshal(eerr.Output, &out))
	assert.Equal(t, 1, out.ExitCode)
}

func TestCodeExecuteTimeout(t *testing.T) {
	f := newFixture()
	f.sandbox.err = sandbox.ErrExecutionTimeout
	f.sandbox.result = sandbox.ExecuteResult{ExitCode: -1}

	_, err := f.router.Execute(context.Background(), step(t, session.StepCodeExecute, "run",
		map[string]any{"command": "sleep", "args": []string{"60"}}), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, eerr.Kind)
	assert.True(t, eerr.Transient())
}

func TestReviewVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		response string
		verdict  string
	}{
		{"stop", `{"verdict":"stop","reason":"objective met"}`, VerdictStop},
		{"continue", `{"verdict":"continue","reason":"tests missing"}`, VerdictContinue},
		{"prose wrapped", "Verdict below:\n{\"verdict\":\"stop\",\"reason\":\"done\"}", VerdictStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.provider.response = tt.response

			res, err := f.router.Execute(context.Background(), step(t, session.StepReview, "assess", nil), f.sess)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, res.Verdict)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestReviewMalformedVerdict(t *testing.T) {
	f := newFixture()
	f.provider.response = "looks good to me"

	_, err := f.router.Execute(context.Background(), step(t, session.StepReview, "assess", nil), f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindToolFailure, eerr.Kind)
	assert.True(t, eerr.Transient())
}

func TestUnknownStepType(t *testing.T) {
	f := newFixture()
	_, err := f.router.Execute(context.Background(), &session.Step{ID: "x", Type: "deploy"}, f.sess)
	eerr, ok := AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, KindToolFailure, eerr.Kind)
}

func TestParseFileBlocks(t *testing.T) {
	content := "intro\n```file:a/b.py\nline1\nline2\n```\nmiddle\n```python\nignored language block\n```\n```util.py\nbare name\n```"
	blocks := parseFileBlocks(content)
	require.Len(t, blocks, 2)
	assert.Equal(t, "a/b.py", blocks[0].Path)
	assert.Equal(t, "line1\nline2", blocks[0].Content)
	assert.Equal(t, "util.py", blocks[1].Path)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "cdef", tail("abcdef", 4))
	assert.Equal(t, "ab", tail("  ab  ", 10))
}
