package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/daksha-ai/daksha/pkg/planner"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/sandbox"
	"github.com/daksha-ai/daksha/pkg/session"
)

const codeWriteSystemPrompt = `You are a coding agent. Produce or modify source files to accomplish the task.
For every file you create or change, emit one fenced block whose info string names the file:
` + "```" + `file:path/to/file.py
<complete file content>
` + "```" + `
Emit complete files, never diffs or fragments. Do not write anything outside the file blocks except a short explanation.`

// CodeWriteOutput is the persisted output of a code_write step.
type CodeWriteOutput struct {
	Files []string `json:"files"`
}

// codeWrite asks the model for file blocks and appends each as a new
// artifact version. The append is one transaction per file, so a crash
// mid-step leaves at most already-committed versions behind and a
// re-run simply supersedes them.
func (r *Router) codeWrite(ctx context.Context, step *session.Step, sess *session.Session) (*Result, error) {
	in, err := planner.ParseStepInput(step.Input)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "unreadable step input")
	}

	prompt, err := r.buildCodePrompt(ctx, sess, in.Description)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "assemble context: %v", err)
	}

	resp, err := r.provider.Complete(ctx, provider.Request{
		Model:        r.cfg.Model,
		SystemPrompt: codeWriteSystemPrompt,
		Messages:     []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.Temperature,
	})
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "completion failed: %v", err)
	}

	blocks := parseFileBlocks(resp.Content)
	if len(blocks) == 0 {
		return nil, r.failf(step, KindToolFailure, provider.Malformed(r.provider.Name(), "no file blocks in response"),
			"model produced no file blocks")
	}

	files := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		if _, err := r.store.AppendArtifact(ctx, sess.ID, blk.Path, blk.Content); err != nil {
			return nil, r.failf(step, KindToolFailure, err, "append artifact %s: %v", blk.Path, err)
		}
		files = append(files, blk.Path)
	}

	if _, err := r.store.AppendMessage(ctx, sess.ID, step.ID, "assistant", resp.Content); err != nil {
		return nil, r.failf(step, KindToolFailure, err, "record message: %v", err)
	}

	out, err := json.Marshal(CodeWriteOutput{Files: files})
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "encode output")
	}
	r.log.Info().
		Str("session_id", sess.ID).
		Strs("files", files).
		Msg("code written")
	return &Result{Output: out}, nil
}

// buildCodePrompt packs objective, current artifacts, and retrieved
// memory into the model prompt within the token budget.
func (r *Router) buildCodePrompt(ctx context.Context, sess *session.Session, task string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nTask: %s\n", sess.Objective, task)

	artifacts, err := r.store.ListCurrentArtifacts(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	for _, art := range artifacts {
		fmt.Fprintf(&b, "\nCurrent content of %s (version %d):\n```\n%s\n```\n", art.Path, art.Version, art.Content)
	}

	chunks, err := r.memory.Retrieve(ctx, sess.ID, sess.Objective+" "+task, r.cfg.TokenBudget)
	if err != nil {
		return "", err
	}
	if len(chunks) > 0 {
		b.WriteString("\nRelevant context:\n")
		for _, c := range chunks {
			b.WriteString("---\n")
			b.WriteString(c.Content)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

type execParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ExecOutput is the persisted output of a code_execute step.
type ExecOutput struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
}

// codeExecute materializes the current artifacts into the session
// workspace and runs the entry command in the sandbox. Artifacts are
// never mutated here; output files a command writes stay in the
// workspace until a later code_write commits them.
func (r *Router) codeExecute(ctx context.Context, step *session.Step, sess *session.Session) (*Result, error) {
	in, err := planner.ParseStepInput(step.Input)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "unreadable step input")
	}
	var params execParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return nil, r.failf(step, KindToolFailure, err, "unreadable execute params")
		}
	}
	if strings.TrimSpace(params.Command) == "" {
		return nil, r.failf(step, KindToolFailure, nil, "execute step has no command")
	}

	artifacts, err := r.store.ListCurrentArtifacts(ctx, sess.ID)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "list artifacts: %v", err)
	}
	dir, err := r.workspace.Materialize(ctx, sess.ID, artifacts)
	if err != nil {
		return nil, r.failf(step, KindToolFailure, err, "materialize workspace: %v", err)
	}

	res, err := r.sandbox.Execute(ctx, sandbox.ExecuteRequest{
		Command:    params.Command,
		Args:       params.Args,
		WorkingDir: dir,
	})

	out, merr := json.Marshal(ExecOutput{
		Command:  params.Command,
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		ExitCode: res.ExitCode,
		Duration: res.Duration.String(),
	})
	if merr != nil {
		return nil, r.failf(step, KindToolFailure, merr, "encode output")
	}

	switch {
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		eerr := r.failf(step, KindTimeout, err, "command %q timed out", params.Command)
		eerr.Output = out
		return nil, eerr
	case err != nil:
		eerr := r.failf(step, KindSandboxViolation, err, "sandbox refused %q: %v", params.Command, err)
		eerr.Output = out
		return nil, eerr
	case res.ExitCode != 0:
		eerr := r.failf(step, KindToolFailure, nil, "command %q exited %d: %s",
			params.Command, res.ExitCode, tail(string(res.Stderr), 512))
		eerr.Output = out
		return nil, eerr
	}

	r.log.Info().
		Str("session_id", sess.ID).
		Str("command", params.Command).
		Dur("duration", res.Duration).
		Msg("command executed")
	return &Result{Output: out}, nil
}

// fileBlock is one file emitted by the model.
type fileBlock struct {
	Path    string
	Content string
}

// parseFileBlocks extracts fenced blocks whose info string carries a
// file path, either "file:name" or a bare name with an extension.
func parseFileBlocks(content string) []fileBlock {
	var blocks []fileBlock
	lines := strings.Split(content, "\n")
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "```") {
			i++
			continue
		}
		info := strings.TrimSpace(strings.TrimPrefix(line, "```"))
		path := filePathFromInfo(info)

		var body []string
		i++
		for i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			body = append(body, lines[i])
			i++
		}
		i++ // closing fence
		if path != "" {
			blocks = append(blocks, fileBlock{Path: path, Content: strings.Join(body, "\n")})
		}
	}
	return blocks
}

func filePathFromInfo(info string) string {
	if rest, ok := strings.CutPrefix(info, "file:"); ok {
		return strings.TrimSpace(rest)
	}
	// a bare "main.py" style info string also names a file; a language
	// tag like "python" does not
	if !strings.ContainsAny(info, " \t") && strings.Contains(info, ".") {
		return info
	}
	return ""
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
