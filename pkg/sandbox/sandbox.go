package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/daksha-ai/daksha/internal/config"
)

// Runtime identifies the execution backend.
type Runtime string

const (
	// RuntimeHost executes commands directly on the host
	RuntimeHost Runtime = "host"
	// RuntimeDocker executes commands in ephemeral containers
	RuntimeDocker Runtime = "docker"
)

// ExecuteRequest describes a command to run in the sandbox.
type ExecuteRequest struct {
	// Command is the program to execute
	Command string `json:"command"`

	// Args are the command arguments
	Args []string `json:"args"`

	// Env are extra environment variables, KEY=value resolved per runtime
	Env map[string]string `json:"env"`

	// WorkingDir is the directory the command runs in
	WorkingDir string `json:"working_dir"`

	// Stdin is fed to the process
	Stdin []byte `json:"stdin"`

	// Timeout overrides the configured execution timeout when > 0
	Timeout time.Duration `json:"timeout"`
}

// ExecuteResult captures the outcome of a sandboxed command.
type ExecuteResult struct {
	Stdout    []byte        `json:"stdout"`
	Stderr    []byte        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Sandbox executes untrusted commands with resource limits.
type Sandbox interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// New builds a sandbox for the configured runtime.
func New(cfg config.SandboxConfig) (Sandbox, error) {
	switch Runtime(cfg.Runtime) {
	case RuntimeHost, "":
		return NewHostSandbox(cfg)
	case RuntimeDocker:
		return NewDockerSandbox(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRuntime, cfg.Runtime)
	}
}

func resolveTimeout(req ExecuteRequest, cfg config.SandboxConfig) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 30 * time.Second
}

// cappedBuffer keeps at most max bytes and records whether writes were
// dropped. A zero max means unlimited.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.max <= 0 {
		return c.buf.Write(p)
	}
	remaining := c.max - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.truncated = true
		_, _ = c.buf.Write(p[:remaining])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }

func outputCap(cfg config.SandboxConfig) int {
	if cfg.MaxOutputKB <= 0 {
		return 0
	}
	return cfg.MaxOutputKB * 1024
}
