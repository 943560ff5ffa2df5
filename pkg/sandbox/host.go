package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daksha-ai/daksha/internal/config"
)

// HostSandbox runs commands directly on the host with a hard timeout
// and capped output. It offers no filesystem isolation and is intended
// for trusted development machines.
type HostSandbox struct {
	cfg     config.SandboxConfig
	running bool
	mu      sync.RWMutex
}

// NewHostSandbox creates a host-based sandbox.
func NewHostSandbox(cfg config.SandboxConfig) (*HostSandbox, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("invalid timeout %s", cfg.Timeout)
	}
	return &HostSandbox{cfg: cfg}, nil
}

// Start marks the sandbox as ready.
func (h *HostSandbox) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrSandboxAlreadyRunning
	}
	log.Info().Str("runtime", string(RuntimeHost)).Msg("Starting host sandbox")
	h.running = true
	return nil
}

// Stop marks the sandbox as stopped.
func (h *HostSandbox) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrSandboxNotRunning
	}
	log.Info().Msg("Stopping host sandbox")
	h.running = false
	return nil
}

// Execute runs the command and returns its captured output. A timeout
// returns ErrExecutionTimeout along with whatever output was produced.
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	h.mu.RLock()
	running := h.running
	cfg := h.cfg
	h.mu.RUnlock()
	if !running {
		return ExecuteResult{}, ErrSandboxNotRunning
	}
	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, ErrCommandRequired
	}

	execCtx, cancel := context.WithTimeout(ctx, resolveTimeout(req, cfg))
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = buildEnvironment(req.Env)

	capBytes := outputCap(cfg)
	stdout := &cappedBuffer{max: capBytes}
	stderr := &cappedBuffer{max: capBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, ErrExecutionTimeout
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("execute %s: %w", req.Command, err)
		}
	}

	log.Debug().
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed in host sandbox")

	return result, nil
}

// buildEnvironment passes the host environment through minus anything
// that looks like a credential, then layers the request's variables on
// top.
func buildEnvironment(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if sensitiveEnv(name) {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func sensitiveEnv(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range []string{"API_KEY", "APIKEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
