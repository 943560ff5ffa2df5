package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daksha-ai/daksha/internal/config"
)

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// DockerSandbox runs each command in an ephemeral container. Network is
// disabled unless enabled in config, memory is bounded, and the working
// directory is the only mounted path.
type DockerSandbox struct {
	cfg     config.SandboxConfig
	running bool
	mu      sync.RWMutex
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg config.SandboxConfig) (*DockerSandbox, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, ErrDockerImageRequired
	}
	return &DockerSandbox{cfg: cfg}, nil
}

// Start verifies the daemon and marks the sandbox as ready.
func (d *DockerSandbox) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrSandboxAlreadyRunning
	}
	if err := CheckDocker(); err != nil {
		return err
	}
	log.Info().
		Str("runtime", string(RuntimeDocker)).
		Str("image", d.cfg.Image).
		Msg("Starting docker sandbox")
	d.running = true
	return nil
}

// Stop marks the sandbox as stopped.
func (d *DockerSandbox) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return ErrSandboxNotRunning
	}
	log.Info().Msg("Stopping docker sandbox")
	d.running = false
	return nil
}

// Execute runs the command inside a fresh container.
func (d *DockerSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	d.mu.RLock()
	running := d.running
	cfg := d.cfg
	d.mu.RUnlock()
	if !running {
		return ExecuteResult{}, ErrSandboxNotRunning
	}
	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, ErrCommandRequired
	}

	execCtx, cancel := context.WithTimeout(ctx, resolveTimeout(req, cfg))
	defer cancel()

	args := buildDockerRunArgs(cfg, req)
	cmd := exec.CommandContext(execCtx, "docker", args...)

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
			return result, fmt.Errorf("docker run: %w", err)
		}
	}

	log.Debug().
		Str("image", cfg.Image).
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed in docker sandbox")

	return result, nil
}

func buildDockerRunArgs(cfg config.SandboxConfig, req ExecuteRequest) []string {
	args := []string{"run", "--rm", "--init"}

	if cfg.Network {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if cfg.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MaxMemoryMB))
	}

	if wd := strings.TrimSpace(req.WorkingDir); wd != "" {
		clean := filepath.Clean(wd)
		args = append(args, "-v", clean+":"+clean, "-w", clean)
	}

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.Env[k])
	}

	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}

	args = append(args, cfg.Image, req.Command)
	args = append(args, req.Args...)
	return args
}
