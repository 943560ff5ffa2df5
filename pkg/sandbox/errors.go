package sandbox

import "errors"

var (
	// ErrInvalidRuntime is returned when the sandbox runtime is unknown
	ErrInvalidRuntime = errors.New("invalid sandbox runtime")

	// ErrSandboxNotRunning is returned when Execute is called before Start
	ErrSandboxNotRunning = errors.New("sandbox is not running")

	// ErrSandboxAlreadyRunning is returned when Start is called twice
	ErrSandboxAlreadyRunning = errors.New("sandbox is already running")

	// ErrExecutionTimeout is returned when a command exceeds its timeout
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrCommandRequired is returned when the request has no command
	ErrCommandRequired = errors.New("command is required")

	// ErrDockerImageRequired is returned when runtime=docker has no image
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")
)
