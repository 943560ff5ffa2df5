package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/session"
)

// ExecError kinds
const (
	KindTimeout          = "timeout"
	KindToolFailure      = "tool_failure"
	KindSandboxViolation = "sandbox_violation"
)

// ExecError is the classified failure every handler returns. Output,
// when set, carries the partial result worth persisting on the failed
// step (for example sandbox stderr).
type ExecError struct {
	Kind   string           `json:"kind"`
	Tool   session.StepType `json:"tool"`
	Msg    string           `json:"message"`
	Output json.RawMessage  `json:"output,omitempty"`
	Err    error            `json:"-"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Tool, e.Kind, e.Msg)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same step may help. Wrapped
// provider errors keep their own classification.
func (e *ExecError) Transient() bool {
	if perr, ok := provider.AsError(e.Err); ok {
		return perr.Transient()
	}
	return e.Kind == KindTimeout
}

// ReportKind is the error kind recorded on failure reports. Wrapped
// provider errors surface their provider-level kind.
func (e *ExecError) ReportKind() string {
	if perr, ok := provider.AsError(e.Err); ok {
		return string(perr.Kind)
	}
	return e.Kind
}

// AsExecError unwraps err to an *ExecError if there is one.
func AsExecError(err error) (*ExecError, bool) {
	var eerr *ExecError
	if errors.As(err, &eerr) {
		return eerr, true
	}
	return nil, false
}
