package planner

import (
	"encoding/json"
	"fmt"
)

// PlanningError kinds
const (
	KindMalformed = "malformed"
	KindCyclic    = "cyclic"
)

// PlanningError is returned when the model could not produce a valid
// plan within the attempt budget.
type PlanningError struct {
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed after %d attempts (%s): %s", e.Attempts, e.Kind, e.Reason)
}

// planDoc is the JSON document the model is asked to produce.
type planDoc struct {
	Steps []planStep `json:"steps"`
}

type planStep struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// StepInput is the parsed payload stored on each session step. Tool
// handlers read their parameters from Params.
type StepInput struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// ParseStepInput decodes a step's stored input.
func ParseStepInput(raw json.RawMessage) (*StepInput, error) {
	var in StepInput
	if len(raw) == 0 {
		return &in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse step input: %w", err)
	}
	return &in, nil
}
