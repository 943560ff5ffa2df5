package session

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle status of a session
type Status string

const (
	StatusCreated  Status = "created"
	StatusPlanning Status = "planning"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether a session may move from s to next.
// Transitions are monotone except for the paused/running pair.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusCreated:
		return next == StatusPlanning || next == StatusFailed
	case StatusPlanning:
		return next == StatusRunning || next == StatusPaused || next == StatusFailed
	case StatusRunning:
		return next == StatusPaused || next == StatusDone || next == StatusFailed
	case StatusPaused:
		return next == StatusRunning || next == StatusFailed
	default:
		return false
	}
}

// StepType identifies which tool handles a step
type StepType string

const (
	StepResearch    StepType = "research"
	StepCodeWrite   StepType = "code_write"
	StepCodeExecute StepType = "code_execute"
	StepBrowse      StepType = "browse"
	StepReview      StepType = "review"
)

// ValidStepType reports whether t names a known tool
func ValidStepType(t StepType) bool {
	switch t {
	case StepResearch, StepCodeWrite, StepCodeExecute, StepBrowse, StepReview:
		return true
	}
	return false
}

// StepStatus represents the execution status of a step
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// Session is one end-to-end run of an objective
type Session struct {
	ID             string         `json:"id"`
	Objective      string         `json:"objective"`
	Status         Status         `json:"status"`
	CurrentOrdinal int            `json:"current_ordinal"`
	FailureReport  *FailureReport `json:"failure_report,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Step is one unit of planned work with a single tool type
type Step struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Type       StepType        `json:"type"`
	Ordinal    int             `json:"ordinal"`
	Status     StepStatus      `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// StepSpec describes a step to be appended to a session
type StepSpec struct {
	Type       StepType        `json:"type"`
	Input      json.RawMessage `json:"input,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// Message is one append-only conversation entry
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	Role      string    `json:"role"` // objective, system, assistant, tool
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is one version of a produced content unit. Versions are
// append-only and numbered from 1; the current version is the latest.
type Artifact struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FailureReport is the structured failure surfaced when a session pauses
// or fails after exhausting recovery
type FailureReport struct {
	StepID    string    `json:"step_id"`
	StepType  StepType  `json:"step_type"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message"`
	Retries   int       `json:"retries"`
	Timestamp time.Time `json:"timestamp"`
}
