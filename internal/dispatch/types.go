package dispatch

import (
	"context"
	"errors"
	"time"

	"flowpulse/internal/storage"
)

// ErrFailed wraps every trigger request failure (transport error or non-2xx).
var ErrFailed = errors.New("dispatch failed")

// Trigger identifies what caused a dispatch.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Config controls the dispatcher.
type Config struct {
	// Endpoint is the remote execution trigger URL (POST).
	Endpoint string
	// Timeout bounds one trigger request. 0 uses DefaultTimeout.
	Timeout time.Duration
	// Cooldown is how long the execution lock is held after a request completes.
	Cooldown time.Duration
	// HistorySize bounds the in-memory dispatch history. 0 uses 200.
	HistorySize int
}

const (
	DefaultTimeout  = 30 * time.Second
	DefaultCooldown = 2 * time.Second
)

// TokenSource returns the current session bearer token ("" when signed out).
type TokenSource func() string

// Recorder persists dispatch attempts. storage.Store satisfies it.
type Recorder interface {
	AppendDispatch(ctx context.Context, r storage.DispatchRecord) error
}

// Result describes one dispatch call.
type Result struct {
	RequestID   string        `json:"request_id,omitempty"`
	WorkflowID  string        `json:"workflow_id"`
	Trigger     Trigger       `json:"trigger"`
	Outcome     Outcome       `json:"outcome"`
	ExecutionID string        `json:"execution_id,omitempty"`
	StatusCode  int           `json:"status_code,omitempty"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Endpoint  string        `json:"endpoint"`
	Timeout   time.Duration `json:"timeout"`
	Cooldown  time.Duration `json:"cooldown"`
	Locked    []string      `json:"locked"`
	Succeeded uint64        `json:"succeeded"`
	Failed    uint64        `json:"failed"`
	Skipped   uint64        `json:"skipped"`
	History   []Result      `json:"history"`
}

// wire format of the trigger request.
type triggerRequest struct {
	WorkflowID   string       `json:"workflowId"`
	TriggerInput triggerInput `json:"triggerInput"`
}

type triggerInput struct {
	Scheduled bool   `json:"scheduled"`
	Trigger   string `json:"trigger"`
}

type triggerResponse struct {
	ExecutionID string `json:"executionId"`
}
