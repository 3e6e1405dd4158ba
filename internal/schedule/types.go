package schedule

import (
	"context"
	"errors"
	"time"

	"flowpulse/internal/dispatch"
	"flowpulse/internal/storage"
)

// ErrInvalidRecurrence is returned by Start/Refresh for expressions the codec
// does not understand. Nothing is touched when it is returned.
var ErrInvalidRecurrence = errors.New("invalid recurrence expression")

// Dispatcher is the part of dispatch.Dispatcher the registry needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, trigger dispatch.Trigger) (dispatch.Result, error)
}

// Store is the read side of the persistence collaborator.
type Store interface {
	ListScheduled(ctx context.Context) ([]storage.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (storage.Workflow, error)
}

// Entry is the recurrence metadata of one active timer.
type Entry struct {
	WorkflowID string    `json:"workflow_id"`
	Expression string    `json:"expression"`
	PeriodMs   int64     `json:"period_ms"`
	Interval   Interval  `json:"interval"`
	Since      time.Time `json:"since"`
}

type ScheduleInfo struct {
	Entry
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Initialized bool           `json:"initialized"`
	Starting    []string       `json:"starting,omitempty"`
	Schedules   []ScheduleInfo `json:"schedules"`
}
