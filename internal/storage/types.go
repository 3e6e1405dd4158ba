package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("workflow not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON document + dispatch journal (jsonl)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Workflow is the slice of a workflow record the scheduler reads and writes.
// Schedule is nil when the workflow has no recurrence.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Schedule  *string   `json:"schedule"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSchedule reports whether the recurrence field is set.
func (w Workflow) HasSchedule() bool {
	return w.Schedule != nil && strings.TrimSpace(*w.Schedule) != ""
}

// ScheduleExpr returns the recurrence expression or "".
func (w Workflow) ScheduleExpr() string {
	if w.Schedule == nil {
		return ""
	}
	return strings.TrimSpace(*w.Schedule)
}

// DispatchRecord records one trigger attempt. Keep it compact and schema-stable.
type DispatchRecord struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Trigger     string    `json:"trigger"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
	TookMS      int64     `json:"took_ms"`
}

// Store is the persistence API used by the scheduler, dispatcher and API.
type Store interface {
	// ListScheduled returns every workflow whose recurrence field is non-null.
	ListScheduled(ctx context.Context) ([]Workflow, error)
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	PutWorkflow(ctx context.Context, w Workflow) error
	// SetSchedule sets (or clears, when expr is nil) the recurrence field.
	SetSchedule(ctx context.Context, id string, expr *string) error
	AppendDispatch(ctx context.Context, r DispatchRecord) error
	Close() error
}
