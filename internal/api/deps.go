package api

import (
	"context"

	"flowpulse/internal/dispatch"
	"flowpulse/internal/schedule"
	"flowpulse/internal/storage"
)

// Session is the sign-in lifecycle owner (the app).
type Session interface {
	SignIn(ctx context.Context, token string) error
	SignOut(ctx context.Context) error
	// Registry returns the session's registry, nil while signed out.
	Registry() Registry
}

type Registry interface {
	Refresh(ctx context.Context, workflowID string) error
	Stop(workflowID string)
	IsScheduled(workflowID string) bool
	Snapshot() schedule.Snapshot
}

type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, trigger dispatch.Trigger) (dispatch.Result, error)
	Snapshot() dispatch.Snapshot
}

type Store interface {
	GetWorkflow(ctx context.Context, id string) (storage.Workflow, error)
	PutWorkflow(ctx context.Context, wf storage.Workflow) error
	SetSchedule(ctx context.Context, id string, expr *string) error
}

// Deps are the collaborators behind the routes. Store may be nil.
type Deps struct {
	Session    Session
	Dispatcher Dispatcher
	Store      Store
	// Health contributes extra fields to /healthz.
	Health func() map[string]any
}
