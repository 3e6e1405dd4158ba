package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"flowpulse/internal/dispatch"
	"flowpulse/internal/eventbus"
	"flowpulse/internal/storage"
	logx "flowpulse/pkg/logx"
)

const loadTimeout = 15 * time.Second

// Registry maps workflow ids to their single recurring timer.
//
// One Registry exists per signed-in session. Build it with New, dispose it
// with Close on sign-out.
type Registry struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	disp  Dispatcher
	store Store

	c *cron.Cron

	// timers and entries are kept in lock-step.
	timers      map[string]cron.EntryID
	entries     map[string]Entry
	starting    map[string]struct{}
	initialized bool
	// gen advances on every StopAll; a Start that waited across one gives up.
	gen uint64

	// swap serializes timer replacement per workflow.
	swap map[string]*sync.Mutex

	// ctx scopes tick dispatches; it outlives StopAll and ends on Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func New(disp Dispatcher, store Store, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		log:      log,
		bus:      bus,
		disp:     disp,
		store:    store,
		c:        cron.New(),
		timers:   map[string]cron.EntryID{},
		entries:  map[string]Entry{},
		starting: map[string]struct{}{},
		swap:     map[string]*sync.Mutex{},
		ctx:      ctx,
		cancel:   cancel,
	}
	r.c.Start()
	return r
}

// Start installs (or replaces) the recurring timer for workflowID and fires
// one immediate tick. A Start for a workflow whose previous Start is still
// underway is a no-op.
func (r *Registry) Start(workflowID, expr string) error {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return errors.New("workflow id required")
	}
	iv, ok := Decode(expr)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRecurrence, expr)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("registry closed")
	}
	if _, busy := r.starting[workflowID]; busy {
		r.mu.Unlock()
		r.log.Debug("start coalesced", logx.Workflow(workflowID))
		return nil
	}
	r.starting[workflowID] = struct{}{}
	gen := r.gen
	sw := r.swap[workflowID]
	if sw == nil {
		sw = &sync.Mutex{}
		r.swap[workflowID] = sw
	}
	r.mu.Unlock()

	sw.Lock()
	defer sw.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.starting, workflowID)
	// StopAll or Close may have run while we waited for the swap lock.
	if r.closed {
		return errors.New("registry closed")
	}
	if r.gen != gen {
		r.log.Debug("start dropped: schedules cleared meanwhile", logx.Workflow(workflowID))
		return nil
	}

	replaced := r.removeLocked(workflowID)

	e := Entry{
		WorkflowID: workflowID,
		Expression: strings.TrimSpace(expr),
		PeriodMs:   iv.Period().Milliseconds(),
		Interval:   iv,
		Since:      time.Now(),
	}
	id := r.c.Schedule(cron.Every(iv.Period()), cron.FuncJob(func() { r.tick(workflowID) }))
	r.timers[workflowID] = id
	r.entries[workflowID] = e

	r.log.Info("schedule started",
		logx.Workflow(workflowID),
		logx.String("every", iv.String()),
		logx.Bool("replaced", replaced),
		logx.Time("next", r.c.Entry(id).Next),
	)
	r.publish(eventbus.ScheduleStarted, e)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.fire(workflowID)
	}()
	return nil
}

// Stop clears the timer for workflowID. Unknown ids are a no-op.
func (r *Registry) Stop(workflowID string) {
	workflowID = strings.TrimSpace(workflowID)
	r.mu.Lock()
	e := r.entries[workflowID]
	removed := r.removeLocked(workflowID)
	r.mu.Unlock()
	if !removed {
		return
	}
	r.log.Info("schedule stopped", logx.Workflow(workflowID))
	r.publish(eventbus.ScheduleStopped, e)
}

// StopAll clears every timer and the starting set. Dispatches already in
// flight are left to complete.
func (r *Registry) StopAll() {
	r.mu.Lock()
	n := len(r.timers)
	for id := range r.timers {
		r.removeLocked(id)
	}
	r.starting = map[string]struct{}{}
	r.gen++
	r.mu.Unlock()
	if n > 0 {
		r.log.Info("all schedules stopped", logx.Int("count", n))
	}
}

func (r *Registry) IsScheduled(workflowID string) bool {
	r.mu.Lock()
	_, ok := r.timers[strings.TrimSpace(workflowID)]
	r.mu.Unlock()
	return ok
}

// Entry returns the recurrence metadata for workflowID, if scheduled.
func (r *Registry) Entry(workflowID string) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[strings.TrimSpace(workflowID)]
	r.mu.Unlock()
	return e, ok
}

// InitializeAll reconciles against the store once per registry lifetime.
// A failed load is logged and still counts as initialized.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	r.mu.Unlock()

	r.StopAll()

	if r.store == nil {
		r.log.Warn("no store configured; nothing to reconcile")
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	wfs, err := r.store.ListScheduled(lctx)
	if err != nil {
		r.log.Error("load scheduled workflows failed", logx.Err(err))
		return nil
	}

	started := 0
	for _, wf := range wfs {
		if !wf.HasSchedule() {
			continue
		}
		if err := r.Start(wf.ID, wf.ScheduleExpr()); err != nil {
			r.log.Warn("skip workflow schedule", logx.Workflow(wf.ID), logx.String("expr", wf.ScheduleExpr()), logx.Err(err))
			continue
		}
		started++
	}
	r.log.Info("schedules initialized", logx.Int("workflows", len(wfs)), logx.Int("started", started))
	return nil
}

func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Refresh re-reads one workflow and starts or stops its timer to match.
// A workflow missing from the store is stopped.
func (r *Registry) Refresh(ctx context.Context, workflowID string) error {
	workflowID = strings.TrimSpace(workflowID)
	if r.store == nil {
		return storage.ErrDisabled
	}
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		r.Stop(workflowID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", workflowID, err)
	}
	if !wf.HasSchedule() {
		r.Stop(workflowID)
		return nil
	}
	return r.Start(workflowID, wf.ScheduleExpr())
}

// Close stops every timer and the cron runner, then waits for in-flight ticks
// (bounded by ctx). Safe to call more than once.
func (r *Registry) Close(ctx context.Context) error {
	r.StopAll()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	stopped := r.c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

// removeLocked drops the timer and entry for id. Call with r.mu held.
func (r *Registry) removeLocked(id string) bool {
	eid, ok := r.timers[id]
	if !ok {
		return false
	}
	r.c.Remove(eid)
	delete(r.timers, id)
	delete(r.entries, id)
	return true
}

// tick runs on the cron goroutine for periodic firings.
func (r *Registry) tick(workflowID string) {
	r.mu.Lock()
	_, live := r.timers[workflowID]
	live = live && !r.closed
	if live {
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if !live {
		return
	}
	go func() {
		defer r.wg.Done()
		r.fire(workflowID)
	}()
}

func (r *Registry) fire(workflowID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tick panic", logx.Workflow(workflowID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	if r.disp == nil {
		return
	}
	// Errors are logged by the dispatcher; the next tick is the recovery path.
	_, _ = r.disp.Dispatch(r.ctx, workflowID, dispatch.TriggerSchedule)
}

func (r *Registry) publish(typ string, e Entry) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: e})
}
