package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"flowpulse/internal/eventbus"
	"flowpulse/internal/storage"
	logx "flowpulse/pkg/logx"
)

const (
	failWarnEvery   = 30 * time.Second
	maxResponseBody = 1 << 20
)

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

func WithTokenSource(ts TokenSource) Option { return func(d *Dispatcher) { d.token = ts } }

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.rec = r } }

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rec Recorder

	client *http.Client
	token  TokenSource

	// Execution lock set: membership means "do not dispatch again".
	locks    map[string]struct{}
	releases map[string]*time.Timer
	// inflight marks locks whose request has not returned yet.
	inflight map[string]struct{}

	// Failure warnings are throttled per workflow.
	warnMu sync.Mutex
	warn   map[string]*rate.Limiter

	hmu     sync.Mutex
	history []Result

	succeeded atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:      withDefaults(cfg),
		log:      log,
		bus:      bus,
		client:   &http.Client{},
		locks:    map[string]struct{}{},
		releases: map[string]*time.Timer{},
		inflight: map[string]struct{}{},
		warn:     map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func withDefaults(cfg Config) Config {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

// Apply swaps endpoint/timeout/cooldown. Locks already held keep their release timers.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = withDefaults(cfg)
	d.mu.Unlock()
}

// SetTokenSource replaces the bearer token source (sign-in / sign-out).
func (d *Dispatcher) SetTokenSource(ts TokenSource) {
	d.mu.Lock()
	d.token = ts
	d.mu.Unlock()
}

// IsLocked reports whether workflowID currently holds the execution lock.
func (d *Dispatcher) IsLocked(workflowID string) bool {
	d.mu.Lock()
	_, ok := d.locks[strings.TrimSpace(workflowID)]
	d.mu.Unlock()
	return ok
}

// Dispatch sends one trigger request for workflowID unless its execution lock
// is held, in which case the call is dropped and Outcome is OutcomeSkipped with
// a nil error. Failures return an error wrapping ErrFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID string, trigger Trigger) (Result, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return Result{}, errors.New("workflow id required")
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	now := time.Now()

	d.mu.Lock()
	if _, held := d.locks[workflowID]; held {
		d.mu.Unlock()
		return d.onSkipped(workflowID, trigger, now), nil
	}
	d.locks[workflowID] = struct{}{}
	d.inflight[workflowID] = struct{}{}
	cfg := d.cfg
	client := d.client
	token := d.token
	d.mu.Unlock()

	res, err := d.send(ctx, cfg, client, token, workflowID, trigger, now)
	// Held for the cooldown regardless of outcome.
	d.releaseAfter(workflowID, cfg.Cooldown)

	d.finish(ctx, res, err)
	return res, err
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, client *http.Client, token TokenSource, workflowID string, trigger Trigger, started time.Time) (Result, error) {
	res := Result{
		RequestID:  uuid.NewString(),
		WorkflowID: workflowID,
		Trigger:    trigger,
		Outcome:    OutcomeFailed,
		Started:    started,
	}
	fail := func(err error) (Result, error) {
		res.Duration = time.Since(started)
		res.Error = err.Error()
		return res, err
	}

	if cfg.Endpoint == "" {
		return fail(fmt.Errorf("%w: no endpoint configured", ErrFailed))
	}

	body, err := json.Marshal(triggerRequest{
		WorkflowID:   workflowID,
		TriggerInput: triggerInput{Scheduled: trigger == TriggerSchedule, Trigger: string(trigger)},
	})
	if err != nil {
		return fail(fmt.Errorf("%w: marshal request: %v", ErrFailed, err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("%w: build request: %v", ErrFailed, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", res.RequestID)
	if token != nil {
		if tok := strings.TrimSpace(token()); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrFailed, err))
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fail(fmt.Errorf("%w: endpoint returned status %d", ErrFailed, resp.StatusCode))
	}

	var tr triggerResponse
	if len(bytes.TrimSpace(respBody)) > 0 && json.Unmarshal(respBody, &tr) == nil {
		res.ExecutionID = strings.TrimSpace(tr.ExecutionID)
	}
	res.Outcome = OutcomeSucceeded
	res.Duration = time.Since(started)
	return res, nil
}

func (d *Dispatcher) releaseAfter(workflowID string, cooldown time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, workflowID)
	if cooldown <= 0 {
		delete(d.locks, workflowID)
		return
	}
	if t, ok := d.releases[workflowID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(cooldown, func() {
		d.mu.Lock()
		// Ignore stale timers replaced by a newer release.
		if d.releases[workflowID] == t {
			delete(d.releases, workflowID)
			delete(d.locks, workflowID)
		}
		d.mu.Unlock()
	})
	d.releases[workflowID] = t
}

func (d *Dispatcher) onSkipped(workflowID string, trigger Trigger, now time.Time) Result {
	d.skipped.Add(1)
	res := Result{WorkflowID: workflowID, Trigger: trigger, Outcome: OutcomeSkipped, Started: now}
	d.log.Debug("dispatch skipped: execution lock held", logx.Workflow(workflowID), logx.String("trigger", string(trigger)))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Time: now, Data: res})
	}
	d.appendHistory(res)
	return res
}

func (d *Dispatcher) finish(ctx context.Context, res Result, err error) {
	fields := []logx.Field{
		logx.Workflow(res.WorkflowID),
		logx.String("trigger", string(res.Trigger)),
		logx.String("request_id", res.RequestID),
		logx.Duration("dur", res.Duration),
	}
	if err != nil {
		d.failed.Add(1)
		fields = append(fields, logx.Int("status", res.StatusCode), logx.Err(err))
		if d.allowWarn(res.WorkflowID) {
			d.log.Warn("dispatch failed", fields...)
		} else {
			d.log.Debug("dispatch failed", fields...)
		}
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Time: time.Now(), Data: res})
		}
	} else {
		d.succeeded.Add(1)
		fields = append(fields, logx.String("execution", res.ExecutionID))
		d.log.Info("dispatch succeeded", fields...)
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.DispatchSucceeded, Time: time.Now(), Data: res})
		}
	}
	d.appendHistory(res)

	if d.rec != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		rerr := d.rec.AppendDispatch(rctx, storage.DispatchRecord{
			ID:          res.RequestID,
			WorkflowID:  res.WorkflowID,
			Trigger:     string(res.Trigger),
			ExecutionID: res.ExecutionID,
			StatusCode:  res.StatusCode,
			Error:       res.Error,
			At:          res.Started,
			TookMS:      res.Duration.Milliseconds(),
		})
		cancel()
		if rerr != nil {
			d.log.Debug("dispatch record failed", logx.Workflow(res.WorkflowID), logx.Err(rerr))
		}
	}
}

func (d *Dispatcher) allowWarn(workflowID string) bool {
	d.warnMu.Lock()
	defer d.warnMu.Unlock()
	lim := d.warn[workflowID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(failWarnEvery), 1)
		d.warn[workflowID] = lim
	}
	return lim.Allow()
}

func (d *Dispatcher) appendHistory(res Result) {
	d.mu.Lock()
	size := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.history = append(d.history, res)
	if len(d.history) > size {
		d.history = d.history[len(d.history)-size:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	cfg := d.cfg
	locked := make([]string, 0, len(d.locks))
	for id := range d.locks {
		locked = append(locked, id)
	}
	d.mu.Unlock()
	sort.Strings(locked)

	d.hmu.Lock()
	h := make([]Result, len(d.history))
	copy(h, d.history)
	d.hmu.Unlock()

	return Snapshot{
		Endpoint:  cfg.Endpoint,
		Timeout:   cfg.Timeout,
		Cooldown:  cfg.Cooldown,
		Locked:    locked,
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
		History:   h,
	}
}

// Close cancels pending lock releases and clears locks that are only
// cooling down. Locks of in-flight requests stay held until the request
// returns and its own release fires.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for id, t := range d.releases {
		t.Stop()
		delete(d.releases, id)
	}
	for id := range d.locks {
		if _, busy := d.inflight[id]; !busy {
			delete(d.locks, id)
		}
	}
	d.mu.Unlock()
}
