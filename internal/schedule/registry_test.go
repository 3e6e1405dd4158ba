package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flowpulse/internal/dispatch"
	"flowpulse/internal/storage"
	logx "flowpulse/pkg/logx"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	trig  []dispatch.Trigger
}

func (f *fakeDispatcher) Dispatch(_ context.Context, id string, trig dispatch.Trigger) (dispatch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.trig = append(f.trig, trig)
	f.mu.Unlock()
	return dispatch.Result{WorkflowID: id, Trigger: trig, Outcome: dispatch.OutcomeSucceeded}, nil
}

func (f *fakeDispatcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	wfs      map[string]storage.Workflow
	listErr  error
	listHits int
}

func newFakeStore(wfs ...storage.Workflow) *fakeStore {
	s := &fakeStore{wfs: map[string]storage.Workflow{}}
	for _, w := range wfs {
		s.wfs[w.ID] = w
	}
	return s
}

func (s *fakeStore) ListScheduled(context.Context) ([]storage.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listHits++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []storage.Workflow
	for _, w := range s.wfs {
		if w.HasSchedule() {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, id string) (storage.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wfs[id]
	if !ok {
		return storage.Workflow{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *fakeStore) set(id string, expr *string) {
	s.mu.Lock()
	s.wfs[id] = storage.Workflow{ID: id, Schedule: expr}
	s.mu.Unlock()
}

func (s *fakeStore) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listHits
}

func strp(s string) *string { return &s }

func newTestRegistry(t *testing.T, store Store) (*Registry, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	r := New(d, store, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartTwiceKeepsOneTimer(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	expr := Encode(5, UnitMinutes)

	if err := r.Start("W", expr); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start("W", expr); err != nil {
		t.Fatalf("start again: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules=%d, want 1", len(snap.Schedules))
	}
	if got := snap.Schedules[0].PeriodMs; got != 300000 {
		t.Fatalf("period=%d, want 300000", got)
	}
	if n := len(r.c.Entries()); n != 1 {
		t.Fatalf("cron entries=%d, want 1", n)
	}
}

func TestConcurrentStartsKeepOneTimer(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	expr := Encode(5, UnitMinutes)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Start("W", expr)
		}()
	}
	wg.Wait()

	if n := len(r.c.Entries()); n != 1 {
		t.Fatalf("cron entries=%d, want 1", n)
	}
	if !r.IsScheduled("W") {
		t.Fatal("W should be scheduled")
	}
}

func TestStartFiresImmediateScheduledTick(t *testing.T) {
	r, d := newTestRegistry(t, nil)
	if err := r.Start("W", Encode(1, UnitHours)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return d.count("W") == 1 })

	d.mu.Lock()
	trig := d.trig[0]
	d.mu.Unlock()
	if trig != dispatch.TriggerSchedule {
		t.Fatalf("trigger=%q, want schedule", trig)
	}
}

func TestStartInvalidHasNoSideEffects(t *testing.T) {
	r, d := newTestRegistry(t, nil)
	if err := r.Start("W", Encode(2, UnitHours)); err != nil {
		t.Fatal(err)
	}
	before := r.Snapshot()

	for _, expr := range []string{"0 9 * * 1", "", "@hourly", "*/0 * * * *"} {
		err := r.Start("W", expr)
		if !errors.Is(err, ErrInvalidRecurrence) {
			t.Fatalf("Start(%q) err=%v, want ErrInvalidRecurrence", expr, err)
		}
		if err := r.Start("X", expr); !errors.Is(err, ErrInvalidRecurrence) {
			t.Fatalf("Start(X, %q) err=%v", expr, err)
		}
	}

	after := r.Snapshot()
	if len(after.Schedules) != 1 || after.Schedules[0].Expression != before.Schedules[0].Expression {
		t.Fatalf("registry changed: %+v", after.Schedules)
	}
	if r.IsScheduled("X") {
		t.Fatal("X must not be scheduled")
	}
	waitFor(t, func() bool { return d.count("W") == 1 })
	if d.count("X") != 0 {
		t.Fatal("X must not be dispatched")
	}
}

func TestStopUnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if err := r.Start("A", Encode(10, UnitMinutes)); err != nil {
		t.Fatal(err)
	}
	before := r.Snapshot()

	r.Stop("missing")
	r.Stop("")

	after := r.Snapshot()
	if len(after.Schedules) != len(before.Schedules) || !r.IsScheduled("A") {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestStopAndStopAll(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Start(id, Encode(3, UnitHours)); err != nil {
			t.Fatal(err)
		}
	}
	r.Stop("b")
	if r.IsScheduled("b") {
		t.Fatal("b still scheduled")
	}
	if _, ok := r.Entry("b"); ok {
		t.Fatal("b entry still present")
	}
	r.StopAll()
	if n := len(r.Snapshot().Schedules); n != 0 {
		t.Fatalf("schedules=%d after StopAll", n)
	}
	if n := len(r.c.Entries()); n != 0 {
		t.Fatalf("cron entries=%d after StopAll", n)
	}
}

func TestInitializeAllRunsOnce(t *testing.T) {
	store := newFakeStore(
		storage.Workflow{ID: "a", Schedule: strp(Encode(5, UnitMinutes))},
		storage.Workflow{ID: "b", Schedule: strp(Encode(2, UnitHours))},
		storage.Workflow{ID: "c"},
		storage.Workflow{ID: "bad", Schedule: strp("0 9 * * 1")},
	)
	r, d := newTestRegistry(t, store)

	if err := r.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := store.hits(); got != 1 {
		t.Fatalf("store reads=%d, want 1", got)
	}
	if !r.IsScheduled("a") || !r.IsScheduled("b") {
		t.Fatal("a and b should be scheduled")
	}
	if r.IsScheduled("c") || r.IsScheduled("bad") {
		t.Fatal("c and bad must not be scheduled")
	}
	waitFor(t, func() bool { return d.count("a") == 1 && d.count("b") == 1 })
}

func TestInitializeAllMarksInitializedOnLoadError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")
	r, _ := newTestRegistry(t, store)

	_ = r.InitializeAll(context.Background())
	if !r.Initialized() {
		t.Fatal("registry should be initialized after a failed load")
	}
	_ = r.InitializeAll(context.Background())
	if got := store.hits(); got != 1 {
		t.Fatalf("store reads=%d, want 1", got)
	}
}

func TestRefreshFollowsStore(t *testing.T) {
	store := newFakeStore()
	r, _ := newTestRegistry(t, store)

	store.set("W", strp(Encode(15, UnitMinutes)))
	if err := r.Refresh(context.Background(), "W"); err != nil {
		t.Fatal(err)
	}
	e, ok := r.Entry("W")
	if !ok || e.Interval != (Interval{Value: 15, Unit: UnitMinutes}) {
		t.Fatalf("entry=%+v ok=%v", e, ok)
	}

	store.set("W", strp(Encode(4, UnitHours)))
	if err := r.Refresh(context.Background(), "W"); err != nil {
		t.Fatal(err)
	}
	e, _ = r.Entry("W")
	if e.PeriodMs != 4*3600000 {
		t.Fatalf("period=%d", e.PeriodMs)
	}
	if n := len(r.c.Entries()); n != 1 {
		t.Fatalf("cron entries=%d, want 1", n)
	}

	store.set("W", nil)
	if err := r.Refresh(context.Background(), "W"); err != nil {
		t.Fatal(err)
	}
	if r.IsScheduled("W") {
		t.Fatal("W should be stopped")
	}

	store.set("W", strp(Encode(1, UnitMinutes)))
	_ = r.Refresh(context.Background(), "W")
	if err := r.Refresh(context.Background(), "gone"); err != nil {
		t.Fatalf("refresh missing: %v", err)
	}
	if !r.IsScheduled("W") {
		t.Fatal("W should be scheduled")
	}
}

func TestCloseRejectsStart(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if err := r.Start("W", Encode(1, UnitMinutes)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if r.IsScheduled("W") {
		t.Fatal("W still scheduled after Close")
	}
	if err := r.Start("W", Encode(1, UnitMinutes)); err == nil {
		t.Fatal("start after close should fail")
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTickDispatchesOnlyLiveEntries(t *testing.T) {
	r, d := newTestRegistry(t, nil)
	if err := r.Start("W", Encode(1, UnitHours)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return d.count("W") == 1 })

	// periodic firing, as cron would call it
	r.tick("W")
	waitFor(t, func() bool { return d.count("W") == 2 })
	d.mu.Lock()
	for i, trig := range d.trig {
		if trig != dispatch.TriggerSchedule {
			d.mu.Unlock()
			t.Fatalf("trig[%d]=%q, want schedule", i, trig)
		}
	}
	d.mu.Unlock()

	r.Stop("W")
	r.tick("W")
	r.tick("unknown")

	if err := r.Start("X", Encode(1, UnitHours)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return d.count("X") == 1 })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatal(err)
	}
	r.tick("X")

	time.Sleep(50 * time.Millisecond)
	if n := d.count("W"); n != 2 {
		t.Fatalf("W dispatches=%d after stop, want 2", n)
	}
	if n := d.count("X"); n != 1 {
		t.Fatalf("X dispatches=%d after close, want 1", n)
	}
	if n := d.count("unknown"); n != 0 {
		t.Fatalf("unknown dispatches=%d", n)
	}
}

func TestStartWaitingAcrossStopAllIsDropped(t *testing.T) {
	r, d := newTestRegistry(t, nil)

	// hold the swap lock so Start parks after registering as starting
	sw := &sync.Mutex{}
	r.mu.Lock()
	r.swap["W"] = sw
	r.mu.Unlock()
	sw.Lock()

	done := make(chan error, 1)
	go func() { done <- r.Start("W", Encode(5, UnitMinutes)) }()
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.starting["W"]
		return ok
	})

	r.StopAll()
	sw.Unlock()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}

	if r.IsScheduled("W") {
		t.Fatal("W scheduled after StopAll")
	}
	if n := len(r.c.Entries()); n != 0 {
		t.Fatalf("cron entries=%d, want 0", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := d.count("W"); n != 0 {
		t.Fatalf("W dispatches=%d, want 0", n)
	}

	// a later Start works normally
	if err := r.Start("W", Encode(5, UnitMinutes)); err != nil {
		t.Fatal(err)
	}
	if !r.IsScheduled("W") {
		t.Fatal("W should be scheduled")
	}
}
