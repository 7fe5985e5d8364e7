package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"refreshd/internal/eventbus"
	"refreshd/internal/inflight"
	"refreshd/internal/query"
	"refreshd/internal/runner"
	"refreshd/internal/store"
	logx "refreshd/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	outdated []store.Outdated
	scanErr  error

	stored   []store.StoreResultArgs
	storeErr error
	failures []string // hashes passed to RecordFailure
	unused   []int64
	purged   []int64
}

func (f *fakeStore) OutdatedQueries(_ context.Context, _ time.Time, _ query.BackoffPolicy, skip store.InFlightFilter) ([]store.Outdated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []store.Outdated
	for _, u := range f.outdated {
		if skip != nil && skip.InFlight(u.DataSourceID, u.Hash) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) StoreResult(_ context.Context, args store.StoreResultArgs) (*query.QueryResult, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, nil, f.storeErr
	}
	f.stored = append(f.stored, args)
	return &query.QueryResult{ID: int64(len(f.stored)), Hash: args.Hash, Data: args.Data}, []int64{1}, nil
}

func (f *fakeStore) RecordFailure(_ context.Context, _, _ int64, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, hash)
	return 1, nil
}

func (f *fakeStore) UnusedResults(context.Context, time.Time) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unused, nil
}

func (f *fakeStore) PurgeResults(_ context.Context, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, ids...)
	return int64(len(ids)), nil
}

func (f *fakeStore) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *fakeStore) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

type fakeRunner struct {
	result *runner.Result
	err    error
	block  bool // block until ctx is done, then return ctx's error
}

func (r *fakeRunner) Kind() string { return "fake" }

func (r *fakeRunner) Execute(ctx context.Context, _ string) (*runner.Result, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &runner.Result{
		Columns: []runner.Column{{Name: "n", Type: runner.TypeInteger}},
		Rows:    []runner.Row{{"n": int64(1)}},
	}, nil
}

func (r *fakeRunner) Schema(context.Context) (map[string]runner.Table, error) { return nil, nil }
func (r *fakeRunner) Close() error                                           { return nil }

type fakePool map[int64]runner.Runner

func (p fakePool) Runner(id int64) (runner.Runner, bool) {
	r, ok := p[id]
	return r, ok
}

func unit(qid, ds int64, text string) store.Outdated {
	return store.Outdated{
		QueryID:      qid,
		OrgID:        1,
		DataSourceID: ds,
		Hash:         query.HashText(text),
		Text:         text,
		GroupSize:    1,
	}
}

func newTestService(t *testing.T, cfg Config, st Store, pool SourcePool, bus eventbus.Bus) *Service {
	t.Helper()
	return New(cfg, st, pool, bus, nil, logx.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestExecuteStoresResult(t *testing.T) {
	st := &fakeStore{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestService(t, Config{}, st, fakePool{1: &fakeRunner{}}, bus)
	u := unit(10, 1, "SELECT 1")
	if err := s.tracker.Mark(inflight.Key{DataSourceID: 1, Hash: u.Hash}, time.Now()); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	s.execute(t.Context(), u)

	if st.storedCount() != 1 {
		t.Fatalf("stored = %d, want 1", st.storedCount())
	}
	if st.failureCount() != 0 {
		t.Fatalf("failures recorded on success: %d", st.failureCount())
	}
	if s.tracker.InFlight(1, u.Hash) {
		t.Errorf("tracker not released after execution")
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	if len(types) != 2 || types[0] != EventRunStarted || types[1] != EventRunSucceeded {
		t.Errorf("events = %v", types)
	}

	snap := s.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Status != RunSucceeded {
		t.Errorf("history = %+v", snap.History)
	}
}

func TestExecuteRecordsFailureAndReleases(t *testing.T) {
	st := &fakeStore{}
	s := newTestService(t, Config{}, st, fakePool{1: &fakeRunner{err: errors.New("boom")}}, nil)
	u := unit(10, 1, "SELECT 1")
	_ = s.tracker.Mark(inflight.Key{DataSourceID: 1, Hash: u.Hash}, time.Now())

	s.execute(t.Context(), u)

	if st.failureCount() != 1 {
		t.Fatalf("failures = %d, want 1", st.failureCount())
	}
	if st.storedCount() != 0 {
		t.Fatalf("result stored on failure")
	}
	if s.tracker.InFlight(1, u.Hash) {
		t.Errorf("tracker not released after failure")
	}
	if h := s.hist.snapshot(); len(h) != 1 || h[0].Status != RunFailed {
		t.Errorf("history = %+v", h)
	}
}

func TestExecuteMissingRunnerCountsAsFailure(t *testing.T) {
	st := &fakeStore{}
	s := newTestService(t, Config{}, st, fakePool{}, nil)
	u := unit(10, 99, "SELECT 1")
	_ = s.tracker.Mark(inflight.Key{DataSourceID: 99, Hash: u.Hash}, time.Now())

	s.execute(t.Context(), u)

	if st.failureCount() != 1 {
		t.Fatalf("failures = %d, want 1", st.failureCount())
	}
	if s.tracker.InFlight(99, u.Hash) {
		t.Errorf("tracker not released")
	}
}

func TestCancelAbortsRun(t *testing.T) {
	st := &fakeStore{}
	s := newTestService(t, Config{}, st, fakePool{1: &fakeRunner{block: true}}, nil)
	u := unit(10, 1, "SELECT 1")
	_ = s.tracker.Mark(inflight.Key{DataSourceID: 1, Hash: u.Hash}, time.Now())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.execute(t.Context(), u)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return s.Cancel(1, u.Hash)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("execution did not stop after cancel")
	}

	if st.failureCount() != 1 {
		t.Fatalf("canceled run should record a failure")
	}
	if h := s.hist.snapshot(); len(h) != 1 || h[0].Status != RunCanceled {
		t.Errorf("history = %+v", h)
	}
	if s.Cancel(1, u.Hash) {
		t.Errorf("Cancel reported an execution that already finished")
	}
}

func TestTickEnqueuesAndMarksInFlight(t *testing.T) {
	st := &fakeStore{outdated: []store.Outdated{
		unit(1, 1, "SELECT 1"),
		unit(2, 2, "SELECT 2"),
	}}
	// No workers draining: inspect the queue directly.
	s := newTestService(t, Config{}, st, fakePool{}, nil)

	s.tick(t.Context())

	if got := len(s.queue); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	if s.tracker.Len() != 2 {
		t.Fatalf("in-flight = %d, want 2", s.tracker.Len())
	}

	// Second tick: both groups are in flight, nothing new may be queued.
	s.tick(t.Context())
	if got := len(s.queue); got != 2 {
		t.Errorf("in-flight groups re-enqueued: %d", got)
	}
}

func TestTickReleasesWhenQueueFull(t *testing.T) {
	st := &fakeStore{outdated: []store.Outdated{
		unit(1, 1, "SELECT 1"),
		unit(2, 2, "SELECT 2"),
	}}
	s := newTestService(t, Config{QueueSize: 1}, st, fakePool{}, nil)

	s.tick(t.Context())

	if got := len(s.queue); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
	// The overflowed unit must be released so the next tick can retry it.
	if s.tracker.Len() != 1 {
		t.Errorf("in-flight = %d, want 1", s.tracker.Len())
	}
}

func TestCollectGarbage(t *testing.T) {
	st := &fakeStore{unused: []int64{4, 5}}
	s := newTestService(t, Config{ResultRetention: time.Hour}, st, fakePool{}, nil)

	s.collectGarbage(t.Context())

	if len(st.purged) != 2 {
		t.Errorf("purged = %v, want [4 5]", st.purged)
	}
}

func TestServiceEndToEnd(t *testing.T) {
	st := &fakeStore{outdated: []store.Outdated{unit(1, 1, "SELECT 1")}}
	s := newTestService(t, Config{Workers: 1, TickEvery: time.Minute}, st, fakePool{1: &fakeRunner{}}, nil)

	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	// Drive a tick by hand instead of waiting for cron.
	s.tick(t.Context())

	waitFor(t, 2*time.Second, func() bool { return st.storedCount() == 1 })
	waitFor(t, 2*time.Second, func() bool { return s.tracker.Len() == 0 })
}

func TestHistoryRing(t *testing.T) {
	h := newHistory(3)
	for i := 1; i <= 5; i++ {
		h.add(RunRecord{QueryID: int64(i)})
	}
	got := h.snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// newest first: 5, 4, 3
	for i, want := range []int64{5, 4, 3} {
		if got[i].QueryID != want {
			t.Errorf("history[%d] = %d, want %d", i, got[i].QueryID, want)
		}
	}
}
