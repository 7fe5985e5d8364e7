// Package refresh runs the background loop that keeps scheduled query
// results fresh: on every tick it selects outdated queries, deduplicates
// them per (data source, content hash), and executes each unit on a worker
// pool with per-source rate limiting and failure backoff.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"refreshd/internal/eventbus"
	"refreshd/internal/inflight"
	"refreshd/internal/notify"
	"refreshd/internal/query"
	"refreshd/internal/runner"
	"refreshd/internal/runtime/supervisor"
	"refreshd/internal/store"
	logx "refreshd/pkg/logx"
)

// Event types published on the bus.
const (
	EventRunStarted   = "query.run.started"
	EventRunSucceeded = "query.run.succeeded"
	EventRunFailed    = "query.run.failed"
	EventRunCanceled  = "query.run.canceled"
)

// ErrCanceled marks a run aborted via Cancel rather than by its deadline.
var ErrCanceled = errors.New("execution canceled")

type Config struct {
	Workers   int           // default 2
	QueueSize int           // default 256
	TickEvery time.Duration // default 30s

	ExecTimeout time.Duration // default 10m
	StaleAfter  time.Duration // default inflight.DefaultStaleAfter

	Backoff query.BackoffPolicy

	// ResultRetention and GCSchedule prune unreferenced results. An empty
	// GCSchedule disables the garbage collector.
	ResultRetention time.Duration
	GCSchedule      string

	// SourceRatePerSec throttles executions per data source. 0 disables.
	SourceRatePerSec float64

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.TickEvery <= 0 {
		c.TickEvery = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 10 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = inflight.DefaultStaleAfter
	}
	return c
}

// Store is the slice of the metadata store the refresh loop needs.
type Store interface {
	OutdatedQueries(ctx context.Context, now time.Time, pol query.BackoffPolicy, skip store.InFlightFilter) ([]store.Outdated, error)
	StoreResult(ctx context.Context, args store.StoreResultArgs) (*query.QueryResult, []int64, error)
	RecordFailure(ctx context.Context, orgID, dataSourceID int64, hash string) (int64, error)
	UnusedResults(ctx context.Context, olderThan time.Time) ([]int64, error)
	PurgeResults(ctx context.Context, ids []int64) (int64, error)
}

// SourcePool resolves a data source id to its runner.
type SourcePool interface {
	Runner(dataSourceID int64) (runner.Runner, bool)
}

type Service struct {
	cfg     Config
	store   Store
	sources SourcePool
	tracker *inflight.Tracker
	bus     eventbus.Bus
	alerts  *notify.Notifier
	log     logx.Logger

	queue chan store.Outdated
	sup   *supervisor.Supervisor
	cron  *cron.Cron

	// limiters are created lazily, one per data source.
	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter

	// cancels maps an in-flight unit to its run context cancel, so Cancel
	// can abort it mid-execution.
	cancelMu sync.Mutex
	cancels  map[inflight.Key]context.CancelCauseFunc

	hist *history

	// lastQueueFullWarn throttles the queue-full warning to once per tick.
	lastQueueFullWarn time.Time

	startMu sync.Mutex
	started bool
}

func New(cfg Config, st Store, sources SourcePool, bus eventbus.Bus, alerts *notify.Notifier, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		store:    st,
		sources:  sources,
		tracker:  inflight.NewTracker(cfg.StaleAfter),
		bus:      bus,
		alerts:   alerts,
		log:      log,
		queue:    make(chan store.Outdated, cfg.QueueSize),
		limiters: make(map[int64]*rate.Limiter),
		cancels:  make(map[inflight.Key]context.CancelCauseFunc),
		hist:     newHistory(cfg.HistorySize),
	}
}

// Tracker exposes the in-flight view for diagnostics.
func (s *Service) Tracker() *inflight.Tracker { return s.tracker }

// Start launches the workers and the cron entries (tick, janitor, GC).
func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("refresh-worker-%d", i)
		s.sup.Go(name, s.workerLoop)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		// a slow tick must not stack another tick on top of itself
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	spec := fmt.Sprintf("@every %s", s.cfg.TickEvery)
	if _, err := s.cron.AddFunc(spec, func() { s.tick(s.sup.Context()) }); err != nil {
		return fmt.Errorf("refresh: tick schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.StaleAfter), s.janitor); err != nil {
		return fmt.Errorf("refresh: janitor schedule: %w", err)
	}
	if s.cfg.GCSchedule != "" && s.cfg.ResultRetention > 0 {
		if _, err := s.cron.AddFunc(s.cfg.GCSchedule, func() { s.collectGarbage(s.sup.Context()) }); err != nil {
			return fmt.Errorf("refresh: gc schedule %q: %w", s.cfg.GCSchedule, err)
		}
	}
	s.cron.Start()

	s.started = true
	s.log.Info("refresh service started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("tick_every", s.cfg.TickEvery),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return nil
	}
	<-s.cron.Stop().Done()
	err := s.sup.Stop(ctx)
	s.started = false
	return err
}

// tick selects due (data source, hash) units and enqueues them. Units that
// do not fit in the queue are released so the next tick retries them.
func (s *Service) tick(ctx context.Context) {
	now := time.Now()
	out, err := s.store.OutdatedQueries(ctx, now, s.cfg.Backoff, s.tracker)
	if err != nil {
		s.log.Error("outdated query scan failed", logx.Err(err))
		return
	}
	if len(out) == 0 {
		return
	}

	enqueued := 0
	for _, u := range out {
		key := inflight.Key{DataSourceID: u.DataSourceID, Hash: u.Hash}
		if err := s.tracker.Mark(key, now); err != nil {
			continue // raced with a previous tick
		}
		select {
		case s.queue <- u:
			enqueued++
		default:
			s.tracker.Release(key)
			if now.Sub(s.lastQueueFullWarn) >= s.cfg.TickEvery {
				s.lastQueueFullWarn = now
				s.log.Warn("refresh queue full; deferring work",
					logx.Int("queue_cap", cap(s.queue)),
					logx.Int("deferred_at", enqueued),
				)
			}
		}
	}
	s.log.Debug("tick",
		logx.Int("due", len(out)),
		logx.Int("enqueued", enqueued),
		logx.Int("in_flight", s.tracker.Len()),
	)
}

// janitor reclaims in-flight marks whose executions never released them
// (crashed worker, stuck driver), letting the selector pick them up again.
func (s *Service) janitor() {
	if n := s.tracker.SweepStale(time.Now()); n > 0 {
		s.log.Warn("reclaimed stale in-flight executions", logx.Int("count", n))
	}
}

func (s *Service) collectGarbage(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ResultRetention)
	ids, err := s.store.UnusedResults(ctx, cutoff)
	if err != nil {
		s.log.Error("result gc scan failed", logx.Err(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	n, err := s.store.PurgeResults(ctx, ids)
	if err != nil {
		s.log.Error("result gc purge failed", logx.Err(err))
		return
	}
	s.log.Info("pruned unreferenced results", logx.Int64("count", n))
}

func (s *Service) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.queue:
			s.execute(ctx, u)
		}
	}
}

func (s *Service) limiter(dataSourceID int64) *rate.Limiter {
	if s.cfg.SourceRatePerSec <= 0 {
		return nil
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	l, ok := s.limiters[dataSourceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.SourceRatePerSec), 1)
		s.limiters[dataSourceID] = l
	}
	return l
}

// Cancel aborts the in-flight execution for (dataSourceID, hash), if any.
func (s *Service) Cancel(dataSourceID int64, hash string) bool {
	key := inflight.Key{DataSourceID: dataSourceID, Hash: hash}
	s.cancelMu.Lock()
	cancel, ok := s.cancels[key]
	s.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel(ErrCanceled)
	return true
}

func (s *Service) execute(ctx context.Context, u store.Outdated) {
	key := inflight.Key{DataSourceID: u.DataSourceID, Hash: u.Hash}
	defer s.tracker.Release(key)

	if l := s.limiter(u.DataSourceID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return // shutting down
		}
	}

	r, ok := s.sources.Runner(u.DataSourceID)
	if !ok {
		s.log.Error("no runner for data source",
			logx.Int64("data_source_id", u.DataSourceID),
			logx.Int64("query_id", u.QueryID),
		)
		s.fail(ctx, u, errors.New("data source has no runner"), time.Now(), time.Now(), "")
		return
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(runCtx, s.cfg.ExecTimeout)
	s.cancelMu.Lock()
	s.cancels[key] = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		delete(s.cancels, key)
		s.cancelMu.Unlock()
		cancelTimeout()
		cancel(nil)
	}()

	started := time.Now()
	s.publish(EventRunStarted, RunRecord{
		RunID: runID, QueryID: u.QueryID, DataSourceID: u.DataSourceID,
		Hash: u.Hash, Status: RunRunning, StartedAt: started,
	})
	s.log.Debug("executing query",
		logx.String("run_id", runID),
		logx.Int64("query_id", u.QueryID),
		logx.Int64("data_source_id", u.DataSourceID),
		logx.Int("group_size", u.GroupSize),
	)

	res, err := r.Execute(timeoutCtx, u.Text)
	finished := time.Now()

	if err != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrCanceled) {
			err = ErrCanceled
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("execution exceeded %s: %w", s.cfg.ExecTimeout, err)
		}
		s.fail(ctx, u, err, started, finished, runID)
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		s.fail(ctx, u, fmt.Errorf("encode result: %w", err), started, finished, runID)
		return
	}

	stored, updated, err := s.store.StoreResult(ctx, store.StoreResultArgs{
		OrgID:        u.OrgID,
		DataSourceID: u.DataSourceID,
		Hash:         u.Hash,
		Text:         u.Text,
		Data:         data,
		Runtime:      finished.Sub(started),
		RetrievedAt:  finished,
	})
	if err != nil {
		s.fail(ctx, u, fmt.Errorf("store result: %w", err), started, finished, runID)
		return
	}

	rec := RunRecord{
		RunID: runID, QueryID: u.QueryID, DataSourceID: u.DataSourceID,
		Hash: u.Hash, Status: RunSucceeded,
		StartedAt: started, FinishedAt: finished,
		Runtime: finished.Sub(started), Rows: len(res.Rows),
	}
	s.hist.add(rec)
	s.publish(EventRunSucceeded, rec)
	s.log.Info("query refreshed",
		logx.String("run_id", runID),
		logx.Int64("query_id", u.QueryID),
		logx.Int64("result_id", stored.ID),
		logx.Int("updated_queries", len(updated)),
		logx.Duration("runtime", rec.Runtime),
	)
}

// fail records the failure (bumping the backoff counter), publishes the
// event and raises an alert.
func (s *Service) fail(ctx context.Context, u store.Outdated, cause error, started, finished time.Time, runID string) {
	if runID == "" {
		runID = uuid.NewString()
	}
	status := RunFailed
	event := EventRunFailed
	if errors.Is(cause, ErrCanceled) {
		status = RunCanceled
		event = EventRunCanceled
	}

	failures := u.Failures + 1
	if n, err := s.store.RecordFailure(ctx, u.OrgID, u.DataSourceID, u.Hash); err != nil {
		s.log.Error("record failure", logx.Int64("query_id", u.QueryID), logx.Err(err))
	} else if n == 0 {
		// every member got archived since selection; nothing to alert on
		return
	}

	rec := RunRecord{
		RunID: runID, QueryID: u.QueryID, DataSourceID: u.DataSourceID,
		Hash: u.Hash, Status: status,
		StartedAt: started, FinishedAt: finished,
		Runtime: finished.Sub(started), Error: cause.Error(),
	}
	s.hist.add(rec)
	s.publish(event, rec)
	s.log.Warn("query refresh failed",
		logx.String("run_id", runID),
		logx.Int64("query_id", u.QueryID),
		logx.Int("failures", failures),
		logx.Err(cause),
	)

	if status == RunFailed {
		s.alerts.QueryFailed(notify.FailureEvent{
			QueryID:      u.QueryID,
			DataSourceID: u.DataSourceID,
			Hash:         u.Hash,
			Failures:     failures,
			Err:          cause,
			At:           finished,
		})
	}
}

func (s *Service) publish(typ string, rec RunRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: rec})
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	InFlight int         `json:"in_flight"`
	Queued   int         `json:"queued"`
	Workers  int         `json:"workers"`
	History  []RunRecord `json:"history"`
}

func (s *Service) Snapshot() Status {
	return Status{
		InFlight: s.tracker.Len(),
		Queued:   len(s.queue),
		Workers:  s.cfg.Workers,
		History:  s.hist.snapshot(),
	}
}
