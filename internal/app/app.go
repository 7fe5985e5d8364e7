// Package app assembles the daemon: config, logging, metadata store,
// data source runners, the refresh service and the alert notifier.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"refreshd/internal/config"
	"refreshd/internal/eventbus"
	"refreshd/internal/notify"
	"refreshd/internal/query"
	"refreshd/internal/refresh"
	"refreshd/internal/runner"
	"refreshd/internal/runtime/supervisor"
	"refreshd/internal/store"
	logx "refreshd/pkg/logx"
)

type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	store    *store.Store
	pool     *sourcePool
	bus      eventbus.Bus
	notifier *notify.Notifier
	refresh  *refresh.Service

	sup *supervisor.Supervisor
}

// New loads and validates the config file and builds all services.
// Nothing runs until Start.
func New(configPath string) (*App, error) {
	mgr := config.NewConfigManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("svc", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  st,
		bus:    eventbus.New(),
	}

	if err := a.seed(context.Background(), cfg); err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	pool, err := buildPool(context.Background(), st, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.pool = pool

	if n := cfg.Notifier; n != nil && n.Enabled {
		a.notifier, err = notify.New(notify.Config{
			Token:            n.Token,
			ChatID:           n.ChatID,
			FailureThreshold: n.FailureThreshold,
		}, log.With(logx.String("svc", "notify")))
		if err != nil {
			pool.Close()
			_ = st.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	rc, err := refreshConfig(cfg.Refresh)
	if err != nil {
		pool.Close()
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.refresh = refresh.New(rc, st, pool, a.bus, a.notifier,
		log.With(logx.String("svc", "refresh")))

	return a, nil
}

func refreshConfig(rc config.RefreshConfig) (refresh.Config, error) {
	tick, err := config.ParseDurationOrDefault("refresh.tick_every", rc.TickEvery, 30*time.Second)
	if err != nil {
		return refresh.Config{}, err
	}
	execTimeout, err := config.ParseDurationOrDefault("refresh.exec_timeout", rc.ExecTimeout, 10*time.Minute)
	if err != nil {
		return refresh.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("refresh.stale_after", rc.StaleAfter, 10*time.Minute)
	if err != nil {
		return refresh.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("refresh.result_retention", rc.ResultRetention, 7*24*time.Hour)
	if err != nil {
		return refresh.Config{}, err
	}
	gc := rc.GCSchedule
	if gc == "" {
		gc = "@every 1h"
	}
	return refresh.Config{
		Workers:     rc.Workers,
		QueueSize:   rc.QueueSize,
		TickEvery:   tick,
		ExecTimeout: execTimeout,
		StaleAfter:  stale,
		Backoff: query.BackoffPolicy{
			Cap:              rc.BackoffCap,
			ApplyToExactTime: rc.BackoffExactTime,
		},
		ResultRetention:  retention,
		GCSchedule:       gc,
		SourceRatePerSec: rc.SourceRatePerSec,
		HistorySize:      rc.HistorySize,
	}, nil
}

// seed creates config-declared data sources and queries that are not in the
// store yet. Existing rows are matched by name / by (source, content hash)
// and left untouched, so the file can be re-applied on every boot.
func (a *App) seed(ctx context.Context, cfg *config.Config) error {
	existing, err := a.store.DataSources(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	byName := make(map[string]query.DataSource, len(existing))
	for _, ds := range existing {
		byName[ds.Name] = ds
	}

	for _, dc := range cfg.DataSources {
		ds, ok := byName[dc.Name]
		if !ok {
			orgID := dc.OrgID
			if orgID == 0 {
				orgID = 1
			}
			ds = query.DataSource{OrgID: orgID, Name: dc.Name, Kind: dc.Kind, DSN: dc.DSN}
			if err := a.store.CreateDataSource(ctx, &ds); err != nil {
				return fmt.Errorf("seed data source %q: %w", dc.Name, err)
			}
			a.log.Info("data source created",
				logx.String("name", dc.Name), logx.String("kind", dc.Kind))
			byName[dc.Name] = ds
		}
		for _, g := range dc.Groups {
			if err := a.store.AddDataSourceGroup(ctx, ds.ID, g); err != nil {
				return fmt.Errorf("seed data source %q group %d: %w", dc.Name, g, err)
			}
		}
	}

	for i, qc := range cfg.Queries {
		ds, ok := byName[qc.DataSource]
		if !ok {
			return fmt.Errorf("seed queries[%d]: unknown data source %q", i, qc.DataSource)
		}
		_, err := a.store.FindQuery(ctx, ds.ID, query.HashText(qc.Text))
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("seed queries[%d]: %w", i, err)
		}
		q := query.Query{OrgID: ds.OrgID, DataSourceID: ds.ID, Text: qc.Text, IsDraft: qc.Draft}
		if qc.Schedule != "" {
			sched := qc.Schedule
			q.Schedule = &sched
		}
		if err := a.store.CreateQuery(ctx, &q); err != nil {
			return fmt.Errorf("seed queries[%d]: %w", i, err)
		}
		a.log.Info("query created",
			logx.Int64("id", q.ID), logx.String("data_source", qc.DataSource))
	}
	return nil
}

// Start runs the refresh loop, the notifier and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.notifier.Start(a.sup.Context())
	if cfg := a.cfgMgr.Get(); cfg != nil && cfg.Refresh.Enabled {
		if err := a.refresh.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("refresh loop disabled; nothing will be executed")
	}

	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.sup.Go("config-apply", a.applyLoop)

	a.log.Info("refreshd started", logx.Int("data_sources", a.pool.Len()))
	return nil
}

// applyLoop hot-applies reloaded configs. Only the logging section takes
// effect without a restart; structural sections (storage, workers, sources)
// log a notice instead.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied; other sections apply on restart")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.refresh != nil {
		if err := a.refresh.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.notifier.Stop()
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("refreshd stopped")
	_ = a.logSvc.Close()
	return firstErr
}

// Snapshot exposes the refresh service state for diagnostics.
func (a *App) Snapshot() refresh.Status { return a.refresh.Snapshot() }

// sourcePool owns one runner per data source.
type sourcePool struct {
	mu      sync.RWMutex
	runners map[int64]runner.Runner
}

func buildPool(ctx context.Context, st *store.Store, log logx.Logger) (*sourcePool, error) {
	sources, err := st.DataSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	p := &sourcePool{runners: make(map[int64]runner.Runner, len(sources))}
	for _, ds := range sources {
		r, err := runner.Open(ds.Kind, ds.DSN)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("data source %q: %w", ds.Name, err)
		}
		p.runners[ds.ID] = r
		log.Debug("runner ready",
			logx.String("name", ds.Name), logx.String("kind", ds.Kind))
	}
	return p, nil
}

func (p *sourcePool) Runner(dataSourceID int64) (runner.Runner, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.runners[dataSourceID]
	return r, ok
}

func (p *sourcePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.runners)
}

func (p *sourcePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.runners {
		_ = r.Close()
	}
	p.runners = nil
}
