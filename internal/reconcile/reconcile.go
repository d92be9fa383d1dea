package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/basket/nodepilot/internal/cmdb"
	"github.com/basket/nodepilot/internal/config"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/otel"
	"github.com/basket/nodepilot/internal/store"
)

// Runner owns the periodic loops: the cron-scheduled collector, state sync
// and garbage collector, plus the watcher on its own poll ticker. Every
// iteration first takes the loop's lease, so running multiple replicas is
// safe and exactly one executes each loop.
type Runner struct {
	collector *Collector
	watcher   *Watcher
	stateSync *StateSync
	gc        *GC

	store  *store.Store
	cfg    config.ReconcileConfig
	logger *slog.Logger

	holder string
	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are the collaborators the loops share.
type Deps struct {
	Store   *store.Store
	Engine  pipelineRunner
	Feed    cmdb.Watcher
	Cache   cacheInvalidator
	Builder taskBuilder
	Agents  gse.AgentControl
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

func NewRunner(cfg config.ReconcileConfig, d Deps) *Runner {
	return &Runner{
		collector: NewCollector(d.Store, d.Engine, d.Logger),
		watcher:   NewWatcher(d.Store, d.Feed, d.Cache, d.Builder, d.Logger, d.Metrics),
		stateSync: NewStateSync(d.Store, d.Agents, d.Logger),
		gc: NewGC(d.Store,
			time.Duration(cfg.GCRetentionDays)*24*time.Hour,
			cfg.GCBatchSize, d.Logger, d.Metrics),
		store:  d.Store,
		cfg:    cfg,
		logger: d.Logger.With("component", "reconcile"),
		holder: "reconcile-" + uuid.NewString()[:8],
	}
}

// Start registers the cron entries and launches the watcher ticker. Returns
// an error only for malformed schedules.
func (r *Runner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	leasePeriod := time.Duration(r.cfg.LeaseSeconds) * time.Second

	r.cron = cronlib.New()
	entries := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"collector", r.cfg.CollectorSchedule, r.collector.RunOnce},
		{"statesync", r.cfg.StateSyncSchedule, r.stateSync.RunOnce},
		{"gc", r.cfg.GCSchedule, r.gc.RunOnce},
	}
	for _, e := range entries {
		e := e
		lease := NewLease(r.store, leaseKey(e.name), r.holder, leasePeriod, r.logger)
		_, err := r.cron.AddFunc(e.schedule, func() {
			r.runUnderLease(ctx, e.name, lease, e.run)
		})
		if err != nil {
			return fmt.Errorf("schedule %s loop (%q): %w", e.name, e.schedule, err)
		}
	}
	r.cron.Start()

	watcherLease := NewLease(r.store, leaseKey("watcher"), r.holder, leasePeriod, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Duration(r.cfg.WatchPollSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runUnderLease(ctx, "watcher", watcherLease, r.watcher.RunOnce)
			}
		}
	}()

	r.logger.Info("reconcile loops started", "holder", r.holder)
	return nil
}

func (r *Runner) runUnderLease(ctx context.Context, name string, lease *Lease, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if !lease.TryAcquire(ctx) {
		return
	}
	if err := run(ctx); err != nil {
		r.logger.Error("reconcile loop iteration", "loop", name, "error", err)
	}
}

// Stop halts the cron entries and the watcher ticker, waiting for in-flight
// iterations to return.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.wg.Wait()
}
