// Package worker runs the pipeline's periodic jobs: feed sync, dispatch of
// due queues, the durable retry drain, and the RSS fast-path poll. Each job
// is a ticker loop; cross-process exclusivity comes from distributed locks
// over the shared store, not in-process state.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/platewatch/recall-monitor/internal/config"
	"github.com/platewatch/recall-monitor/internal/dispatch"
	"github.com/platewatch/recall-monitor/internal/enrich"
	"github.com/platewatch/recall-monitor/internal/feeds"
	"github.com/platewatch/recall-monitor/internal/normalize"
	"github.com/platewatch/recall-monitor/internal/pkg/distlock"
	"github.com/platewatch/recall-monitor/internal/pkg/logger"
	"github.com/platewatch/recall-monitor/internal/queue"
	"github.com/platewatch/recall-monitor/internal/recall"
	"github.com/platewatch/recall-monitor/internal/reconcile"
	"github.com/platewatch/recall-monitor/internal/store"
)

// Worker owns the periodic pipeline jobs.
type Worker struct {
	store      *store.Store
	sources    []feeds.Source
	engine     *reconcile.Engine
	enricher   *enrich.Scheduler
	queues     *queue.Aggregator
	dispatcher *dispatch.Dispatcher
	rss        *feeds.RSSWatcher // optional fast path
	cfg        config.SyncConfig

	syncLock     distlock.Lock
	dispatchLock distlock.Lock

	now func() time.Time
}

// Deps bundles the worker's collaborators.
type Deps struct {
	Store      *store.Store
	Sources    []feeds.Source
	Engine     *reconcile.Engine
	Enricher   *enrich.Scheduler
	Queues     *queue.Aggregator
	Dispatcher *dispatch.Dispatcher
	RSS        *feeds.RSSWatcher

	// SyncLock and DispatchLock guard their jobs across processes. Leave nil
	// for single-process deployments; a no-op lock is substituted.
	SyncLock     distlock.Lock
	DispatchLock distlock.Lock
}

// New assembles a Worker.
func New(deps Deps, cfg config.SyncConfig) *Worker {
	syncLock := deps.SyncLock
	if syncLock == nil {
		syncLock = distlock.NopLock{}
	}
	dispatchLock := deps.DispatchLock
	if dispatchLock == nil {
		dispatchLock = distlock.NopLock{}
	}
	return &Worker{
		store:        deps.Store,
		sources:      deps.Sources,
		engine:       deps.Engine,
		enricher:     deps.Enricher,
		queues:       deps.Queues,
		dispatcher:   deps.Dispatcher,
		rss:          deps.RSS,
		cfg:          cfg,
		syncLock:     syncLock,
		dispatchLock: dispatchLock,
		now:          time.Now,
	}
}

// Run starts every job loop and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	loop := func(name string, interval time.Duration, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			logger.Info("worker: job started", "job", name, "interval", interval.String())
			for {
				select {
				case <-ctx.Done():
					logger.Info("worker: job stopped", "job", name)
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}()
	}

	loop("sync", time.Duration(w.cfg.IntervalMinutes)*time.Minute, func(ctx context.Context) {
		if err := w.Sync(ctx); err != nil {
			logger.Error("worker: sync run failed", "error", err)
		}
	})
	loop("dispatch", time.Duration(w.cfg.DispatchIntervalMinutes)*time.Minute, func(ctx context.Context) {
		if err := w.Dispatch(ctx); err != nil {
			logger.Error("worker: dispatch run failed", "error", err)
		}
	})
	if w.dispatcher != nil {
		loop("retries", time.Duration(w.cfg.RetryIntervalMinutes)*time.Minute, func(ctx context.Context) {
			if err := w.dispatcher.ProcessRetries(ctx); err != nil {
				logger.Error("worker: retry drain failed", "error", err)
			}
		})
	}
	if w.rss != nil {
		loop("rss", time.Duration(w.cfg.RSSPollMinutes)*time.Minute, func(ctx context.Context) {
			fresh, err := w.rss.Poll(ctx)
			if err != nil {
				logger.Warn("worker: rss poll failed", "error", err)
				return
			}
			if fresh > 0 {
				logger.Info("worker: rss fast path triggering early sync", "new_items", fresh)
				if err := w.Sync(ctx); err != nil {
					logger.Error("worker: early sync failed", "error", err)
				}
			}
		})
	}

	wg.Wait()
}

// Sync runs one full feed pass: fetch both sources, normalize, reconcile,
// queue the newly created recalls, and kick enrichment in the background. A
// source that fails is skipped so one upstream outage cannot hide the other
// feed's recalls.
func (w *Worker) Sync(ctx context.Context) error {
	ok, err := w.syncLock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("worker: sync already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := w.syncLock.Release(ctx); err != nil {
			logger.Warn("worker: sync lock release failed", "error", err)
		}
	}()

	started := w.now()
	now := started.UTC()

	var all []recall.Record
	for _, src := range w.sources {
		raws, err := src.Fetch(ctx)
		if err != nil {
			logger.Error("worker: feed fetch failed, skipping source", "source", src.Name(), "error", err)
			continue
		}
		for _, raw := range raws {
			all = append(all, normalize.Record(raw, now))
		}
	}
	if len(all) == 0 {
		logger.Info("worker: sync found nothing to reconcile")
		return nil
	}

	result, err := w.engine.Reconcile(ctx, all)
	if err != nil {
		return err
	}

	if len(result.Created) > 0 {
		if err := w.queues.Enqueue(ctx, result.Created); err != nil {
			// Sync still succeeded; the ids resurface on the next run.
			logger.Error("worker: enqueue after sync failed", "error", err)
		}
	}

	if len(result.NeedsEnrichment) > 0 && w.enricher != nil {
		keys := append([]string(nil), result.NeedsEnrichment...)
		go w.enricher.Run(context.WithoutCancel(ctx), keys)
	}

	logger.Info("worker: sync complete",
		"fetched", len(all),
		"created", len(result.Created),
		"updated", result.Updated,
		"duration", time.Since(started).String())
	return nil
}

// Dispatch claims every due queue and sends it. Queues whose dispatch fails
// are released back to pending for the next pass.
func (w *Worker) Dispatch(ctx context.Context) error {
	ok, err := w.dispatchLock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("worker: dispatch already running elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := w.dispatchLock.Release(ctx); err != nil {
			logger.Warn("worker: dispatch lock release failed", "error", err)
		}
	}()

	due, err := w.queues.Due(ctx)
	if err != nil {
		return err
	}
	for i := range due {
		claimed, err := w.queues.Claim(ctx, due[i].ID)
		if err != nil {
			logger.Error("worker: queue claim failed", "queue_id", due[i].ID, "error", err)
			continue
		}
		if claimed == nil {
			continue // lost the race
		}
		if _, err := w.dispatcher.DispatchQueue(ctx, claimed); err != nil {
			logger.Error("worker: queue dispatch failed, releasing", "queue_id", claimed.ID, "error", err)
			if rerr := w.queues.Release(ctx, claimed.ID); rerr != nil {
				logger.Error("worker: queue release failed", "queue_id", claimed.ID, "error", rerr)
			}
		}
	}
	return nil
}
