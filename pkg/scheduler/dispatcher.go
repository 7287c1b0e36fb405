// Package scheduler dispatches pending workspace runs and CRM syncs to the
// worker pool on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pdfmap/jobstream/pkg/config"
	"github.com/pdfmap/jobstream/pkg/queue"
	"github.com/robfig/cron/v3"
)

// Submitter accepts jobs. Implemented by queue.WorkerPool.
type Submitter interface {
	Submit(job queue.Job) error
}

// Source lists workspaces waiting for work. Implemented by pipeline.Store.
type Source interface {
	PendingWorkspaces(ctx context.Context, limit int) ([]int64, error)
	WorkspacesNeedingSync(ctx context.Context, limit int) ([]int64, error)
}

// SyncAnnouncer records that a sync was enqueued.
// Implemented by crm.SyncService.
type SyncAnnouncer interface {
	MarkQueued(ctx context.Context, workspaceID int64)
}

// Dispatcher feeds the worker pool from the database on cron schedules.
type Dispatcher struct {
	cfg     *config.DispatchConfig
	source  Source
	queue   Submitter
	syncs   SyncAnnouncer
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	mu      sync.Mutex
}

// NewDispatcher creates a Dispatcher. syncs may be nil, which disables
// sync dispatch.
func NewDispatcher(cfg *config.DispatchConfig, source Source, q Submitter, syncs SyncAnnouncer) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		source:  source,
		queue:   q,
		syncs:   syncs,
		cron:    cron.New(cron.WithParser(config.ScheduleParser)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the dispatch jobs and starts the cron scheduler.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.add("process", d.cfg.ProcessSchedule, func(ctx context.Context) {
		if _, err := d.DispatchPending(ctx); err != nil {
			slog.Error("Pending workspace dispatch failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if d.syncs != nil && d.cfg.SyncSchedule != "" {
		if err := d.add("sync", d.cfg.SyncSchedule, func(ctx context.Context) {
			if _, err := d.DispatchSyncs(ctx); err != nil {
				slog.Error("Sync dispatch failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	d.cron.Start()
	slog.Info("Dispatcher started",
		"process_schedule", d.cfg.ProcessSchedule,
		"sync_schedule", d.cfg.SyncSchedule,
		"sync_enabled", d.syncs != nil)
	return nil
}

// add schedules fn. Overlapping runs of the same job are skipped.
func (d *Dispatcher) add(name, spec string, fn func(ctx context.Context)) error {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		fn(d.ctx)
	}))
	id, err := d.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	d.entries[name] = id
	return nil
}

// Stop stops the scheduler and waits for running dispatches.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-d.cron.Stop().Done()
	slog.Info("Dispatcher stopped")
}

// NextRuns returns the next scheduled run of each dispatch job.
func (d *Dispatcher) NextRuns() map[string]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]time.Time, len(d.entries))
	for name, id := range d.entries {
		out[name] = d.cron.Entry(id).Next
	}
	return out
}

// DispatchPending submits process jobs for idle and failed workspaces. It
// returns the number of jobs submitted.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	ids, err := d.source.PendingWorkspaces(ctx, d.cfg.ProcessBatchSize)
	if err != nil {
		return 0, err
	}
	return d.submit(ctx, queue.KindProcess, ids)
}

// DispatchSyncs submits sync jobs for workspaces changed since their last
// sync and announces each as queued.
func (d *Dispatcher) DispatchSyncs(ctx context.Context) (int, error) {
	if d.syncs == nil {
		return 0, nil
	}
	ids, err := d.source.WorkspacesNeedingSync(ctx, d.cfg.SyncBatchSize)
	if err != nil {
		return 0, err
	}
	return d.submit(ctx, queue.KindSync, ids)
}

func (d *Dispatcher) submit(ctx context.Context, kind queue.JobKind, ids []int64) (int, error) {
	submitted := 0
	for _, id := range ids {
		err := d.queue.Submit(queue.Job{Kind: kind, WorkspaceID: id})
		switch {
		case err == nil:
			submitted++
			if kind == queue.KindSync {
				d.syncs.MarkQueued(ctx, id)
			}
		case errors.Is(err, queue.ErrAlreadyQueued):
		case errors.Is(err, queue.ErrQueueFull):
			slog.Warn("Job queue full, deferring dispatch", "kind", kind, "submitted", submitted)
			return submitted, nil
		default:
			return submitted, err
		}
	}
	if submitted > 0 {
		slog.Info("Dispatched jobs", "kind", kind, "count", submitted)
	}
	return submitted, nil
}
