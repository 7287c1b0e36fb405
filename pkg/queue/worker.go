package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pdfmap/jobstream/pkg/config"
	"github.com/pdfmap/jobstream/pkg/crm"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/pipeline"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// TaskRegistry is the subset of WorkerPool used by Worker for task
// registration.
type TaskRegistry interface {
	RegisterTask(taskID string, cancel context.CancelCauseFunc)
	UnregisterTask(taskID string)
	activeCount() int
	done(job Job)
}

// Worker is a single queue worker. It claims queued page jobs from the
// database and takes workspace jobs from the pool's buffer.
type Worker struct {
	id       string
	podID    string
	store    *pipeline.Store
	config   *config.QueueConfig
	runners  Runners
	pool     TaskRegistry
	jobs     <-chan Job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentTaskID string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, store *pipeline.Store, cfg *config.QueueConfig, runners Runners, pool TaskRegistry, jobs <-chan Job) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		runners:      runners,
		pool:         pool,
		jobs:         jobs,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        w.status,
		CurrentTaskID: w.currentTaskID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			err := w.pollAndProcess(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrNoJobsAvailable):
				w.wait(ctx)
			case errors.Is(err, ErrAtCapacity):
				w.sleep(w.pollInterval())
			default:
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// wait idles until the next poll, running a workspace job if one is
// buffered in the meantime.
func (w *Worker) wait(ctx context.Context) {
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-time.After(w.pollInterval()):
	case job := <-w.jobs:
		select {
		case <-w.stopCh:
			w.pool.done(job)
		default:
			w.runJob(ctx, job)
		}
	}
}

// pollAndProcess checks capacity, then runs a queued page job or a
// buffered workspace job.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	if w.pool.activeCount() >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	if w.runners.PageJobs != nil && w.store != nil {
		page, err := w.store.ClaimNextPageJob(ctx)
		if err != nil {
			return fmt.Errorf("claiming page job: %w", err)
		}
		if page != nil {
			w.runPageJob(ctx, page)
			return nil
		}
	}

	select {
	case job := <-w.jobs:
		w.runJob(ctx, job)
		return nil
	default:
		return ErrNoJobsAvailable
	}
}

// runPageJob runs a claimed page job. Its task id is registered so a
// page cancel can revoke it.
func (w *Worker) runPageJob(ctx context.Context, page *models.PageImage) {
	log := slog.With("task_id", page.TaskID, "page_id", page.ID, "worker_id", w.id)
	log.Info("Page job claimed")

	err := w.execute(ctx, page.TaskID,
		func(ctx context.Context) error { return w.store.TouchPage(ctx, page.ID) },
		func(ctx context.Context) error { return w.runners.PageJobs.Run(ctx, page) },
	)
	if err != nil {
		log.Warn("Page job ended with error", "error", err)
		return
	}
	log.Info("Page job complete")
}

// runJob runs a workspace job taken from the buffer.
func (w *Worker) runJob(ctx context.Context, job Job) {
	defer w.pool.done(job)
	taskID := job.TaskID()
	log := slog.With("task_id", taskID, "kind", job.Kind, "worker_id", w.id)

	var err error
	switch job.Kind {
	case KindProcess:
		err = w.execute(ctx, taskID,
			func(ctx context.Context) error { return w.store.Touch(ctx, job.WorkspaceID) },
			func(ctx context.Context) error {
				outcome, err := w.runners.Processor.Run(ctx, job.WorkspaceID)
				if err == nil {
					log.Info("Workspace run finished", "outcome", outcome)
				}
				return err
			})
	case KindSync:
		err = w.execute(ctx, taskID, nil, func(ctx context.Context) error {
			report, err := w.runners.Syncer.SyncWorkspaceTree(ctx, job.WorkspaceID)
			if errors.Is(err, crm.ErrSyncInProgress) {
				log.Info("Sync already running elsewhere")
				return nil
			}
			if err == nil && report != nil {
				log.Info("Workspace sync finished", "project_id", report.ProjectID, "up_to_date", report.UpToDate)
			}
			return err
		})
	default:
		err = fmt.Errorf("%w: %q", ErrNoRunner, job.Kind)
	}
	if err != nil {
		log.Error("Job failed", "error", err)
	}
}

// execute runs fn under the job timeout with a registered cancel and an
// optional heartbeat.
func (w *Worker) execute(ctx context.Context, taskID string, heartbeat, fn func(context.Context) error) error {
	w.setStatus(WorkerStatusWorking, taskID)
	defer w.setStatus(WorkerStatusIdle, "")

	baseCtx, cancelBase := ctx, context.CancelFunc(func() {})
	if w.config.JobTimeout > 0 {
		baseCtx, cancelBase = context.WithTimeout(ctx, w.config.JobTimeout)
	}
	defer cancelBase()
	jobCtx, cancelJob := context.WithCancelCause(baseCtx)
	defer cancelJob(nil)

	w.pool.RegisterTask(taskID, cancelJob)
	defer w.pool.UnregisterTask(taskID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	if heartbeat != nil {
		go w.runHeartbeat(heartbeatCtx, taskID, heartbeat)
	}

	err := fn(jobCtx)
	cancelHeartbeat()

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return err
}

// runHeartbeat periodically bumps the job's row for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string, beat func(context.Context) error) {
	if w.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := beat(ctx); err != nil {
				slog.Warn("Heartbeat update failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
