package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pdfmap/jobstream/pkg/config"
	"github.com/pdfmap/jobstream/pkg/pipeline"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	store    *pipeline.Store
	notifier *pipeline.Notifier
	config   *config.QueueConfig
	runners  Runners
	jobs     chan Job
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu sync.RWMutex
	// Task cancel registry: task_id → cancel function
	activeTasks map[string]context.CancelCauseFunc
	// Jobs buffered or running, by task id
	pending map[string]struct{}
	started bool
	stopped bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool. notifier may be nil; orphan
// recovery then updates rows without emitting events.
func NewWorkerPool(podID string, store *pipeline.Store, notifier *pipeline.Notifier, cfg *config.QueueConfig, runners Runners) *WorkerPool {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}
	return &WorkerPool{
		podID:       podID,
		store:       store,
		notifier:    notifier,
		config:      cfg,
		runners:     runners,
		jobs:        make(chan Job, buffer),
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]context.CancelCauseFunc),
		pending:     make(map[string]struct{}),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.runners, p, p.jobs)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting; buffered jobs are
// dropped and picked up again by the next dispatch.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	active := p.getActiveTaskIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active),
			"task_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// Submit buffers a workspace job. A job whose task is already buffered or
// running is rejected with ErrAlreadyQueued.
func (p *WorkerPool) Submit(job Job) error {
	switch job.Kind {
	case KindProcess:
		if p.runners.Processor == nil {
			return fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
		}
	case KindSync:
		if p.runners.Syncer == nil {
			return fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrNoRunner, job.Kind)
	}

	taskID := job.TaskID()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if _, ok := p.pending[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, taskID)
	}
	select {
	case p.jobs <- job:
		p.pending[taskID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// done releases the dedupe slot of a finished job.
func (p *WorkerPool) done(job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, job.TaskID())
}

// RegisterTask stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterTask(taskID string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = cancel
}

// UnregisterTask removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask cancels a task running on this pod with pipeline.ErrCanceled
// as the cause. Returns true if the task was found. Implements
// pipeline.Revoker.
func (p *WorkerPool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel(pipeline.ErrCanceled)
		return true
	}
	return false
}

// activeCount returns the number of jobs running on this pod.
func (p *WorkerPool) activeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.activeTasks)
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	queued, errQ := p.store.QueuedPageJobs(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID,
			"error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	activeJobs := p.activeCount()
	dbHealthy := errQ == nil
	isHealthy := len(p.workers) > 0 && activeJobs <= p.config.MaxConcurrentJobs && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveJobs:       activeJobs,
		MaxConcurrent:    p.config.MaxConcurrentJobs,
		QueuedPageJobs:   queued,
		BufferedJobs:     len(p.jobs),
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// getActiveTaskIDs returns IDs of currently running tasks (for logging).
func (p *WorkerPool) getActiveTaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tasks := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		tasks = append(tasks, id)
	}
	return tasks
}
