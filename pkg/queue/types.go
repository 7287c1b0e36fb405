// Package queue runs workspace pipelines, CRM syncs and page region jobs on
// a pool of workers.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/pdfmap/jobstream/pkg/crm"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/pipeline"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates nothing is waiting to run.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates the concurrent job limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrAlreadyQueued indicates the same job is already waiting or running.
	ErrAlreadyQueued = errors.New("job already queued")

	// ErrQueueFull indicates the job buffer is full.
	ErrQueueFull = errors.New("job queue full")

	// ErrNoRunner indicates no runner is configured for the job kind.
	ErrNoRunner = errors.New("no runner for job kind")

	// ErrStopped indicates the pool no longer accepts jobs.
	ErrStopped = errors.New("worker pool stopped")
)

// JobKind selects what a Job does with its workspace.
type JobKind string

const (
	KindProcess JobKind = "process"
	KindSync    JobKind = "sync"
)

// Job is a workspace-level unit of work handed to the pool. Page region
// jobs are not Jobs; workers claim them from the database.
type Job struct {
	Kind        JobKind
	WorkspaceID int64
}

// TaskID is the job status task id of the job, matching the ids used by
// pipeline.WorkspaceTask and pipeline.SyncTask.
func (j Job) TaskID() string {
	id := strconv.FormatInt(j.WorkspaceID, 10)
	if j.Kind == KindSync {
		return "sync-" + id
	}
	return id
}

// WorkspaceProcessor runs the pipeline of one workspace.
// Implemented by pipeline.Processor.
type WorkspaceProcessor interface {
	Run(ctx context.Context, workspaceID int64) (pipeline.RunOutcome, error)
}

// WorkspaceSyncer pushes one workspace tree to the CRM.
// Implemented by crm.SyncService.
type WorkspaceSyncer interface {
	SyncWorkspaceTree(ctx context.Context, workspaceID int64) (*crm.Report, error)
}

// PageJobRunner runs a claimed page region job.
// Implemented by pipeline.PageJobs.
type PageJobRunner interface {
	Run(ctx context.Context, page *models.PageImage) error
}

// Runners are the job implementations. A nil runner disables its kind.
type Runners struct {
	Processor WorkspaceProcessor
	Syncer    WorkspaceSyncer
	PageJobs  PageJobRunner
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueuedPageJobs   int64          `json:"queued_page_jobs"`
	BufferedJobs     int            `json:"buffered_jobs"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}
