package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pdfmap/jobstream/pkg/crm"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/pipeline"
	"github.com/pdfmap/jobstream/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeProcessor struct {
	ran chan int64
}

func (f *fakeProcessor) Run(_ context.Context, id int64) (pipeline.RunOutcome, error) {
	f.ran <- id
	return pipeline.OutcomeOK, nil
}

type fakeSyncer struct {
	ran chan int64
	err error
}

func (f *fakeSyncer) SyncWorkspaceTree(_ context.Context, id int64) (*crm.Report, error) {
	f.ran <- id
	if f.err != nil {
		return nil, f.err
	}
	return &crm.Report{ProjectID: "1"}, nil
}

// blockingPageRunner runs until its context ends and reports the cause.
type blockingPageRunner struct {
	started chan string
	causes  chan error
}

func (f *blockingPageRunner) Run(ctx context.Context, page *models.PageImage) error {
	f.started <- page.TaskID
	<-ctx.Done()
	f.causes <- context.Cause(ctx)
	return nil
}

func testPool(t *testing.T, db *gorm.DB, runners Runners) *WorkerPool {
	t.Helper()
	cfg := testQueueConfig()
	cfg.WorkerCount = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.OrphanDetectionInterval = 0
	var store *pipeline.Store
	if db != nil {
		store = pipeline.NewStore(db)
	}
	return NewWorkerPool("pod-1", store, nil, cfg, runners)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker")
		var zero T
		return zero
	}
}

func TestPoolRegisterAndCancelTask(t *testing.T) {
	pool := testPool(t, nil, Runners{})

	ctx, cancel := context.WithCancelCause(context.Background())
	pool.RegisterTask("task-1", cancel)

	assert.True(t, pool.CancelTask("task-1"))
	assert.Error(t, ctx.Err())
	assert.ErrorIs(t, context.Cause(ctx), pipeline.ErrCanceled)

	assert.False(t, pool.CancelTask("unknown"))
}

func TestPoolUnregisterTask(t *testing.T) {
	pool := testPool(t, nil, Runners{})

	_, cancel := context.WithCancelCause(context.Background())
	pool.RegisterTask("task-1", cancel)
	assert.Equal(t, 1, pool.activeCount())

	pool.UnregisterTask("task-1")
	assert.False(t, pool.CancelTask("task-1"))
	assert.Zero(t, pool.activeCount())
}

func TestPoolGetActiveTaskIDs(t *testing.T) {
	pool := testPool(t, nil, Runners{})
	assert.Empty(t, pool.getActiveTaskIDs())

	_, cancel1 := context.WithCancelCause(context.Background())
	defer cancel1(nil)
	_, cancel2 := context.WithCancelCause(context.Background())
	defer cancel2(nil)
	pool.RegisterTask("task-a", cancel1)
	pool.RegisterTask("task-b", cancel2)

	ids := pool.getActiveTaskIDs()
	require.Len(t, ids, 2)
	assert.Contains(t, ids, "task-a")
	assert.Contains(t, ids, "task-b")
}

func TestPoolSubmit(t *testing.T) {
	runners := Runners{Processor: &fakeProcessor{}, Syncer: &fakeSyncer{}}

	t.Run("deduplicates by task", func(t *testing.T) {
		pool := testPool(t, nil, runners)
		require.NoError(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 1}))
		assert.ErrorIs(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 1}), ErrAlreadyQueued)
		require.NoError(t, pool.Submit(Job{Kind: KindSync, WorkspaceID: 1}))

		pool.done(Job{Kind: KindProcess, WorkspaceID: 1})
		require.NoError(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 1}))
	})

	t.Run("full buffer", func(t *testing.T) {
		pool := testPool(t, nil, runners)
		pool.jobs = make(chan Job, 1)
		require.NoError(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 1}))
		assert.ErrorIs(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 2}), ErrQueueFull)
	})

	t.Run("missing runner", func(t *testing.T) {
		pool := testPool(t, nil, Runners{})
		assert.ErrorIs(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 1}), ErrNoRunner)
		assert.ErrorIs(t, pool.Submit(Job{Kind: KindSync, WorkspaceID: 1}), ErrNoRunner)
		assert.ErrorIs(t, pool.Submit(Job{Kind: "other", WorkspaceID: 1}), ErrNoRunner)
	})

	t.Run("stopped", func(t *testing.T) {
		pool := testPool(t, nil, runners)
		pool.Stop()
		assert.ErrorIs(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 1}), ErrStopped)
	})
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	pool := testPool(t, nil, Runners{})
	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestPoolRunsWorkspaceJobs(t *testing.T) {
	db := util.NewSQLiteDB(t)
	processor := &fakeProcessor{ran: make(chan int64, 1)}
	syncer := &fakeSyncer{ran: make(chan int64, 1), err: crm.ErrSyncInProgress}
	pool := testPool(t, db, Runners{Processor: processor, Syncer: syncer})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: 7}))
	require.NoError(t, pool.Submit(Job{Kind: KindSync, WorkspaceID: 8}))

	assert.Equal(t, int64(7), receive(t, processor.ran))
	assert.Equal(t, int64(8), receive(t, syncer.ran))

	assert.Eventually(t, func() bool {
		return pool.Submit(Job{Kind: KindProcess, WorkspaceID: 7}) == nil
	}, 5*time.Second, 10*time.Millisecond, "finished job releases its slot")
	assert.Equal(t, int64(7), receive(t, processor.ran))
}

func TestPoolCancelsRunningPageJob(t *testing.T) {
	db := util.NewSQLiteDB(t)
	ws := models.Workspace{UserID: 1, Name: "a.pdf", PipelineState: models.PipelineSucceeded}
	require.NoError(t, db.Create(&ws).Error)
	page := models.PageImage{WorkspaceID: ws.ID, PageNumber: 1, ExtractStatus: models.ExtractQueued, TaskID: "task-p1"}
	require.NoError(t, db.Create(&page).Error)

	runner := &blockingPageRunner{started: make(chan string, 1), causes: make(chan error, 1)}
	pool := testPool(t, db, Runners{PageJobs: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	assert.Equal(t, "task-p1", receive(t, runner.started))
	var claimed models.PageImage
	require.NoError(t, db.First(&claimed, page.ID).Error)
	assert.Equal(t, models.ExtractProcessing, claimed.ExtractStatus)

	assert.Eventually(t, func() bool { return pool.CancelTask("task-p1") }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, receive(t, runner.causes), pipeline.ErrCanceled)
}

func TestPoolHealth(t *testing.T) {
	db := util.NewSQLiteDB(t)
	ws := models.Workspace{UserID: 1, Name: "a.pdf"}
	require.NoError(t, db.Create(&ws).Error)
	require.NoError(t, db.Create(&models.PageImage{WorkspaceID: ws.ID, PageNumber: 1, ExtractStatus: models.ExtractQueued, TaskID: "t"}).Error)

	pool := testPool(t, db, Runners{Processor: &fakeProcessor{}})
	pool.workers = []*Worker{NewWorker("w-0", "pod-1", pool.store, pool.config, pool.runners, pool, pool.jobs)}
	require.NoError(t, pool.Submit(Job{Kind: KindProcess, WorkspaceID: ws.ID}))

	h := pool.Health(context.Background())
	assert.True(t, h.IsHealthy)
	assert.True(t, h.DBReachable)
	assert.Equal(t, "pod-1", h.PodID)
	assert.Equal(t, 1, h.TotalWorkers)
	assert.Zero(t, h.ActiveWorkers)
	assert.EqualValues(t, 1, h.QueuedPageJobs)
	assert.Equal(t, 1, h.BufferedJobs)
	assert.Equal(t, 2, h.MaxConcurrent)
}

func TestOrphanRecovery(t *testing.T) {
	db := util.NewSQLiteDB(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	stale := models.Workspace{UserID: 1, Name: "stale.pdf", PipelineState: models.PipelineRunning, PipelineStep: models.StepTilePages}
	fresh := models.Workspace{UserID: 1, Name: "fresh.pdf", PipelineState: models.PipelineRunning}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Create(&fresh).Error)
	require.NoError(t, db.Model(&models.Workspace{}).Where("id = ?", stale.ID).UpdateColumn("updated_at", old).Error)

	page := models.PageImage{WorkspaceID: fresh.ID, PageNumber: 1, ExtractStatus: models.ExtractProcessing, TaskID: "task-old"}
	require.NoError(t, db.Create(&page).Error)
	require.NoError(t, db.Model(&models.PageImage{}).Where("id = ?", page.ID).UpdateColumn("updated_at", old).Error)

	projector := jobstatus.NewProjector(db, events.NewSequencer(events.NewMemoryCounterStore()), nil)
	notifier := pipeline.NewNotifier(projector, pipeline.NotifierOptions{})
	pool := testPool(t, db, Runners{})
	pool.notifier = notifier
	pool.config.OrphanThreshold = 5 * time.Minute

	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	var got models.Workspace
	require.NoError(t, db.First(&got, stale.ID).Error)
	assert.Equal(t, models.PipelineFailed, got.PipelineState)
	assert.Equal(t, models.StepTilePages, got.PipelineStep)
	assert.Contains(t, got.PipelineError, "Orphaned")

	var gotFresh models.Workspace
	require.NoError(t, db.First(&gotFresh, fresh.ID).Error)
	assert.Equal(t, models.PipelineRunning, gotFresh.PipelineState)
	assert.Empty(t, gotFresh.PipelineError)

	var gotPage models.PageImage
	require.NoError(t, db.First(&gotPage, page.ID).Error)
	assert.Equal(t, models.ExtractFailed, gotPage.ExtractStatus)

	var rows []models.JobStatus
	require.NoError(t, db.Order("task_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.JobStateFailure, row.State, row.TaskID)
	}

	h := pool.Health(ctx)
	assert.Equal(t, 2, h.OrphansRecovered)
	assert.False(t, h.LastOrphanScan.IsZero())

	t.Run("second scan finds nothing", func(t *testing.T) {
		require.NoError(t, pool.detectAndRecoverOrphans(ctx))
		assert.Equal(t, 2, pool.Health(ctx).OrphansRecovered)
	})
}

func TestJobTaskID(t *testing.T) {
	assert.Equal(t, "12", Job{Kind: KindProcess, WorkspaceID: 12}.TaskID())
	assert.Equal(t, "sync-12", Job{Kind: KindSync, WorkspaceID: 12}.TaskID())
}

// Compile-time checks for the runners wired in main.
var (
	_ pipeline.Revoker   = (*WorkerPool)(nil)
	_ WorkspaceProcessor = (*pipeline.Processor)(nil)
	_ WorkspaceSyncer    = (*crm.SyncService)(nil)
	_ PageJobRunner      = (*pipeline.PageJobs)(nil)
)
