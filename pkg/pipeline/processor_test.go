package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/segmentation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (func(), error) {
	return nil, nil
}

type recordingLocker struct {
	keys     []string
	released int
}

func (l *recordingLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.keys = append(l.keys, key)
	return func() { l.released++ }, nil
}

func twoPatterns() []segmentation.Pattern {
	return []segmentation.Pattern{
		{PolygonID: 1, TotalVertices: 3, Vertices: [][]float64{{0, 0}, {10, 0}, {10, 10}}},
		{PolygonID: 2, TotalVertices: 3, Vertices: [][]float64{{5, 5}, {6, 5}, {6, 6}}},
	}
}

func newProcessor(f *fixture, seg Segmenter, locker Locker, after func(context.Context, int64)) *Processor {
	return NewProcessor(f.store, f.notifier, nil, seg, locker, ProcessorOptions{
		Media:        f.media,
		Tiles:        TileOptions{MaxZoom: 1, TileSize: 256},
		AfterSuccess: after,
	})
}

func TestProcessor_Run(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	upload := f.writePages(t, "uploads/plans", 2, 300, 200)
	ws := f.workspace(t, models.Workspace{UploadedPDF: upload})
	seg := &fakeSegmenter{patterns: twoPatterns()}
	locker := &recordingLocker{}
	var chained []int64
	p := newProcessor(f, seg, locker, func(_ context.Context, id int64) { chained = append(chained, id) })

	outcome, err := p.Run(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, []string{WorkspaceLockKey(ws.ID)}, locker.keys)
	assert.Equal(t, 1, locker.released)
	assert.Equal(t, []int64{ws.ID}, chained)

	stored := f.reload(t, ws.ID)
	assert.Equal(t, models.PipelineSucceeded, stored.PipelineState)
	assert.Equal(t, models.StepFinished, stored.PipelineStep)
	assert.Equal(t, 100, stored.PipelineProgress)
	assert.Equal(t, models.LegacyStatusReady, stored.Status)
	assert.Equal(t, models.ProjectScalingPending, stored.ProjectStatus)

	t.Run("pages and assets", func(t *testing.T) {
		var pages []models.PageImage
		require.NoError(t, f.db.Where("workspace_id = ?", ws.ID).Order("page_number").Find(&pages).Error)
		require.Len(t, pages, 2)
		for i, page := range pages {
			n := i + 1
			assert.Equal(t, n, page.PageNumber)
			assert.Equal(t, 300, page.Width)
			assert.Equal(t, 200, page.Height)
			assert.Equal(t, 100, page.DPI)
			assert.Equal(t, f.media.PageImage(ws.ID, n), page.Image)
			assert.FileExists(t, f.media.Abs(page.Image))
			assert.FileExists(t, filepath.Join(f.media.Abs(f.media.TileDir(ws.ID, n)), "1", "1", "0.jpg"))
			assert.FileExists(t, f.media.Abs(f.media.FullPage(ws.ID, n)))
			assert.FileExists(t, f.media.Abs(f.media.Thumbnail(ws.ID, n)))
		}

		var count int64
		require.NoError(t, f.db.Model(&models.Polygon{}).Where("workspace_id = ?", ws.ID).Count(&count).Error)
		assert.Equal(t, int64(4), count)
		assert.Equal(t, 2, seg.calls())
		assert.Equal(t, segmentation.DefaultMethod, seg.requests[0].Method)
		assert.Equal(t, "page_1.jpg", seg.requests[0].FileName)
	})

	t.Run("events follow the progress budget", func(t *testing.T) {
		taskID := ws.ProjectID()
		types := f.applier.types(taskID)
		require.NotEmpty(t, types)
		assert.Equal(t, events.EventTaskStarted, types[0])
		assert.Equal(t, events.EventTaskCompleted, types[len(types)-1])

		var progress []int
		for _, req := range f.applier.requests() {
			if req.EventType == events.EventTaskProgress {
				progress = append(progress, req.Meta["pipeline_progress"].(int))
			}
		}
		assert.Equal(t, []int{5, 15, 45, 75, 60, 90, 95}, progress)

		last := f.applier.requests()[len(f.applier.requests())-1]
		assert.Equal(t, map[string]any{"pages": 2, "polygons": 4, "project_status": "scaling_pending"}, last.Meta["result"])
		assert.Equal(t, "/api/workspaces/"+taskID+"/", last.DetailURL)

		var row models.JobStatus
		require.NoError(t, f.db.First(&row, "task_id = ?", taskID).Error)
		assert.Equal(t, models.JobStateSuccess, row.State)
		assert.Equal(t, 100, row.Pct)
		assert.Equal(t, int64(len(types)), row.Seq)
	})

	t.Run("finished workspace is not reclaimed", func(t *testing.T) {
		outcome, err := p.Run(ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
		assert.Equal(t, 2, seg.calls())
		assert.Len(t, chained, 1)
	})
}

func TestProcessor_RunLocked(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, models.Workspace{UploadedPDF: f.writePages(t, "up", 1, 50, 50)})
	p := newProcessor(f, &fakeSegmenter{}, heldLocker{}, nil)

	outcome, err := p.Run(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, outcome)

	stored := f.reload(t, ws.ID)
	assert.Equal(t, models.PipelineIdle, stored.PipelineState)
	assert.Empty(t, f.applier.requests())
}

func TestProcessor_RunFailure(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, models.Workspace{UploadedPDF: "uploads/missing.pdf", UserID: 8})
	var chained bool
	p := newProcessor(f, &fakeSegmenter{}, nil, func(context.Context, int64) { chained = true })

	outcome, err := p.Run(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, chained)

	stored := f.reload(t, ws.ID)
	assert.Equal(t, models.PipelineFailed, stored.PipelineState)
	assert.Equal(t, models.StepLoadPDF, stored.PipelineStep)
	assert.Equal(t, 5, stored.PipelineProgress)
	assert.Contains(t, stored.PipelineError, "missing.pdf")
	assert.Equal(t, models.LegacyStatusFailed, stored.Status)

	reqs := f.applier.requests()
	failed := reqs[len(reqs)-1]
	assert.Equal(t, events.EventTaskFailed, failed.EventType)
	assert.Equal(t, "load_pdf", failed.Meta["pipeline_step"])
	assert.NotEmpty(t, failed.Meta["error"])

	var row models.JobStatus
	require.NoError(t, f.db.First(&row, "task_id = ?", ws.ProjectID()).Error)
	assert.Equal(t, models.JobStateFailure, row.State)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.EventNotification, published[0].EventType)
	assert.Equal(t, "error", published[0].Meta["level"])

	var notes []models.Notification
	require.NoError(t, f.db.Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, int64(8), notes[0].UserID)
	assert.Equal(t, "Processing failed", notes[0].Title)

	t.Run("failed workspace can be claimed again", func(t *testing.T) {
		res, err := f.store.ClaimWorkspace(context.Background(), ws.ID)
		require.NoError(t, err)
		assert.Equal(t, ClaimClaimed, res)
	})
}

func TestProcessor_SegmentationErrorsDoNotFailThePage(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, models.Workspace{UploadedPDF: f.writePages(t, "up", 2, 60, 40)})
	seg := &fakeSegmenter{err: &segmentation.StatusError{StatusCode: 500, Body: "oops"}}
	p := newProcessor(f, seg, nil, nil)

	outcome, err := p.Run(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, 2, seg.calls())

	var count int64
	require.NoError(t, f.db.Model(&models.Polygon{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, models.PipelineSucceeded, f.reload(t, ws.ID).PipelineState)
}

func TestProcessor_NoSegmenter(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, models.Workspace{UploadedPDF: f.writePages(t, "up", 1, 60, 40)})
	p := newProcessor(f, nil, nil, nil)

	outcome, err := p.Run(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, outcome)
}

func TestProcessor_Canceled(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, models.Workspace{UploadedPDF: f.writePages(t, "up", 2, 60, 40)})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	seg := &fakeSegmenter{
		patterns: twoPatterns(),
		hook:     func(context.Context) { cancel(ErrCanceled) },
	}
	p := newProcessor(f, seg, nil, nil)

	outcome, err := p.Run(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, outcome)
	assert.Equal(t, 1, seg.calls(), "second page never starts")

	stored := f.reload(t, ws.ID)
	assert.Equal(t, models.PipelineCanceled, stored.PipelineState)
	assert.Equal(t, ErrCanceled.Error(), stored.PipelineError)

	reqs := f.applier.requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, events.EventTaskFailed, last.EventType)
	assert.Equal(t, true, last.Meta["canceled"])

	var row models.JobStatus
	require.NoError(t, f.db.First(&row, "task_id = ?", ws.ProjectID()).Error)
	assert.Equal(t, models.JobStateCanceled, row.State)
	assert.Empty(t, f.publisher.published(), "cancellation does not notify")
}

func TestProcessor_ShutdownFailsTheRun(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, models.Workspace{UploadedPDF: f.writePages(t, "up", 2, 60, 40)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seg := &fakeSegmenter{hook: func(context.Context) { cancel() }}
	p := newProcessor(f, seg, nil, nil)

	outcome, err := p.Run(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored := f.reload(t, ws.ID)
	assert.Equal(t, models.PipelineFailed, stored.PipelineState)
	assert.Contains(t, stored.PipelineError, context.Canceled.Error())
}

func TestPolygonRows(t *testing.T) {
	rows, err := polygonRows(1, 2, twoPatterns()[:1], image.Pt(100, 50))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].PolygonID)
	assert.Equal(t, 3, rows[0].TotalVertices)

	var vertices [][]float64
	require.NoError(t, json.Unmarshal(rows[0].Vertices, &vertices))
	assert.Equal(t, [][]float64{{100, 50}, {110, 50}, {110, 60}}, vertices)
}
