package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/segmentation"
	"gorm.io/datatypes"
)

// Page job errors.
var (
	ErrNotCancelable       = errors.New("page job is not cancelable")
	ErrInvalidRegion       = errors.New("invalid page region")
	ErrSegmenterNotEnabled = errors.New("segmentation is not configured")
)

// Revoker stops an in-flight task. Implemented by the worker pool.
type Revoker interface {
	CancelTask(taskID string) bool
}

// Region is the stored request of a page region job.
type Region struct {
	RectPoints         [][2]float64 `json:"rect_points"`
	SegmentationMethod string       `json:"segmentation_method"`
	DPI                int          `json:"dpi"`
	RequestedBy        int64        `json:"requested_by"`
}

// Bounds returns the pixel rectangle covered by the points on a page
// rendered at pageDPI.
func (r Region) Bounds(pageDPI int) image.Rectangle {
	scale := 1.0
	if r.DPI > 0 && pageDPI > 0 {
		scale = float64(pageDPI) / float64(r.DPI)
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pt := range r.RectPoints {
		minX, maxX = math.Min(minX, pt[0]), math.Max(maxX, pt[0])
		minY, maxY = math.Min(minY, pt[1]), math.Max(maxY, pt[1])
	}
	if len(r.RectPoints) == 0 {
		return image.Rectangle{}
	}
	return image.Rect(
		int(math.Floor(minX*scale)), int(math.Floor(minY*scale)),
		int(math.Ceil(maxX*scale)), int(math.Ceil(maxY*scale)),
	)
}

// PageJobs submits, runs and cancels page region extraction jobs.
type PageJobs struct {
	store     *Store
	notifier  *Notifier
	segmenter Segmenter
	media     Media

	mu      sync.RWMutex
	revoker Revoker
}

// NewPageJobs creates PageJobs.
func NewPageJobs(store *Store, notifier *Notifier, segmenter Segmenter, media Media) *PageJobs {
	return &PageJobs{store: store, notifier: notifier, segmenter: segmenter, media: media}
}

// SetRevoker wires the worker pool after construction.
func (j *PageJobs) SetRevoker(r Revoker) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.revoker = r
}

func (j *PageJobs) revoke(taskID string) bool {
	j.mu.RLock()
	r := j.revoker
	j.mu.RUnlock()
	return r != nil && r.CancelTask(taskID)
}

// SubmitPageRegion queues a region job on an existing page and announces
// it. A page that already has a job gets a new one; the old job is
// revoked and its late writes no longer match the page's task id.
// Implements events.PageRegionSubmitter.
func (j *PageJobs) SubmitPageRegion(ctx context.Context, req events.PageRegionRequest) (string, error) {
	wsID, err := strconv.ParseInt(strings.TrimSpace(req.WorkspaceID), 10, 64)
	if err != nil || wsID <= 0 {
		return "", fmt.Errorf("%w: workspace %q", ErrPageNotFound, req.WorkspaceID)
	}
	ws, err := j.store.GetWorkspace(ctx, wsID)
	if errors.Is(err, ErrWorkspaceNotFound) {
		return "", fmt.Errorf("%w: workspace %d", ErrPageNotFound, wsID)
	}
	if err != nil {
		return "", err
	}
	page, err := j.store.GetPage(ctx, wsID, req.PageNumber)
	if err != nil {
		return "", err
	}

	region := Region{
		RectPoints:         req.RectPoints,
		SegmentationMethod: req.SegmentationMethod,
		DPI:                req.DPI,
		RequestedBy:        req.UserID,
	}
	if region.Bounds(page.DPI).Empty() {
		return "", fmt.Errorf("%w: rect_points cover no area", ErrInvalidRegion)
	}
	raw, err := json.Marshal(region)
	if err != nil {
		return "", fmt.Errorf("failed to encode region: %w", err)
	}

	previous := page.TaskID
	taskID := uuid.NewString()
	if err := j.store.QueuePageJob(ctx, page.ID, taskID, datatypes.JSON(raw)); err != nil {
		return "", err
	}
	if previous != "" && page.ExtractStatus.Cancelable() {
		j.revoke(previous)
	}
	page.TaskID = taskID
	page.ExtractStatus = models.ExtractQueued

	j.notifier.emitPage(ctx, PageTask(ws, page, taskID), page, events.EventTaskQueued, map[string]any{
		"extract_status": string(models.ExtractQueued),
		"message":        "Page region queued",
		"requested_by":   req.UserID,
	})
	slog.Info("Page region job queued", "task_id", taskID, "workspace_id", wsID, "page_number", req.PageNumber)
	return taskID, nil
}

// Run executes a claimed page job (already PROCESSING). A cancel that
// lands before the final transition wins: the job then ends without a
// completion event.
func (j *PageJobs) Run(ctx context.Context, page *models.PageImage) error {
	log := slog.With("task_id", page.TaskID, "page_id", page.ID)
	ws, err := j.store.GetWorkspace(ctx, page.WorkspaceID)
	if err != nil {
		return err
	}
	ref := PageTask(ws, page, page.TaskID)

	j.notifier.emitPage(ctx, ref, page, events.EventTaskStarted, map[string]any{
		"extract_status": string(models.ExtractProcessing),
		"message":        "Page region processing started",
	})

	count, err := j.extract(ctx, ws, page, func(percent int, step, message string) {
		// A canceled or replaced job stops reporting progress.
		if active, err := j.store.PageJobActive(ctx, page.ID, page.TaskID); err == nil && !active {
			return
		}
		j.notifier.emitPage(ctx, ref, page, events.EventTaskProgress, map[string]any{
			"progress_percent": percent,
			"step":             step,
			"message":          message,
			"timestamp":        nowMillis(),
		})
	})

	finalCtx, cancel := finalContext(ctx)
	defer cancel()
	processing := []models.ExtractStatus{models.ExtractProcessing}

	if err != nil {
		moved, terr := j.store.TransitionPage(finalCtx, page.ID, page.TaskID, processing, models.ExtractFailed)
		if terr != nil {
			log.Error("Failed to record page job failure", "error", terr)
		}
		if !moved {
			log.Info("Page job ended after cancellation", "error", err)
			return nil
		}
		log.Warn("Page job failed", "error", err)
		j.notifier.emitPage(finalCtx, ref, page, events.EventTaskFailed, map[string]any{
			"extract_status": string(models.ExtractFailed),
			"error":          err.Error(),
			"message":        "Page region processing failed",
		})
		return err
	}

	moved, err := j.store.TransitionPage(finalCtx, page.ID, page.TaskID, processing, models.ExtractFinished)
	if err != nil {
		return err
	}
	if !moved {
		log.Info("Page job completed after cancellation, dropping result")
		return nil
	}
	j.notifier.emitPage(finalCtx, ref, page, events.EventTaskCompleted, map[string]any{
		"extract_status": string(models.ExtractFinished),
		"message":        "Page region processed",
		"result":         map[string]any{"polygons": count},
	})
	return nil
}

func (j *PageJobs) extract(ctx context.Context, ws *models.Workspace, page *models.PageImage, progress func(int, string, string)) (int, error) {
	if j.segmenter == nil {
		return 0, ErrSegmenterNotEnabled
	}
	var region Region
	if err := json.Unmarshal(page.AnalyzeRegion, &region); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRegion, err)
	}

	progress(20, "crop_region", "Cropping region")
	img, err := decodeImageFile(j.media.Abs(page.Image))
	if err != nil {
		return 0, err
	}
	rect := region.Bounds(page.DPI).Add(img.Bounds().Min).Intersect(img.Bounds())
	if rect.Empty() {
		return 0, fmt.Errorf("%w: region outside the page", ErrInvalidRegion)
	}
	data, err := EncodeJPEG(Crop(img, rect), FullPageQuality)
	if err != nil {
		return 0, err
	}

	progress(50, "segment", "Extracting polygons")
	res, err := j.segmenter.Segment(ctx, segmentation.Request{
		Image:    data,
		FileName: fmt.Sprintf("page_%d_region.jpg", page.PageNumber),
		Method:   region.SegmentationMethod,
	})
	if err != nil {
		if cause := interrupted(ctx); cause != nil {
			return 0, cause
		}
		return 0, err
	}
	if cause := interrupted(ctx); cause != nil {
		return 0, cause
	}

	progress(90, "store_polygons", "Storing polygons")
	rows, err := polygonRows(ws.ID, page.ID, res.Patterns, rect.Min.Sub(img.Bounds().Min))
	if err != nil {
		return 0, err
	}
	if err := j.store.ReplacePolygons(ctx, page.ID, rows); err != nil {
		return 0, err
	}
	if err := j.store.SetSegmentationChoice(ctx, page.ID, segmentationChoice(region.SegmentationMethod)); err != nil {
		slog.Warn("Failed to record segmentation choice", "page_id", page.ID, "error", err)
	}
	return len(rows), nil
}

func segmentationChoice(method string) models.SegmentationChoice {
	if strings.EqualFold(method, "CONTOURED") {
		return models.SegmentationContoured
	}
	return models.SegmentationGeneric
}

// Cancel cancels the job of a page. The status write and TASK_FAILED
// (meta.canceled) happen first so the cancel reaches the projector
// before any late completion; the running task is then revoked best
// effort. It returns the canceled task id.
func (j *PageJobs) Cancel(ctx context.Context, workspaceID int64, pageNumber int) (string, error) {
	ws, err := j.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, ErrWorkspaceNotFound) {
		return "", fmt.Errorf("%w: workspace %d", ErrPageNotFound, workspaceID)
	}
	if err != nil {
		return "", err
	}
	page, err := j.store.GetPage(ctx, workspaceID, pageNumber)
	if err != nil {
		return "", err
	}
	if !page.ExtractStatus.Cancelable() || page.TaskID == "" {
		return "", fmt.Errorf("%w: status %s", ErrNotCancelable, page.ExtractStatus)
	}

	moved, err := j.store.TransitionPage(ctx, page.ID, page.TaskID,
		[]models.ExtractStatus{models.ExtractQueued, models.ExtractProcessing}, models.ExtractCanceled)
	if err != nil {
		return "", err
	}
	if !moved {
		return "", fmt.Errorf("%w: job already finished", ErrNotCancelable)
	}

	j.notifier.emitPage(ctx, PageTask(ws, page, page.TaskID), page, events.EventTaskFailed, map[string]any{
		"canceled":       true,
		"extract_status": string(models.ExtractCanceled),
		"error":          ErrCanceled.Error(),
		"message":        "Page region processing canceled",
	})

	if !j.revoke(page.TaskID) {
		slog.Info("Canceled page job was not running", "task_id", page.TaskID)
	}
	return page.TaskID, nil
}
