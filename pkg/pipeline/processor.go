// Package pipeline runs the document processing state machine: workspace
// claims, the ordered processing steps, per-page region extraction jobs
// and their cancellation. Every transition is mirrored to the job status
// projection, which announces it to subscribers.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/segmentation"
	"gorm.io/datatypes"
)

// ErrCanceled is the cancellation cause of an explicitly canceled run.
var ErrCanceled = errors.New("canceled by request")

// finalWriteTimeout bounds terminal status writes made after the run
// context is done.
const finalWriteTimeout = 10 * time.Second

// finalContext detaches terminal writes from a canceled run context.
func finalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Segmenter finds polygons on an image. Implemented by segmentation.Client.
type Segmenter interface {
	Segment(ctx context.Context, req segmentation.Request) (*segmentation.Result, error)
}

// RunOutcome is the result of Processor.Run.
type RunOutcome string

const (
	OutcomeLocked   RunOutcome = "locked"
	OutcomeSkipped  RunOutcome = "skip"
	OutcomeOK       RunOutcome = "ok"
	OutcomeFailed   RunOutcome = "failed"
	OutcomeCanceled RunOutcome = "canceled"
)

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	Media   Media
	Tiles   TileOptions
	LockTTL time.Duration
	// SegmentationMethod is used for whole pages. Default GENERIC.
	SegmentationMethod string
	// AfterSuccess runs after a successful run, e.g. to chain a CRM sync.
	AfterSuccess func(ctx context.Context, workspaceID int64)
}

// Processor runs the workspace pipeline.
type Processor struct {
	store     *Store
	notifier  *Notifier
	renderer  Renderer
	segmenter Segmenter
	locker    Locker
	opts      ProcessorOptions
}

// NewProcessor creates a Processor. A nil locker relies on the claim
// alone; a nil segmenter skips polygon extraction.
func NewProcessor(store *Store, notifier *Notifier, renderer Renderer, segmenter Segmenter, locker Locker, opts ProcessorOptions) *Processor {
	if renderer == nil {
		renderer = ImageRenderer{}
	}
	if locker == nil {
		locker = NopLocker{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.SegmentationMethod == "" {
		opts.SegmentationMethod = segmentation.DefaultMethod
	}
	return &Processor{
		store:     store,
		notifier:  notifier,
		renderer:  renderer,
		segmenter: segmenter,
		locker:    locker,
		opts:      opts,
	}
}

// Run locks and claims the workspace, then processes it. A held lock or a
// lost claim are reported as outcomes, not errors.
func (p *Processor) Run(ctx context.Context, workspaceID int64) (RunOutcome, error) {
	log := slog.With("workspace_id", workspaceID)

	release, err := p.locker.TryLock(ctx, WorkspaceLockKey(workspaceID), p.opts.LockTTL)
	if err != nil {
		return OutcomeSkipped, err
	}
	if release == nil {
		log.Info("Skipping workspace, processing lock held")
		return OutcomeLocked, nil
	}
	defer release()

	claim, err := p.store.ClaimWorkspace(ctx, workspaceID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if claim == ClaimSkipped {
		log.Info("Skipping workspace, not claimable")
		return OutcomeSkipped, nil
	}

	ws, err := p.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return OutcomeSkipped, err
	}
	log.Info("Processing workspace")
	p.notifier.emit(ctx, WorkspaceTask(ws), events.EventTaskStarted, map[string]any{
		"message":           "Processing started",
		"pipeline_step":     string(models.StepQueued),
		"pipeline_progress": 1,
	})

	outcome := p.Process(ctx, ws)
	if outcome == OutcomeOK && p.opts.AfterSuccess != nil {
		p.opts.AfterSuccess(ctx, ws.ID)
	}
	log.Info("Workspace processing finished", "outcome", outcome)
	return outcome, nil
}

// run tracks the current step of one Process call.
type run struct {
	p        *Processor
	ws       *models.Workspace
	ref      TaskRef
	step     models.PipelineStep
	progress int
	log      *slog.Logger
}

// mark records the step and announces it. Status write errors are logged
// and processing continues.
func (r *run) mark(ctx context.Context, step models.PipelineStep, progress int, message string, extra map[string]any) {
	r.step, r.progress = step, progress
	if err := r.p.store.MarkStep(ctx, r.ws.ID, step, progress); err != nil {
		r.log.Error("Failed to record pipeline step", "step", step, "error", err)
	}
	meta := map[string]any{
		"pipeline_step":     string(step),
		"pipeline_progress": progress,
		"message":           message,
	}
	for k, v := range extra {
		meta[k] = v
	}
	r.p.notifier.emit(ctx, r.ref, events.EventTaskProgress, meta)
}

// fail ends the run. An explicit cancel ends in CANCELED, anything else in
// FAILED with a project notification.
func (r *run) fail(ctx context.Context, cause error) RunOutcome {
	ctx, cancel := finalContext(ctx)
	defer cancel()

	if errors.Is(cause, ErrCanceled) {
		r.log.Info("Workspace processing canceled", "step", r.step)
		if err := r.p.store.updateWorkspace(ctx, r.ws.ID, map[string]any{
			"pipeline_state": models.PipelineCanceled,
			"pipeline_error": ErrCanceled.Error(),
		}); err != nil {
			r.log.Error("Failed to record cancellation", "error", err)
		}
		r.p.notifier.emit(ctx, r.ref, events.EventTaskFailed, map[string]any{
			"canceled":      true,
			"error":         ErrCanceled.Error(),
			"pipeline_step": string(r.step),
			"message":       "Processing canceled",
		})
		return OutcomeCanceled
	}

	reason := cause.Error()
	r.log.Error("Workspace processing failed", "step", r.step, "error", cause)
	if err := r.p.store.MarkFailed(ctx, r.ws.ID, r.step, r.progress, reason); err != nil {
		r.log.Error("Failed to record pipeline failure", "error", err)
	}
	r.p.notifier.emit(ctx, r.ref, events.EventTaskFailed, map[string]any{
		"error":             reason,
		"pipeline_step":     string(r.step),
		"pipeline_progress": r.progress,
		"message":           fmt.Sprintf("Processing failed at %s", r.step),
	})
	r.p.notifier.Notify(ctx, Notification{
		ProjectID:  r.ws.ProjectID(),
		TaskID:     r.ref.TaskID,
		JobType:    events.JobPDFExtraction,
		Title:      "Processing failed",
		Message:    fmt.Sprintf("Processing of %q failed at %s: %s", r.ws.Name, r.step, reason),
		Level:      models.NotificationError,
		Meta:       map[string]any{"workspace_id": r.ws.ProjectID(), "pipeline_step": string(r.step)},
		Recipients: []int64{r.ws.UserID},
	})
	return OutcomeFailed
}

// interrupted returns the cause when ctx is done.
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// Process runs the steps of a claimed workspace:
// load → render → tile → extract → postprocess → finished.
func (p *Processor) Process(ctx context.Context, ws *models.Workspace) RunOutcome {
	r := &run{
		p:    p,
		ws:   ws,
		ref:  WorkspaceTask(ws),
		step: models.StepQueued,
		log:  slog.With("workspace_id", ws.ID),
	}

	r.mark(ctx, models.StepLoadPDF, 5, "Loading document", nil)
	doc, err := p.renderer.Open(ctx, p.opts.Media.Abs(ws.UploadedPDF))
	if err != nil {
		return r.fail(ctx, err)
	}
	defer doc.Close()
	total := doc.PageCount()
	if total == 0 {
		return r.fail(ctx, ErrNoPages)
	}
	r.log.Info("Document loaded", "pages", total)

	r.mark(ctx, models.StepRenderPages, 15, "Rendering pages", map[string]any{"pages_total": total})
	polygons := 0
	for i := range total {
		if err := interrupted(ctx); err != nil {
			return r.fail(ctx, err)
		}
		n, err := p.processPage(ctx, r, doc, i, total)
		if err != nil {
			return r.fail(ctx, err)
		}
		polygons += n
	}

	r.mark(ctx, models.StepPostprocess, 95, "Finalizing", nil)
	if err := interrupted(ctx); err != nil {
		return r.fail(ctx, err)
	}

	status, err := p.store.MarkSucceeded(ctx, ws.ID)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.step, r.progress = models.StepFinished, 100
	p.notifier.emit(ctx, r.ref, events.EventTaskCompleted, map[string]any{
		"pipeline_step":     string(models.StepFinished),
		"pipeline_progress": 100,
		"message":           "Processing finished",
		"result": map[string]any{
			"pages":          total,
			"polygons":       polygons,
			"project_status": string(status),
		},
	})
	return OutcomeOK
}

// processPage renders, tiles and segments page i. Segmentation problems
// are logged and do not fail the page.
func (p *Processor) processPage(ctx context.Context, r *run, doc Document, i, total int) (int, error) {
	number := i + 1
	frac := float64(number) / float64(total)
	media := p.opts.Media

	img, err := doc.RenderPage(ctx, i)
	if err != nil {
		return 0, fmt.Errorf("failed to render page %d: %w", number, err)
	}
	b := img.Bounds()
	rel := media.PageImage(r.ws.ID, number)
	if err := WritePNG(media.Abs(rel), img); err != nil {
		return 0, err
	}
	page := &models.PageImage{
		WorkspaceID: r.ws.ID,
		PageNumber:  number,
		Image:       rel,
		Width:       b.Dx(),
		Height:      b.Dy(),
		DPI:         100,
	}
	if err := p.store.UpsertPage(ctx, page); err != nil {
		return 0, err
	}

	r.mark(ctx, models.StepTilePages, 30+int(30*frac), fmt.Sprintf("Tiling page %d of %d", number, total),
		map[string]any{"page_number": number})
	if _, err := GenerateTiles(img, media.Abs(media.TileDir(r.ws.ID, number)), p.opts.Tiles); err != nil {
		return 0, fmt.Errorf("failed to tile page %d: %w", number, err)
	}
	full, err := EncodeJPEG(img, FullPageQuality)
	if err != nil {
		return 0, err
	}
	if err := writeFile(media.Abs(media.FullPage(r.ws.ID, number)), full); err != nil {
		return 0, err
	}
	if err := WriteJPEG(media.Abs(media.Thumbnail(r.ws.ID, number)), Thumbnail(img, ThumbnailMaxSide), ThumbnailQuality); err != nil {
		return 0, err
	}

	r.mark(ctx, models.StepExtractPolygons, 60+int(30*frac), fmt.Sprintf("Extracting polygons on page %d", number),
		map[string]any{"page_number": number})
	if p.segmenter == nil {
		return 0, nil
	}
	res, err := p.segmenter.Segment(ctx, segmentation.Request{
		Image:    full,
		FileName: fmt.Sprintf("page_%d.jpg", number),
		Method:   p.opts.SegmentationMethod,
	})
	if err != nil {
		if cause := interrupted(ctx); cause != nil {
			return 0, cause
		}
		r.log.Warn("Segmentation failed, continuing", "page_number", number, "error", err)
		return 0, nil
	}
	if cause := interrupted(ctx); cause != nil {
		return 0, cause
	}
	rows, err := polygonRows(r.ws.ID, page.ID, res.Patterns, image.Point{})
	if err != nil {
		return 0, err
	}
	if err := p.store.ReplacePolygons(ctx, page.ID, rows); err != nil {
		return 0, err
	}
	r.log.Info("Stored polygons", "page_number", number, "count", len(rows))
	return len(rows), nil
}

// polygonRows converts API patterns to records, shifting vertices by
// origin into page coordinates.
func polygonRows(workspaceID, pageID int64, patterns []segmentation.Pattern, origin image.Point) ([]models.Polygon, error) {
	rows := make([]models.Polygon, 0, len(patterns))
	for _, pat := range patterns {
		vertices := make([][]float64, len(pat.Vertices))
		for i, v := range pat.Vertices {
			shifted := append([]float64(nil), v...)
			if len(shifted) >= 2 {
				shifted[0] += float64(origin.X)
				shifted[1] += float64(origin.Y)
			}
			vertices[i] = shifted
		}
		raw, err := json.Marshal(vertices)
		if err != nil {
			return nil, fmt.Errorf("failed to encode polygon %d: %w", pat.PolygonID, err)
		}
		rows = append(rows, models.Polygon{
			WorkspaceID:   workspaceID,
			PageID:        pageID,
			PolygonID:     pat.PolygonID,
			TotalVertices: pat.TotalVertices,
			Vertices:      datatypes.JSON(raw),
		})
	}
	return rows, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFile(path string, data []byte) error {
	return writeImage(path, func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
