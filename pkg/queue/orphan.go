package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/pipeline"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection scans once at startup, then periodically.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	if p.config.OrphanDetectionInterval <= 0 {
		return
	}
	if err := p.detectAndRecoverOrphans(ctx); err != nil {
		slog.Error("Orphan detection failed", "error", err)
	}

	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans fails running workspaces and processing page
// jobs whose heartbeat is older than the orphan threshold.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	cutoff := time.Now().Add(-p.config.OrphanThreshold)

	workspaces, err := p.store.StaleRunningWorkspaces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query orphaned workspaces: %w", err)
	}
	pages, err := p.store.StalePageJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query orphaned page jobs: %w", err)
	}

	recovered := 0
	if len(workspaces)+len(pages) > 0 {
		slog.Warn("Detected orphaned jobs", "workspaces", len(workspaces), "page_jobs", len(pages))
	}
	for i := range workspaces {
		ok, err := p.recoverOrphanedWorkspace(ctx, &workspaces[i], cutoff)
		if err != nil {
			slog.Error("Failed to recover orphaned workspace",
				"workspace_id", workspaces[i].ID,
				"error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	for i := range pages {
		ok, err := p.recoverOrphanedPageJob(ctx, &pages[i])
		if err != nil {
			slog.Error("Failed to recover orphaned page job",
				"task_id", pages[i].TaskID,
				"error", err)
			continue
		}
		if ok {
			recovered++
		}
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphanedWorkspace marks a single orphaned workspace run failed.
func (p *WorkerPool) recoverOrphanedWorkspace(ctx context.Context, ws *models.Workspace, cutoff time.Time) (bool, error) {
	lastHeartbeat := ws.UpdatedAt.Format(time.RFC3339)
	reason := fmt.Sprintf("Orphaned: no heartbeat since %s", lastHeartbeat)

	ok, err := p.store.FailStaleWorkspace(ctx, ws.ID, cutoff, reason)
	if err != nil || !ok {
		return false, err
	}
	if p.notifier != nil {
		if _, err := p.notifier.Emit(ctx, pipeline.WorkspaceTask(ws), events.EventTaskFailed, map[string]any{
			"error":         reason,
			"pipeline_step": string(ws.PipelineStep),
			"message":       "Processing failed: worker lost",
		}); err != nil {
			slog.Warn("Failed to record orphaned workspace status", "workspace_id", ws.ID, "error", err)
		}
	}
	slog.Warn("Orphaned workspace marked as failed", "workspace_id", ws.ID, "last_heartbeat", lastHeartbeat)
	return true, nil
}

// recoverOrphanedPageJob marks a single orphaned page job failed.
func (p *WorkerPool) recoverOrphanedPageJob(ctx context.Context, page *models.PageImage) (bool, error) {
	ok, err := p.store.TransitionPage(ctx, page.ID, page.TaskID,
		[]models.ExtractStatus{models.ExtractProcessing}, models.ExtractFailed)
	if err != nil || !ok {
		return false, err
	}
	if p.notifier != nil {
		ws, err := p.store.GetWorkspace(ctx, page.WorkspaceID)
		if err == nil {
			_, err = p.notifier.EmitPage(ctx, pipeline.PageTask(ws, page, page.TaskID), page, events.EventTaskFailed, map[string]any{
				"extract_status": string(models.ExtractFailed),
				"error":          "orphaned: no heartbeat",
				"message":        "Page region processing failed: worker lost",
			})
		}
		if err != nil {
			slog.Warn("Failed to record orphaned page job status", "task_id", page.TaskID, "error", err)
		}
	}
	slog.Warn("Orphaned page job marked as failed", "task_id", page.TaskID, "page_id", page.ID)
	return true, nil
}
