package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sentinel errors returned by the store.
var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrPageNotFound      = events.ErrPageNotFound
)

// ClaimResult is the outcome of a workspace claim.
type ClaimResult string

const (
	// ClaimClaimed means this caller now owns the run.
	ClaimClaimed ClaimResult = "claimed"
	// ClaimSkipped means the workspace was not eligible, usually because
	// another worker is already running it.
	ClaimSkipped ClaimResult = "skipped"
)

// Store persists pipeline state for workspaces and pages.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetWorkspace loads a workspace that is not soft-deleted.
func (s *Store) GetWorkspace(ctx context.Context, id int64) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.WithContext(ctx).
		Where("id = ? AND soft_deleted = ?", id, false).
		First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrWorkspaceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace %d: %w", id, err)
	}
	return &ws, nil
}

// ClaimWorkspace moves an eligible workspace to RUNNING/QUEUED in a single
// conditional update. Eligible means IDLE or FAILED, or parked at the
// QUEUED step without a run in progress. Losing the race is not an error.
func (s *Store) ClaimWorkspace(ctx context.Context, id int64) (ClaimResult, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ? AND soft_deleted = ?", id, false).
		Where(
			s.db.Where("pipeline_state IN ?", []models.PipelineState{models.PipelineIdle, models.PipelineFailed}).
				Or("pipeline_step = ? AND pipeline_state <> ?", models.StepQueued, models.PipelineRunning),
		).
		Updates(map[string]any{
			"pipeline_state":    models.PipelineRunning,
			"pipeline_step":     models.StepQueued,
			"pipeline_progress": 1,
			"pipeline_error":    "",
			"status":            models.LegacyStatusProcessing,
			"updated_at":        s.now(),
		})
	if res.Error != nil {
		return ClaimSkipped, fmt.Errorf("failed to claim workspace %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ClaimSkipped, nil
	}
	return ClaimClaimed, nil
}

// MarkStep records progress inside a running pipeline.
func (s *Store) MarkStep(ctx context.Context, id int64, step models.PipelineStep, progress int) error {
	return s.updateWorkspace(ctx, id, map[string]any{
		"pipeline_state":    models.PipelineRunning,
		"pipeline_step":     step,
		"pipeline_progress": progress,
		"status":            legacyStatus(models.PipelineRunning),
	})
}

// MarkFailed records a failed run. The step is kept so the UI can show
// where it stopped.
func (s *Store) MarkFailed(ctx context.Context, id int64, step models.PipelineStep, progress int, reason string) error {
	return s.updateWorkspace(ctx, id, map[string]any{
		"pipeline_state":    models.PipelineFailed,
		"pipeline_step":     step,
		"pipeline_progress": progress,
		"pipeline_error":    reason,
		"status":            legacyStatus(models.PipelineFailed),
	})
}

// MarkSucceeded finishes a run and recomputes project readiness.
func (s *Store) MarkSucceeded(ctx context.Context, id int64) (models.ProjectStatus, error) {
	if err := s.updateWorkspace(ctx, id, map[string]any{
		"pipeline_state":    models.PipelineSucceeded,
		"pipeline_step":     models.StepFinished,
		"pipeline_progress": 100,
		"status":            legacyStatus(models.PipelineSucceeded),
	}); err != nil {
		return "", err
	}
	return s.RecomputeProjectStatus(ctx, id)
}

// Touch bumps updated_at of a running workspace. Used as a heartbeat by
// workers so orphan detection can tell live runs from dead ones.
func (s *Store) Touch(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ? AND pipeline_state = ?", id, models.PipelineRunning).
		Update("updated_at", s.now()).Error
}

func (s *Store) updateWorkspace(ctx context.Context, id int64, updates map[string]any) error {
	updates["updated_at"] = s.now()
	err := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update workspace %d: %w", id, err)
	}
	return nil
}

func legacyStatus(state models.PipelineState) string {
	switch state {
	case models.PipelineRunning:
		return models.LegacyStatusProcessing
	case models.PipelineSucceeded:
		return models.LegacyStatusReady
	case models.PipelineFailed:
		return models.LegacyStatusFailed
	default:
		return models.LegacyStatusUploaded
	}
}

// RecomputeProjectStatus derives readiness from per-page scale and stores it.
func (s *Store) RecomputeProjectStatus(ctx context.Context, id int64) (models.ProjectStatus, error) {
	var total, scaled int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.PageImage{}).Where("workspace_id = ?", id).Count(&total).Error; err != nil {
		return "", fmt.Errorf("failed to count pages: %w", err)
	}
	if err := db.Model(&models.PageImage{}).
		Where("workspace_id = ? AND scale_ratio IS NOT NULL AND scale_unit <> ''", id).
		Count(&scaled).Error; err != nil {
		return "", fmt.Errorf("failed to count scaled pages: %w", err)
	}

	status := ProjectStatusFor(total, scaled)
	if err := db.Model(&models.Workspace{}).Where("id = ?", id).
		UpdateColumn("project_status", status).Error; err != nil {
		return "", fmt.Errorf("failed to store project status: %w", err)
	}
	return status, nil
}

// ProjectStatusFor maps page scale coverage to a project status.
func ProjectStatusFor(total, scaled int64) models.ProjectStatus {
	switch {
	case total == 0:
		return models.ProjectIncompleteSetup
	case scaled == total:
		return models.ProjectReady
	case scaled > 0:
		return models.ProjectScaledPartial
	default:
		return models.ProjectScalingPending
	}
}

// PendingWorkspaces returns ids of workspaces waiting for a run, most
// recently touched first.
func (s *Store) PendingWorkspaces(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("soft_deleted = ? AND pipeline_state IN ?", false,
			[]models.PipelineState{models.PipelineIdle, models.PipelineFailed}).
		Order("updated_at DESC").Order("id DESC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending workspaces: %w", err)
	}
	return ids, nil
}

// WorkspacesNeedingSync returns ids of processed workspaces that were never
// synced or changed since their last sync.
func (s *Store) WorkspacesNeedingSync(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("soft_deleted = ? AND pipeline_state = ?", false, models.PipelineSucceeded).
		Where("sync_status <> ?", models.SyncProcessing).
		Where("synced_at IS NULL OR updated_at > synced_at").
		Order("updated_at ASC").Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces needing sync: %w", err)
	}
	return ids, nil
}

// StaleRunningWorkspaces returns running workspaces whose heartbeat is
// older than cutoff.
func (s *Store) StaleRunningWorkspaces(ctx context.Context, cutoff time.Time) ([]models.Workspace, error) {
	var out []models.Workspace
	err := s.db.WithContext(ctx).
		Where("pipeline_state = ? AND updated_at < ?", models.PipelineRunning, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale workspaces: %w", err)
	}
	return out, nil
}

// UpsertPage creates or replaces the rendered page identified by
// (workspace_id, page_number). page.ID is set on return.
func (s *Store) UpsertPage(ctx context.Context, page *models.PageImage) error {
	page.UpdatedAt = s.now()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "page_number"}},
			DoUpdates: clause.AssignmentColumns([]string{"image", "width", "height", "dpi", "updated_at"}),
		}).
		Create(page).Error
	if err != nil {
		return fmt.Errorf("failed to save page %d: %w", page.PageNumber, err)
	}
	// Some drivers do not return the id of an updated conflict row.
	if page.ID == 0 {
		stored, err := s.GetPage(ctx, page.WorkspaceID, page.PageNumber)
		if err != nil {
			return err
		}
		page.ID = stored.ID
	}
	return nil
}

// GetPage loads one page of a workspace.
func (s *Store) GetPage(ctx context.Context, workspaceID int64, pageNumber int) (*models.PageImage, error) {
	var page models.PageImage
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND page_number = ?", workspaceID, pageNumber).
		First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: workspace %d page %d", ErrPageNotFound, workspaceID, pageNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load page: %w", err)
	}
	return &page, nil
}

// ReplacePolygons swaps the polygons of a page for a new set.
func (s *Store) ReplacePolygons(ctx context.Context, pageID int64, polygons []models.Polygon) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("page_id = ?", pageID).Delete(&models.Polygon{}).Error; err != nil {
			return fmt.Errorf("failed to clear polygons of page %d: %w", pageID, err)
		}
		if len(polygons) == 0 {
			return nil
		}
		if err := tx.Create(&polygons).Error; err != nil {
			return fmt.Errorf("failed to store polygons of page %d: %w", pageID, err)
		}
		return nil
	})
}

// QueuePageJob marks a page as queued for region extraction under taskID.
func (s *Store) QueuePageJob(ctx context.Context, pageID int64, taskID string, region datatypes.JSON) error {
	err := s.db.WithContext(ctx).
		Model(&models.PageImage{}).
		Where("id = ?", pageID).
		Updates(map[string]any{
			"extract_status": models.ExtractQueued,
			"task_id":        taskID,
			"analyze_region": region,
			"updated_at":     s.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to queue page %d: %w", pageID, err)
	}
	return nil
}

// TransitionPage moves a page job from one of the given statuses to to.
// The move only applies while the page still carries taskID, so a
// resubmitted page is not touched by a stale run. It reports whether the
// row changed.
func (s *Store) TransitionPage(ctx context.Context, pageID int64, taskID string, from []models.ExtractStatus, to models.ExtractStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.PageImage{}).
		Where("id = ? AND task_id = ? AND extract_status IN ?", pageID, taskID, from).
		Updates(map[string]any{
			"extract_status": to,
			"updated_at":     s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to move page %d to %s: %w", pageID, to, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// PageJobActive reports whether taskID is still the processing job of
// the page.
func (s *Store) PageJobActive(ctx context.Context, pageID int64, taskID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.PageImage{}).
		Where("id = ? AND task_id = ? AND extract_status = ?", pageID, taskID, models.ExtractProcessing).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check page %d: %w", pageID, err)
	}
	return n > 0, nil
}

// SetSegmentationChoice records how the page's polygons were produced.
func (s *Store) SetSegmentationChoice(ctx context.Context, pageID int64, choice models.SegmentationChoice) error {
	return s.db.WithContext(ctx).
		Model(&models.PageImage{}).
		Where("id = ?", pageID).
		UpdateColumn("segmentation_choice", choice).Error
}

// ClaimNextPageJob claims the oldest queued page job, or returns nil when
// none is waiting. A lost race moves on to the next candidate.
func (s *Store) ClaimNextPageJob(ctx context.Context) (*models.PageImage, error) {
	const attempts = 3
	for range attempts {
		var candidates []models.PageImage
		err := s.db.WithContext(ctx).
			Where("extract_status = ?", models.ExtractQueued).
			Order("updated_at ASC").Order("id ASC").
			Limit(attempts).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list queued page jobs: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for i := range candidates {
			page := &candidates[i]
			ok, err := s.TransitionPage(ctx, page.ID, page.TaskID,
				[]models.ExtractStatus{models.ExtractQueued}, models.ExtractProcessing)
			if err != nil {
				return nil, err
			}
			if ok {
				page.ExtractStatus = models.ExtractProcessing
				return page, nil
			}
		}
	}
	return nil, nil
}

// StalePageJobs returns page jobs stuck in PROCESSING since before cutoff.
func (s *Store) StalePageJobs(ctx context.Context, cutoff time.Time) ([]models.PageImage, error) {
	var out []models.PageImage
	err := s.db.WithContext(ctx).
		Where("extract_status = ? AND updated_at < ?", models.ExtractProcessing, cutoff).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale page jobs: %w", err)
	}
	return out, nil
}

// TouchPage bumps updated_at of a processing page job.
func (s *Store) TouchPage(ctx context.Context, pageID int64) error {
	return s.db.WithContext(ctx).
		Model(&models.PageImage{}).
		Where("id = ? AND extract_status = ?", pageID, models.ExtractProcessing).
		Update("updated_at", s.now()).Error
}

// FailStaleWorkspace marks a running workspace failed if its heartbeat is
// still older than cutoff. It reports whether the row changed, so a run
// that resumed its heartbeat is left alone.
func (s *Store) FailStaleWorkspace(ctx context.Context, id int64, cutoff time.Time, reason string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ? AND pipeline_state = ? AND updated_at < ?", id, models.PipelineRunning, cutoff).
		Updates(map[string]any{
			"pipeline_state": models.PipelineFailed,
			"pipeline_error": reason,
			"status":         legacyStatus(models.PipelineFailed),
			"updated_at":     s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to fail stale workspace %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// QueuedPageJobs counts page jobs waiting to be claimed.
func (s *Store) QueuedPageJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.PageImage{}).
		Where("extract_status = ?", models.ExtractQueued).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count queued page jobs: %w", err)
	}
	return n, nil
}
