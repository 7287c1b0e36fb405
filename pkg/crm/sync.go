package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/pipeline"
	"gorm.io/gorm"
)

// ErrSyncInProgress is returned when another sync of the workspace runs.
var ErrSyncInProgress = errors.New("workspace sync already in progress")

// API is the CRM surface used by SyncService. Implemented by Client.
type API interface {
	ListProjects(ctx context.Context) ([]Project, error)
	CreateProject(ctx context.Context, name, fileLink string) (ID, error)
	UpdateProject(ctx context.Context, projectID ID, name, status string) error
	ListPages(ctx context.Context, projectID ID) ([]Page, error)
	CreatePage(ctx context.Context, projectID ID, f PageFields) (ID, error)
	UpdatePage(ctx context.Context, pageID ID, f PageFields) error
	ListPolygons(ctx context.Context, pageID ID) ([]Polygon, error)
	CreatePolygon(ctx context.Context, projectID, pageID ID, f PolygonFields) (ID, error)
	UpdatePolygon(ctx context.Context, polygonID ID, f PolygonFields) error
	DeletePolygons(ctx context.Context, polygons []Polygon) error
}

// Report summarizes one sync run. It is the result of the sync task.
type Report struct {
	ProjectID       string `json:"project_id"`
	Project         string `json:"project"`
	PagesBound      int    `json:"pages_bound"`
	PagesCreated    int    `json:"pages_created"`
	PagesUpdated    int    `json:"pages_updated"`
	PolygonsBound   int    `json:"polygons_bound"`
	PolygonsCreated int    `json:"polygons_created"`
	PolygonsUpdated int    `json:"polygons_updated"`
	PolygonsDeleted int    `json:"polygons_deleted"`
	UpToDate        bool   `json:"up_to_date,omitempty"`
}

// Project outcomes recorded in Report.Project.
const (
	projectBound   = "bound"
	projectCreated = "created"
	projectUpdated = "updated"
)

// SyncOptions configures a SyncService.
type SyncOptions struct {
	// MediaBaseURL turns stored media paths into links the CRM can fetch.
	MediaBaseURL string
	// MaxRetries retries a failed sync run in place.
	MaxRetries int
	Worker     string
}

// SyncService pushes workspace trees to the CRM.
type SyncService struct {
	db       *gorm.DB
	api      API
	notifier *pipeline.Notifier
	opts     SyncOptions
	now      func() time.Time
}

// NewSyncService creates a SyncService.
func NewSyncService(db *gorm.DB, api API, notifier *pipeline.Notifier, opts SyncOptions) *SyncService {
	return &SyncService{db: db, api: api, notifier: notifier, opts: opts, now: time.Now}
}

// MarkQueued announces that a sync of the workspace was enqueued.
func (s *SyncService) MarkQueued(ctx context.Context, workspaceID int64) {
	var ws models.Workspace
	if err := s.db.WithContext(ctx).First(&ws, workspaceID).Error; err != nil {
		slog.Warn("Cannot announce sync, workspace not loaded", "workspace_id", workspaceID, "error", err)
		return
	}
	s.notifier.Queued(ctx, pipeline.SyncTask(&ws), "Sync queued")
}

// SyncWorkspaceTree syncs one workspace, its pages and their polygons.
// The run is tracked as a sync task. A concurrent sync of the same
// workspace returns ErrSyncInProgress.
func (s *SyncService) SyncWorkspaceTree(ctx context.Context, workspaceID int64) (*Report, error) {
	ws, err := s.claim(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	result, err := s.notifier.RunTracked(ctx, pipeline.TrackedTask{
		Ref:        pipeline.SyncTask(ws),
		Worker:     s.opts.Worker,
		MaxRetries: s.opts.MaxRetries,
		Run: func(ctx context.Context, progress pipeline.ProgressFunc) (any, error) {
			return s.syncTree(ctx, ws, progress)
		},
	})

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	status := models.SyncSuccess
	if err != nil {
		status = models.SyncFailed
	}
	if ferr := s.finish(finalCtx, ws.ID, status); ferr != nil {
		slog.Error("Failed to record sync status", "workspace_id", ws.ID, "error", ferr)
	}
	if err != nil {
		return nil, err
	}
	report, _ := result.(*Report)
	return report, nil
}

// claim moves sync_status to processing unless a sync already runs.
// updated_at is left alone so the sync itself does not look like a change.
func (s *SyncService) claim(ctx context.Context, workspaceID int64) (*models.Workspace, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ? AND soft_deleted = ? AND sync_status <> ?", workspaceID, false, models.SyncProcessing).
		UpdateColumn("sync_status", models.SyncProcessing)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim sync of workspace %d: %w", workspaceID, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Workspace{}).
			Where("id = ? AND soft_deleted = ?", workspaceID, false).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %d", pipeline.ErrWorkspaceNotFound, workspaceID)
		}
		return nil, fmt.Errorf("%w: %d", ErrSyncInProgress, workspaceID)
	}
	var ws models.Workspace
	if err := s.db.WithContext(ctx).First(&ws, workspaceID).Error; err != nil {
		return nil, fmt.Errorf("failed to load workspace %d: %w", workspaceID, err)
	}
	return &ws, nil
}

func (s *SyncService) finish(ctx context.Context, workspaceID int64, status models.SyncStatus) error {
	updates := map[string]any{"sync_status": status}
	if status == models.SyncSuccess {
		updates["synced_at"] = s.now()
	}
	return s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ?", workspaceID).
		UpdateColumns(updates).Error
}

// needsSync selects rows never bound, never synced or changed since.
const needsSync = "sync_id IS NULL OR synced_at IS NULL OR updated_at > synced_at"

func (s *SyncService) syncTree(ctx context.Context, ws *models.Workspace, progress pipeline.ProgressFunc) (*Report, error) {
	log := slog.With("workspace_id", ws.ID)
	report := &Report{}
	db := s.db.WithContext(ctx)

	needBind := ws.SyncID == nil || *ws.SyncID == ""
	needUpdate := ws.SyncedAt == nil || ws.UpdatedAt.After(*ws.SyncedAt)

	var pages []models.PageImage
	if err := db.Where("workspace_id = ?", ws.ID).Where(needsSync).Order("page_number").Find(&pages).Error; err != nil {
		return nil, fmt.Errorf("failed to list pages to sync: %w", err)
	}
	var polyPageIDs []int64
	if err := db.Model(&models.Polygon{}).Where("workspace_id = ?", ws.ID).Where(needsSync).
		Distinct().Pluck("page_id", &polyPageIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list polygons to sync: %w", err)
	}

	if !needBind && !needUpdate && len(pages) == 0 && len(polyPageIDs) == 0 {
		log.Info("Workspace already in sync")
		report.ProjectID = *ws.SyncID
		report.UpToDate = true
		return report, nil
	}

	progress(10, "project", "Syncing project", nil)
	projectID, err := s.syncProject(ctx, ws, needBind, needUpdate, report)
	if err != nil {
		return nil, err
	}
	report.ProjectID = projectID.String()

	progress(40, "pages", "Syncing pages", map[string]any{"pages": len(pages)})
	if err := s.syncPages(ctx, projectID, pages, report); err != nil {
		return nil, err
	}

	progress(70, "polygons", "Syncing polygons", map[string]any{"pages": len(polyPageIDs)})
	var polyPages []models.PageImage
	if len(polyPageIDs) > 0 {
		if err := db.Where("id IN ?", polyPageIDs).Order("page_number").Find(&polyPages).Error; err != nil {
			return nil, fmt.Errorf("failed to load pages of polygons: %w", err)
		}
	}
	for i := range polyPages {
		if err := s.syncPolygons(ctx, projectID, &polyPages[i], report); err != nil {
			return nil, err
		}
	}

	progress(90, "cleanup", "Removing deleted polygons", nil)
	for i := range polyPages {
		s.deleteRemoved(ctx, &polyPages[i], report)
	}

	log.Info("Workspace synced",
		"project_id", report.ProjectID, "project", report.Project,
		"pages_created", report.PagesCreated, "pages_updated", report.PagesUpdated,
		"polygons_created", report.PolygonsCreated, "polygons_updated", report.PolygonsUpdated,
		"polygons_deleted", report.PolygonsDeleted)
	return report, nil
}

// syncProject binds the workspace to a remote project by name, creating
// it when missing, and pushes name and status when they changed.
func (s *SyncService) syncProject(ctx context.Context, ws *models.Workspace, needBind, needUpdate bool, report *Report) (ID, error) {
	if !needBind {
		id, err := parseID(*ws.SyncID)
		if err != nil {
			return 0, fmt.Errorf("workspace %d has invalid sync_id: %w", ws.ID, err)
		}
		if needUpdate {
			if err := s.api.UpdateProject(ctx, id, ws.Name, string(ws.ProjectStatus)); err != nil {
				return 0, err
			}
			if err := s.touchSynced(ctx, &models.Workspace{}, ws.ID); err != nil {
				return 0, err
			}
			report.Project = projectUpdated
		}
		return id, nil
	}

	projects, err := s.api.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		if p.ProjectID != 0 && p.ProjectName == ws.Name {
			if err := s.api.UpdateProject(ctx, p.ProjectID, ws.Name, string(ws.ProjectStatus)); err != nil {
				return 0, err
			}
			report.Project = projectBound
			return p.ProjectID, s.bind(ctx, &models.Workspace{}, ws.ID, p.ProjectID)
		}
	}

	id, err := s.api.CreateProject(ctx, ws.Name, s.mediaURL(ws.UploadedPDF))
	if err != nil {
		return 0, err
	}
	report.Project = projectCreated
	return id, s.bind(ctx, &models.Workspace{}, ws.ID, id)
}

func (s *SyncService) syncPages(ctx context.Context, projectID ID, pages []models.PageImage, report *Report) error {
	remoteByNumber := map[int]ID{}
	for _, pg := range pages {
		if pg.SyncID == nil {
			remote, err := s.api.ListPages(ctx, projectID)
			if err != nil {
				return err
			}
			for _, rp := range remote {
				if rp.PageID != 0 {
					remoteByNumber[int(rp.PageNb)] = rp.PageID
				}
			}
			break
		}
	}

	for i := range pages {
		pg := &pages[i]
		fields := s.pageFields(pg)
		if pg.SyncID == nil {
			if id, ok := remoteByNumber[pg.PageNumber]; ok {
				if err := s.bind(ctx, &models.PageImage{}, pg.ID, id); err != nil {
					return err
				}
				pg.SyncID = ptr(id.String())
				report.PagesBound++
				continue
			}
			id, err := s.api.CreatePage(ctx, projectID, fields)
			if err != nil {
				return err
			}
			if err := s.bind(ctx, &models.PageImage{}, pg.ID, id); err != nil {
				return err
			}
			pg.SyncID = ptr(id.String())
			report.PagesCreated++
			continue
		}

		id, err := parseID(*pg.SyncID)
		if err != nil {
			return fmt.Errorf("page %d has invalid sync_id: %w", pg.ID, err)
		}
		if err := s.api.UpdatePage(ctx, id, fields); err != nil {
			return err
		}
		if err := s.touchSynced(ctx, &models.PageImage{}, pg.ID); err != nil {
			return err
		}
		report.PagesUpdated++
	}
	return nil
}

func (s *SyncService) pageFields(pg *models.PageImage) PageFields {
	f := PageFields{
		PageNb:      pg.PageNumber,
		PictureLink: s.mediaURL(pg.Image),
		Unit:        pg.ScaleUnit,
		ImageHeight: pg.Height,
		ImageWidth:  pg.Width,
		PDFHeight:   pg.Height,
		PDFWidth:    pg.Width,
	}
	if pg.ScaleRatio != nil {
		f.Scale = strconv.FormatFloat(*pg.ScaleRatio, 'f', -1, 64)
		f.ConfirmedScale = true
	}
	return f
}

func (s *SyncService) syncPolygons(ctx context.Context, projectID ID, pg *models.PageImage, report *Report) error {
	if pg.SyncID == nil {
		slog.Warn("Skipping polygons of unsynced page", "page_id", pg.ID)
		return nil
	}
	pageID, err := parseID(*pg.SyncID)
	if err != nil {
		return fmt.Errorf("page %d has invalid sync_id: %w", pg.ID, err)
	}

	var polygons []models.Polygon
	if err := s.db.WithContext(ctx).Where("page_id = ?", pg.ID).Where(needsSync).
		Order("polygon_id").Find(&polygons).Error; err != nil {
		return fmt.Errorf("failed to list polygons of page %d: %w", pg.ID, err)
	}

	remoteByPolyID := map[string]ID{}
	for _, poly := range polygons {
		if poly.SyncID == nil {
			remote, err := s.api.ListPolygons(ctx, pageID)
			if err != nil {
				return err
			}
			for _, rp := range remote {
				if rp.PolygonID != 0 {
					remoteByPolyID[rp.PolyID] = rp.PolygonID
				}
			}
			break
		}
	}

	for _, poly := range polygons {
		fields := PolygonFields{
			PolyID:        strconv.Itoa(poly.PolygonID),
			Vertices:      json.RawMessage(poly.Vertices),
			TotalVertices: poly.TotalVertices,
		}
		if poly.SyncID == nil {
			if id, ok := remoteByPolyID[fields.PolyID]; ok {
				if err := s.bind(ctx, &models.Polygon{}, poly.ID, id); err != nil {
					return err
				}
				report.PolygonsBound++
				continue
			}
			id, err := s.api.CreatePolygon(ctx, projectID, pageID, fields)
			if err != nil {
				return err
			}
			if err := s.bind(ctx, &models.Polygon{}, poly.ID, id); err != nil {
				return err
			}
			report.PolygonsCreated++
			continue
		}

		id, err := parseID(*poly.SyncID)
		if err != nil {
			return fmt.Errorf("polygon %d has invalid sync_id: %w", poly.ID, err)
		}
		if err := s.api.UpdatePolygon(ctx, id, fields); err != nil {
			return err
		}
		if err := s.touchSynced(ctx, &models.Polygon{}, poly.ID); err != nil {
			return err
		}
		report.PolygonsUpdated++
	}
	return nil
}

// deleteRemoved deletes remote polygons of the page that no longer exist
// locally. Failures are logged; the next sync retries them.
func (s *SyncService) deleteRemoved(ctx context.Context, pg *models.PageImage, report *Report) {
	if pg.SyncID == nil {
		return
	}
	pageID, err := parseID(*pg.SyncID)
	if err != nil {
		return
	}
	var local []int
	if err := s.db.WithContext(ctx).Model(&models.Polygon{}).Where("page_id = ?", pg.ID).
		Pluck("polygon_id", &local).Error; err != nil {
		slog.Warn("Failed to list local polygons", "page_id", pg.ID, "error", err)
		return
	}
	keep := make(map[string]bool, len(local))
	for _, id := range local {
		keep[strconv.Itoa(id)] = true
	}

	remote, err := s.api.ListPolygons(ctx, pageID)
	if err != nil {
		slog.Warn("Failed to list remote polygons", "page_id", pg.ID, "error", err)
		return
	}
	var stale []Polygon
	for _, rp := range remote {
		if rp.PolyID != "" && rp.PolygonID != 0 && rp.ProjectID != 0 && rp.PageID != 0 && !keep[rp.PolyID] {
			stale = append(stale, rp)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := s.api.DeletePolygons(ctx, stale); err != nil {
		slog.Warn("Failed to delete remote polygons", "page_id", pg.ID, "count", len(stale), "error", err)
		return
	}
	report.PolygonsDeleted += len(stale)
}

// bind stores the remote id. UpdateColumns keeps updated_at so the row
// does not look changed after its own sync.
func (s *SyncService) bind(ctx context.Context, model any, id int64, remote ID) error {
	err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).
		UpdateColumns(map[string]any{"sync_id": remote.String(), "synced_at": s.now()}).Error
	if err != nil {
		return fmt.Errorf("failed to bind sync_id %s: %w", remote, err)
	}
	return nil
}

func (s *SyncService) touchSynced(ctx context.Context, model any, id int64) error {
	err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).
		UpdateColumn("synced_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("failed to record synced_at: %w", err)
	}
	return nil
}

func (s *SyncService) mediaURL(rel string) string {
	if rel == "" || s.opts.MediaBaseURL == "" || strings.Contains(rel, "://") {
		return rel
	}
	return strings.TrimRight(s.opts.MediaBaseURL, "/") + "/" + strings.TrimLeft(rel, "/")
}

func parseID(s string) (ID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(n), nil
}

func ptr[T any](v T) *T { return &v }
