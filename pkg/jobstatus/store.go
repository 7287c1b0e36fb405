package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no status row exists for a task.
var ErrNotFound = errors.New("job status not found")

// Store reads job status rows and resolves routing context for tasks and
// pages. It implements events.ProjectResolver.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the status row of taskID.
func (s *Store) Get(ctx context.Context, taskID string) (*models.JobStatus, error) {
	var row models.JobStatus
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job status %s: %w", taskID, err)
	}
	return &row, nil
}

// ProjectForTask returns the project recorded for taskID, or "" when the
// task is unknown or has no project.
func (s *Store) ProjectForTask(ctx context.Context, taskID string) (string, error) {
	var row models.JobStatus
	err := s.db.WithContext(ctx).
		Select("project_id").
		Where("task_id = ?", taskID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return "", fmt.Errorf("failed to resolve project of task %s: %w", taskID, err)
	}
	return row.ProjectID, nil
}

// ProjectForPage returns the project (workspace) that owns the page.
func (s *Store) ProjectForPage(ctx context.Context, pageID string) (string, error) {
	id, err := strconv.ParseInt(pageID, 10, 64)
	if err != nil {
		return "", nil
	}
	var page models.PageImage
	err = s.db.WithContext(ctx).
		Select("workspace_id").
		Where("id = ?", id).
		Limit(1).
		Find(&page).Error
	if err != nil {
		return "", fmt.Errorf("failed to resolve project of page %s: %w", pageID, err)
	}
	if page.WorkspaceID == 0 {
		return "", nil
	}
	return strconv.FormatInt(page.WorkspaceID, 10), nil
}
