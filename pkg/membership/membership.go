// Package membership answers project and workspace membership questions
// for event group permissions.
//
// A project is a workspace seen from the routing side, so both lookups
// resolve against the workspaces table: the owner is always a member,
// other users need a row in project_members or workspace_members.
// Soft-deleted workspaces have no members.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/gorm"
)

// Lookup is the database-backed membership lookup. It implements
// events.MembershipLookup.
type Lookup struct {
	db *gorm.DB
}

// NewLookup creates a Lookup.
func NewLookup(db *gorm.DB) *Lookup {
	return &Lookup{db: db}
}

// IsProjectMember reports whether userID owns the project or holds a
// project_members row for it.
func (l *Lookup) IsProjectMember(ctx context.Context, userID int64, projectID string) (bool, error) {
	id, ok := parseID(projectID)
	if !ok {
		return false, nil
	}
	return l.isMember(ctx, userID, id, &models.ProjectMember{}, "project_id")
}

// IsWorkspaceMember reports whether userID owns the workspace or holds a
// workspace_members row for it.
func (l *Lookup) IsWorkspaceMember(ctx context.Context, userID int64, workspaceID string) (bool, error) {
	id, ok := parseID(workspaceID)
	if !ok {
		return false, nil
	}
	return l.isMember(ctx, userID, id, &models.WorkspaceMember{}, "workspace_id")
}

func (l *Lookup) isMember(ctx context.Context, userID, id int64, memberModel any, memberColumn string) (bool, error) {
	var ws models.Workspace
	err := l.db.WithContext(ctx).
		Select("id", "user_id").
		Where("id = ? AND soft_deleted = ?", id, false).
		Limit(1).
		Find(&ws).Error
	if err != nil {
		return false, fmt.Errorf("failed to load workspace %d: %w", id, err)
	}
	if ws.ID == 0 {
		return false, nil
	}
	if ws.UserID == userID {
		return true, nil
	}

	var count int64
	err = l.db.WithContext(ctx).
		Model(memberModel).
		Where(memberColumn+" = ? AND user_id = ?", id, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %d: %w", id, err)
	}
	return count > 0, nil
}

// AddProjectMember grants userID access to a project. Idempotent.
func (l *Lookup) AddProjectMember(ctx context.Context, projectID, userID int64, role string) error {
	if role == "" {
		role = "member"
	}
	err := l.db.WithContext(ctx).
		Where(models.ProjectMember{ProjectID: projectID, UserID: userID}).
		Attrs(models.ProjectMember{Role: role}).
		FirstOrCreate(&models.ProjectMember{}).Error
	if err != nil {
		return fmt.Errorf("failed to add project member: %w", err)
	}
	return nil
}

// AddWorkspaceMember grants userID access to a workspace. Idempotent.
func (l *Lookup) AddWorkspaceMember(ctx context.Context, workspaceID, userID int64, role string) error {
	if role == "" {
		role = "member"
	}
	err := l.db.WithContext(ctx).
		Where(models.WorkspaceMember{WorkspaceID: workspaceID, UserID: userID}).
		Attrs(models.WorkspaceMember{Role: role}).
		FirstOrCreate(&models.WorkspaceMember{}).Error
	if err != nil {
		return fmt.Errorf("failed to add workspace member: %w", err)
	}
	return nil
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
