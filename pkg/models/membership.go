package models

import "time"

// ProjectMember grants a user access to a project's groups. Project owners
// are members implicitly and need no row.
type ProjectMember struct {
	ProjectID int64     `gorm:"primaryKey;autoIncrement:false" json:"project_id"`
	UserID    int64     `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Role      string    `gorm:"size:32;not null;default:member" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (ProjectMember) TableName() string { return "project_members" }

// WorkspaceMember grants a user access to a workspace's groups.
type WorkspaceMember struct {
	WorkspaceID int64     `gorm:"primaryKey;autoIncrement:false" json:"workspace_id"`
	UserID      int64     `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Role        string    `gorm:"size:32;not null;default:member" json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for GORM
func (WorkspaceMember) TableName() string { return "workspace_members" }
