package models

import (
	"time"
)

// PipelineState is the lifecycle of a workspace processing run.
type PipelineState string

const (
	PipelineIdle      PipelineState = "idle"
	PipelineRunning   PipelineState = "running"
	PipelineSucceeded PipelineState = "succeeded"
	PipelineFailed    PipelineState = "failed"
	PipelineCanceled  PipelineState = "canceled"
)

// PipelineStep is the position inside a running pipeline. Steps are
// strictly ordered.
type PipelineStep string

const (
	StepQueued          PipelineStep = "queued"
	StepLoadPDF         PipelineStep = "load_pdf"
	StepRenderPages     PipelineStep = "render_pages"
	StepTilePages       PipelineStep = "tile_pages"
	StepExtractPolygons PipelineStep = "extract_polygons"
	StepPostprocess     PipelineStep = "postprocess"
	StepFinished        PipelineStep = "finished"
)

// PipelineSteps lists the steps in execution order.
var PipelineSteps = []PipelineStep{
	StepQueued, StepLoadPDF, StepRenderPages, StepTilePages,
	StepExtractPolygons, StepPostprocess, StepFinished,
}

// Ordinal returns the step's position in PipelineSteps, or -1.
func (s PipelineStep) Ordinal() int {
	for i, step := range PipelineSteps {
		if step == s {
			return i
		}
	}
	return -1
}

// ProjectStatus is the denormalized readiness of a workspace.
type ProjectStatus string

const (
	ProjectIncompleteSetup ProjectStatus = "incomplete_setup"
	ProjectScalingPending  ProjectStatus = "scaling_pending"
	ProjectScaledPartial   ProjectStatus = "scaled_partial"
	ProjectReady           ProjectStatus = "ready"
)

// SyncStatus tracks the CRM sync of a workspace tree.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncProcessing SyncStatus = "processing"
	SyncFailed     SyncStatus = "failed"
	SyncSuccess    SyncStatus = "success"
)

// Legacy status values mirrored from the pipeline state for older clients.
const (
	LegacyStatusUploaded   = "uploaded"
	LegacyStatusProcessing = "processing"
	LegacyStatusReady      = "ready"
	LegacyStatusFailed     = "failed"
)

// Workspace is an uploaded PDF and its processing pipeline. The workspace id
// doubles as the project id in event routing.
type Workspace struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64  `gorm:"not null;index" json:"user_id"`
	Name        string `gorm:"not null;size:255" json:"name"`
	UploadedPDF string `gorm:"column:uploaded_pdf" json:"uploaded_pdf"`
	Status      string `gorm:"size:20;default:uploaded" json:"status"`

	PipelineState    PipelineState `gorm:"size:16;not null;default:idle;index:idx_workspace_pipeline,priority:1" json:"pipeline_state"`
	PipelineStep     PipelineStep  `gorm:"size:32;not null;default:queued;index:idx_workspace_pipeline,priority:2" json:"pipeline_step"`
	PipelineProgress int           `gorm:"not null;default:0" json:"pipeline_progress"`
	PipelineError    string        `gorm:"type:text" json:"pipeline_error,omitempty"`

	ProjectStatus       ProjectStatus `gorm:"size:32;not null;default:incomplete_setup" json:"project_status"`
	DefaultScaleRatio   *float64      `json:"default_scale_ratio,omitempty"`
	AutoExtractOnUpload bool          `gorm:"not null;default:false" json:"auto_extract_on_upload"`
	SoftDeleted         bool          `gorm:"not null;default:false;index" json:"soft_deleted"`

	SyncID     *string    `gorm:"size:64" json:"sync_id,omitempty"`
	SyncStatus SyncStatus `gorm:"size:16;not null;default:pending" json:"sync_status"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Workspace) TableName() string { return "workspaces" }

// ProjectID returns the routing project id of the workspace.
func (w *Workspace) ProjectID() string { return formatID(w.ID) }
