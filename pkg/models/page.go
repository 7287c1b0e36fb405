package models

import (
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// ExtractStatus is the status of a per-page region extraction job.
type ExtractStatus string

const (
	ExtractNone       ExtractStatus = "none"
	ExtractQueued     ExtractStatus = "queued"
	ExtractProcessing ExtractStatus = "processing"
	ExtractFailed     ExtractStatus = "failed"
	ExtractFinished   ExtractStatus = "finished"
	ExtractCanceled   ExtractStatus = "canceled"
)

// Cancelable reports whether a page job in this status may be canceled.
func (s ExtractStatus) Cancelable() bool {
	return s == ExtractQueued || s == ExtractProcessing
}

// SegmentationChoice records how a page's polygons were produced.
type SegmentationChoice string

const (
	SegmentationNone      SegmentationChoice = "none"
	SegmentationGeneric   SegmentationChoice = "generic"
	SegmentationContoured SegmentationChoice = "contoured"
)

// PageImage is one rendered page of a workspace.
type PageImage struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID int64  `gorm:"not null;uniqueIndex:idx_page_workspace_number,priority:1" json:"workspace_id"`
	PageNumber  int    `gorm:"not null;uniqueIndex:idx_page_workspace_number,priority:2" json:"page_number"`
	Image       string `json:"image"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	DPI         int    `gorm:"not null;default:100" json:"dpi"`

	ScaleRatio *float64 `json:"scale_ratio,omitempty"`
	ScaleUnit  string   `gorm:"size:16" json:"scale_unit,omitempty"`

	AnalyzeRegion      datatypes.JSON     `json:"analyze_region,omitempty"`
	ExtractStatus      ExtractStatus      `gorm:"size:16;not null;default:none" json:"extract_status"`
	SegmentationChoice SegmentationChoice `gorm:"size:16;not null;default:none" json:"segmentation_choice"`
	TaskID             string             `gorm:"size:64;index" json:"task_id,omitempty"`

	SyncID   *string    `gorm:"size:64" json:"sync_id,omitempty"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (PageImage) TableName() string { return "page_images" }

// Scaled reports whether the page has a usable scale.
func (p *PageImage) Scaled() bool {
	return p.ScaleRatio != nil && p.ScaleUnit != ""
}

// PageIDString is the page id in routing form.
func (p *PageImage) PageIDString() string { return formatID(p.ID) }

// Polygon is one extracted region on a page.
type Polygon struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID   int64          `gorm:"not null;index" json:"workspace_id"`
	PageID        int64          `gorm:"not null;index" json:"page_id"`
	PolygonID     int            `gorm:"not null" json:"polygon_id"`
	TotalVertices int            `gorm:"not null;default:0" json:"total_vertices"`
	Vertices      datatypes.JSON `gorm:"not null" json:"vertices"`

	SyncID   *string    `gorm:"size:64" json:"sync_id,omitempty"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Polygon) TableName() string { return "polygons" }

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
