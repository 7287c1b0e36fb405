// Package models holds the gorm records and API response shapes shared by
// the projector, the pipeline and the HTTP layer.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobState is the projected state of a task.
type JobState string

// Job states, mirroring the pipeline's lifecycle.
const (
	JobStatePending  JobState = "PENDING"
	JobStateRunning  JobState = "RUNNING"
	JobStateSuccess  JobState = "SUCCESS"
	JobStateFailure  JobState = "FAILURE"
	JobStateCanceled JobState = "CANCELED"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobState) IsTerminal() bool {
	return s == JobStateSuccess || s == JobStateFailure || s == JobStateCanceled
}

// JobStatus is the durable, sequence-gated summary of one task. Seq only
// advances; see jobstatus.Projector.
type JobStatus struct {
	TaskID    string            `gorm:"primaryKey;column:task_id;size:191" json:"task_id"`
	State     JobState          `gorm:"not null;size:16;default:PENDING" json:"state"`
	Step      string            `gorm:"not null;default:''" json:"step"`
	Pct       int               `gorm:"not null;default:0" json:"pct"`
	Seq       int64             `gorm:"not null;default:0" json:"seq"`
	Meta      datatypes.JSONMap `gorm:"column:meta_json" json:"meta"`
	ProjectID string            `gorm:"size:191;not null;default:'';index" json:"project_id,omitempty"`
	UserID    *int64            `gorm:"index" json:"user_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (JobStatus) TableName() string { return "job_status" }

// SequenceCounter is the last sequence issued for one counter key. It backs
// the database sequencer, so numbering survives restarts and is shared by
// replicas.
type SequenceCounter struct {
	CounterKey string `gorm:"primaryKey;column:counter_key;size:191"`
	Seq        int64  `gorm:"not null;default:0"`
}

// TableName specifies the table name for GORM
func (SequenceCounter) TableName() string { return "sequence_counters" }
