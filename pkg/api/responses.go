package api

import (
	"time"

	"github.com/pdfmap/jobstream/pkg/database"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/queue"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JobStatusResponse is returned by GET /api/jobs/:task_id.
type JobStatusResponse struct {
	TaskID    string          `json:"task_id"`
	State     models.JobState `json:"state"`
	Step      string          `json:"step"`
	Pct       int             `json:"pct"`
	Seq       int64           `json:"seq"`
	Meta      map[string]any  `json:"meta"`
	ProjectID string          `json:"project_id,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newJobStatusResponse(row *models.JobStatus) JobStatusResponse {
	meta := map[string]any(row.Meta)
	if meta == nil {
		meta = map[string]any{}
	}
	return JobStatusResponse{
		TaskID:    row.TaskID,
		State:     row.State,
		Step:      row.Step,
		Pct:       row.Pct,
		Seq:       row.Seq,
		Meta:      meta,
		ProjectID: row.ProjectID,
		UpdatedAt: row.UpdatedAt,
	}
}

// EventStatsResponse is returned by GET /api/events/stats.
type EventStatsResponse struct {
	events.PublishStats
	ActiveSessions int `json:"active_sessions"`
}

// JobAcceptedResponse is returned when a job was queued or canceled.
type JobAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version"`
	Checks       map[string]HealthCheck `json:"checks"`
	Database     *database.HealthStatus `json:"database,omitempty"`
	WorkerPool   *queue.PoolHealth      `json:"worker_pool,omitempty"`
	NextDispatch map[string]time.Time   `json:"next_dispatch,omitempty"`
}

// HealthCheck is the result of one component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
