// Package jobstatus maintains the durable job status projection: one row
// per task, updated only by envelopes whose seq is newer than the stored
// one, then announced to subscribers through the events publisher.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidRequest is returned for requests that cannot produce an envelope.
var ErrInvalidRequest = errors.New("invalid job status request")

// Publisher is the subset of events.Publisher the projector needs.
type Publisher interface {
	Publish(ctx context.Context, req events.PublishRequest) events.PublishResult
}

// ApplyRequest is one task lifecycle event to project.
type ApplyRequest struct {
	TaskID    string
	EventType events.EventType
	JobType   events.JobType
	ProjectID string
	// UserID is optional; nil keeps the stored owner and publishes as the
	// system user.
	UserID            *int64
	PageID            string
	WorkspaceID       string
	Meta              map[string]any
	DetailURL         string
	IncludePageGroups bool
	// Seq is drawn from the sequencer when zero.
	Seq int64
}

// ApplyResult reports what Apply did.
type ApplyResult struct {
	Persisted  bool
	Dispatched bool
	Seq        int64
	// Status is the row as stored after the call, also for stale writes.
	Status   *models.JobStatus
	Envelope *events.Envelope
	Publish  events.PublishResult
}

// Projector applies task events to the job_status table.
type Projector struct {
	db        *gorm.DB
	sequencer *events.Sequencer
	publisher Publisher
	now       func() time.Time
}

// NewProjector creates a Projector. A nil publisher persists without
// dispatching.
func NewProjector(db *gorm.DB, sequencer *events.Sequencer, publisher Publisher) *Projector {
	if sequencer == nil {
		sequencer = events.NewSequencer(nil)
	}
	return &Projector{
		db:        db,
		sequencer: sequencer,
		publisher: publisher,
		now:       time.Now,
	}
}

// Apply projects one event. The write happens under a row lock keyed by
// task id and is skipped when the stored seq is not older than the
// incoming one. Publishing happens after commit and only for persisted
// writes. Persistence errors are returned; callers treat them as
// non-fatal to the work they describe.
//
// An explicit req.Seq is a reservation and loses to newer writes. A seq
// drawn here that is not above the stored one means the counter fell
// behind the projection (restart of a memory store, flushed Redis, a
// degraded sequence); the write then takes stored seq + 1 and the
// counter is raised to match.
func (p *Projector) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if err := validate(req); err != nil {
		return ApplyResult{}, err
	}

	seq := req.Seq
	drawn := seq <= 0
	if drawn {
		seq = p.sequencer.Next(ctx, req.TaskID)
	}
	var (
		behind    int64
		persisted bool
	)
	state := StateFor(req.EventType, req.Meta)

	var row models.JobStatus
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		placeholder := models.JobStatus{
			TaskID: req.TaskID,
			State:  models.JobStatePending,
			Meta:   datatypes.JSONMap{},
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
			return fmt.Errorf("failed to create job status: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ?", req.TaskID).
			First(&row).Error; err != nil {
			return fmt.Errorf("failed to lock job status: %w", err)
		}
		if row.Seq >= seq {
			if !drawn {
				return nil
			}
			behind, seq = seq, row.Seq+1
		}

		updates := map[string]any{
			"state":      state,
			"seq":        seq,
			"step":       deriveStep(state, req.Meta),
			"pct":        derivePct(req.EventType, req.Meta),
			"meta_json":  mergeMeta(row.Meta, req.Meta),
			"updated_at": p.now(),
		}
		if req.ProjectID != "" {
			updates["project_id"] = req.ProjectID
		}
		if req.UserID != nil {
			updates["user_id"] = *req.UserID
		}

		res := tx.Model(&models.JobStatus{}).
			Where("task_id = ? AND seq < ?", req.TaskID, seq).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update job status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Where("task_id = ?", req.TaskID).First(&row).Error; err != nil {
			return fmt.Errorf("failed to reload job status: %w", err)
		}
		persisted = true
		return nil
	})
	result := ApplyResult{Seq: seq, Persisted: persisted && err == nil}
	log := slog.With("task_id", req.TaskID, "event_type", req.EventType, "seq", seq)
	if err != nil {
		log.Error("Job status write failed", "error", err)
		return result, err
	}
	result.Status = &row

	if behind > 0 && result.Persisted {
		log.Warn("Sequence counter behind job status, continuing above stored seq", "drawn_seq", behind)
		if err := p.sequencer.Raise(ctx, req.TaskID, seq); err != nil {
			log.Warn("Failed to raise sequence counter", "error", err)
		}
	}

	if !result.Persisted {
		log.Debug("Ignoring stale job status write", "stored_seq", row.Seq)
		return result, nil
	}

	if p.publisher == nil {
		return result, nil
	}
	var userID int64
	if req.UserID != nil {
		userID = *req.UserID
	} else if row.UserID != nil {
		userID = *row.UserID
	}
	pub := p.publisher.Publish(ctx, events.PublishRequest{
		EventType:         req.EventType,
		TaskID:            req.TaskID,
		JobType:           req.JobType,
		ProjectID:         req.ProjectID,
		UserID:            userID,
		PageID:            req.PageID,
		WorkspaceID:       req.WorkspaceID,
		Meta:              req.Meta,
		DetailURL:         req.DetailURL,
		Seq:               seq,
		IncludePageGroups: req.IncludePageGroups,
	})
	result.Publish = pub
	result.Envelope = pub.Envelope
	result.Dispatched = pub.Success
	if !pub.Success {
		log.Warn("Job status persisted but not dispatched", "error", pub.Err)
	}
	return result, nil
}

func validate(req ApplyRequest) error {
	switch {
	case strings.TrimSpace(req.TaskID) == "":
		return fmt.Errorf("%w: task_id is required", ErrInvalidRequest)
	case !req.EventType.IsValid():
		return fmt.Errorf("%w: %w", ErrInvalidRequest, events.ErrInvalidEventType)
	case !req.JobType.IsValid():
		return fmt.Errorf("%w: %w", ErrInvalidRequest, events.ErrInvalidJobType)
	}
	return nil
}

// StateFor maps an event type to the projected state. A TASK_FAILED event
// with meta.canceled set records a cancellation.
func StateFor(t events.EventType, meta map[string]any) models.JobState {
	switch t {
	case events.EventTaskCompleted:
		return models.JobStateSuccess
	case events.EventTaskFailed:
		if canceled, _ := meta["canceled"].(bool); canceled {
			return models.JobStateCanceled
		}
		return models.JobStateFailure
	case events.EventTaskStarted, events.EventTaskProgress:
		return models.JobStateRunning
	default:
		return models.JobStatePending
	}
}

func deriveStep(state models.JobState, meta map[string]any) string {
	for _, key := range []string{"pipeline_step", "step"} {
		if s, ok := meta[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return string(state)
}

// derivePct reads the first progress key present. Completion is always 100.
func derivePct(t events.EventType, meta map[string]any) int {
	if t == events.EventTaskCompleted {
		return 100
	}
	for _, key := range []string{"pipeline_progress", "progress", "progress_percent"} {
		if v, ok := meta[key]; ok {
			return clampPct(v)
		}
	}
	return 0
}

func clampPct(v any) int {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	case float32:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case interface{ Float64() (float64, error) }:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return int(math.Max(0, math.Min(100, f)))
}

func mergeMeta(stored datatypes.JSONMap, incoming map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(stored)+len(incoming))
	maps.Copy(out, stored)
	maps.Copy(out, incoming)
	return out
}
