// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdfmap/jobstream/pkg/config"
	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/gorm"
)

// CounterResetter drops the sequence counter of a task.
// Implemented by jobstatus.CounterStore and events.RedisCounterStore.
type CounterResetter interface {
	Reset(ctx context.Context, taskID string) error
}

// Service periodically enforces retention policies:
//   - Deletes terminal job status rows past retention, with their counters
//   - Deletes read notifications past retention
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config   *config.RetentionConfig
	db       *gorm.DB
	counters CounterResetter
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. counters may be nil when
// sequence numbers live in process memory.
func NewService(cfg *config.RetentionConfig, db *gorm.DB, counters CounterResetter) *Service {
	return &Service{
		config:   cfg,
		db:       db,
		counters: counters,
		now:      time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"job_status_retention_days", s.config.JobStatusRetentionDays,
		"notification_retention_days", s.config.NotificationRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	if count, err := s.PruneJobStatus(ctx); err != nil {
		slog.Error("Retention: job status cleanup failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted old job status rows", "count", count)
	}

	if count, err := s.PruneNotifications(ctx); err != nil {
		slog.Error("Retention: notification cleanup failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted old notifications", "count", count)
	}
}

// PruneJobStatus deletes terminal job status rows not updated within the
// retention window and resets their sequence counters, so a reused task
// id starts a fresh sequence.
func (s *Service) PruneJobStatus(ctx context.Context) (int, error) {
	if s.config.JobStatusRetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -s.config.JobStatusRetentionDays)

	var taskIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.JobStatus{}).
		Where("state IN ? AND updated_at < ?", []models.JobState{
			models.JobStateSuccess, models.JobStateFailure, models.JobStateCanceled,
		}, cutoff).
		Order("updated_at ASC").
		Limit(s.batchSize()).
		Pluck("task_id", &taskIDs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired job status rows: %w", err)
	}

	deleted := 0
	for _, taskID := range taskIDs {
		// updated_at is checked again so a task that restarted meanwhile stays.
		res := s.db.WithContext(ctx).
			Where("task_id = ? AND updated_at < ?", taskID, cutoff).
			Delete(&models.JobStatus{})
		if res.Error != nil {
			return deleted, fmt.Errorf("failed to delete job status %s: %w", taskID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		deleted++
		if s.counters != nil {
			if err := s.counters.Reset(ctx, taskID); err != nil {
				slog.Warn("Retention: failed to reset sequence counter", "task_id", taskID, "error", err)
			}
		}
	}
	return deleted, nil
}

// PruneNotifications deletes read notifications older than the retention
// window.
func (s *Service) PruneNotifications(ctx context.Context) (int, error) {
	if s.config.NotificationRetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -s.config.NotificationRetentionDays)

	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("is_read = ? AND created_at < ?", true, cutoff).
		Order("id ASC").
		Limit(s.batchSize()).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired notifications: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Service) batchSize() int {
	if s.config.BatchSize <= 0 {
		return 1000
	}
	return s.config.BatchSize
}
