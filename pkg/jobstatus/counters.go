package jobstatus

import (
	"context"
	"fmt"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/gorm"
)

// CounterStore keeps sequence counters in the sequence_counters table. It
// is the default sequencer backend: numbering survives restarts and every
// replica on the same database shares it.
type CounterStore struct {
	db *gorm.DB
}

var (
	_ events.CounterStore  = (*CounterStore)(nil)
	_ events.CounterRaiser = (*CounterStore)(nil)
)

// NewCounterStore creates a CounterStore on db.
func NewCounterStore(db *gorm.DB) *CounterStore {
	return &CounterStore{db: db}
}

// Incr implements events.CounterStore with a single upsert, atomic on
// both PostgreSQL and SQLite.
func (s *CounterStore) Incr(ctx context.Context, key string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO sequence_counters (counter_key, seq) VALUES (?, 1)
		ON CONFLICT (counter_key) DO UPDATE SET seq = sequence_counters.seq + 1
		RETURNING seq`, key).Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return seq, nil
}

// Get implements events.CounterStore.
func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	var row models.SequenceCounter
	err := s.db.WithContext(ctx).Where("counter_key = ?", key).Limit(1).Find(&row).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return row.Seq, nil
}

// Raise implements events.CounterRaiser.
func (s *CounterStore) Raise(ctx context.Context, key string, floor int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`INSERT INTO sequence_counters (counter_key, seq) VALUES (?, 0)
			ON CONFLICT (counter_key) DO NOTHING`, key).Error; err != nil {
			return fmt.Errorf("failed to create counter %s: %w", key, err)
		}
		if err := tx.Model(&models.SequenceCounter{}).
			Where("counter_key = ? AND seq < ?", key, floor).
			Update("seq", floor).Error; err != nil {
			return fmt.Errorf("failed to raise counter %s: %w", key, err)
		}
		return nil
	})
}

// Reset deletes the counter of taskID. Used by retention.
func (s *CounterStore) Reset(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).
		Where("counter_key = ?", events.SequenceKey(taskID)).
		Delete(&models.SequenceCounter{}).Error
}
