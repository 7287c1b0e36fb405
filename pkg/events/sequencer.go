package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SequenceKey returns the counter key of a task.
func SequenceKey(taskID string) string {
	return "seq:task:" + taskID
}

// CounterStore is an atomic per-key counter.
type CounterStore interface {
	// Incr atomically increments key and returns the new value. A missing
	// key counts from 0.
	Incr(ctx context.Context, key string) (int64, error)
	// Get returns the current value, 0 if the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
}

// CounterRaiser is implemented by counter stores that can move a counter
// forward without going back.
type CounterRaiser interface {
	// Raise sets key to floor when its current value is lower.
	Raise(ctx context.Context, key string, floor int64) error
}

// Sequencer issues strictly increasing sequence numbers per task.
type Sequencer struct {
	store CounterStore
	clock func() time.Time
}

// NewSequencer creates a Sequencer backed by store. A nil store puts the
// sequencer permanently in degraded mode.
func NewSequencer(store CounterStore) *Sequencer {
	return &Sequencer{store: store, clock: time.Now}
}

// Next returns the next sequence for taskID, starting at 1.
//
// When the counter store is unavailable Next falls back to a value derived
// from wall-clock milliseconds. Fallback values are not collision-free and
// may be lower than values already issued for the task.
func (s *Sequencer) Next(ctx context.Context, taskID string) int64 {
	if s.store == nil {
		return s.fallback(taskID, fmt.Errorf("no counter store configured"))
	}
	seq, err := s.store.Incr(ctx, SequenceKey(taskID))
	if err != nil {
		return s.fallback(taskID, err)
	}
	return seq
}

// Current returns the last issued sequence for taskID, 0 if unknown or if
// the counter store cannot be read.
func (s *Sequencer) Current(ctx context.Context, taskID string) int64 {
	if s.store == nil {
		return 0
	}
	seq, err := s.store.Get(ctx, SequenceKey(taskID))
	if err != nil {
		slog.Warn("Failed to read current sequence", "task_id", taskID, "error", err)
		return 0
	}
	return seq
}

// Raise moves the counter of taskID up to at least seq, so Next continues
// above a seq already recorded elsewhere, e.g. after the store lost its
// state. Stores without CounterRaiser are left untouched.
func (s *Sequencer) Raise(ctx context.Context, taskID string, seq int64) error {
	r, ok := s.store.(CounterRaiser)
	if !ok {
		return nil
	}
	if err := r.Raise(ctx, SequenceKey(taskID), seq); err != nil {
		return fmt.Errorf("failed to raise sequence of task %s: %w", taskID, err)
	}
	return nil
}

func (s *Sequencer) fallback(taskID string, cause error) int64 {
	seq := s.clock().UnixMilli() % 1_000_000
	slog.Error("Sequencer degraded: counter store unavailable, using time-based sequence",
		"task_id", taskID, "seq", seq, "error", cause)
	return seq
}

// MemoryCounterStore is an in-process CounterStore for tests and
// single-process deployments.
type MemoryCounterStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{values: make(map[string]int64)}
}

// Incr implements CounterStore.
func (m *MemoryCounterStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key]++
	return m.values[key], nil
}

// Get implements CounterStore.
func (m *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

// Raise implements CounterRaiser.
func (m *MemoryCounterStore) Raise(_ context.Context, key string, floor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = max(m.values[key], floor)
	return nil
}

// Reset deletes the counter of taskID. Test scaffolding.
func (m *MemoryCounterStore) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, SequenceKey(taskID))
}

// Set forces the counter of taskID to n. Test scaffolding.
func (m *MemoryCounterStore) Set(taskID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[SequenceKey(taskID)] = n
}
