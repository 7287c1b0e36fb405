package jobstatus

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	testdb "github.com/pdfmap/jobstream/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concurrent writers delivering seqs out of order must leave the row at the
// highest seq, and every persisted write must have advanced it.
func TestIntegration_ConcurrentOutOfOrderApply(t *testing.T) {
	client := testdb.NewTestClient(t)
	pub := &fakePublisher{}
	p := NewProjector(client.ORM(), events.NewSequencer(events.NewMemoryCounterStore()), pub)
	ctx := context.Background()

	const n = 40
	seqs := make([]int64, n)
	for i := range seqs {
		seqs[i] = int64(i + 1)
	}
	rand.Shuffle(n, func(i, j int) { seqs[i], seqs[j] = seqs[j], seqs[i] })

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		persisted []int64
	)
	for _, seq := range seqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Apply(ctx, progress("race", seq, int(seq)))
			if !assert.NoError(t, err) {
				return
			}
			if res.Persisted {
				mu.Lock()
				persisted = append(persisted, seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, err := NewStore(client.ORM()).Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, int64(n), stored.Seq)
	assert.Equal(t, n, stored.Pct)
	assert.Equal(t, models.JobStateRunning, stored.State)

	require.NotEmpty(t, persisted)
	assert.Contains(t, persisted, int64(n))
	assert.Len(t, pub.published(), len(persisted))
}

func TestIntegration_ApplyOnPostgres(t *testing.T) {
	client := testdb.NewTestClient(t)
	p := NewProjector(client.ORM(), events.NewSequencer(events.NewMemoryCounterStore()), nil)
	ctx := context.Background()

	_, err := p.Apply(ctx, progress("t1", 10, 40))
	require.NoError(t, err)
	res, err := p.Apply(ctx, progress("t1", 8, 20))
	require.NoError(t, err)
	assert.False(t, res.Persisted)

	res, err = p.Apply(ctx, ApplyRequest{
		TaskID: "t1", EventType: events.EventTaskCompleted, JobType: events.JobPDFExtraction,
		ProjectID: "9", Seq: 11, Meta: map[string]any{"result": map[string]any{"pages": 3}},
	})
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.Equal(t, models.JobStateSuccess, res.Status.State)
	assert.Equal(t, 100, res.Status.Pct)
	assert.Contains(t, res.Status.Meta, "result")
	assert.Contains(t, res.Status.Meta, "progress")

	project, err := NewStore(client.ORM()).ProjectForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "9", project)
}

func TestIntegration_CounterStoreOnPostgres(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewCounterStore(client.ORM())
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := store.Incr(ctx, events.SequenceKey("shared"))
			if assert.NoError(t, err) {
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		seen[seq] = true
	}
	assert.Len(t, seen, n)

	require.NoError(t, store.Raise(ctx, events.SequenceKey("shared"), 100))
	p := NewProjector(client.ORM(), events.NewSequencer(store), nil)
	res, err := p.Apply(ctx, ApplyRequest{TaskID: "shared", EventType: events.EventTaskStarted, JobType: events.JobPDFExtraction, ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, int64(101), res.Seq)
	assert.Equal(t, "p1", res.Status.ProjectID)
}
