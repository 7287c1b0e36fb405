package jobstatus

import (
	"context"
	"sync"
	"testing"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterStore_Incr(t *testing.T) {
	store := NewCounterStore(util.NewSQLiteDB(t))
	ctx := context.Background()

	got, err := store.Get(ctx, "seq:task:a")
	require.NoError(t, err)
	assert.Zero(t, got)

	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, "seq:task:a")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := store.Incr(ctx, "seq:task:b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "keys are independent")

	got, err = store.Get(ctx, "seq:task:a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestCounterStore_ConcurrentIncr(t *testing.T) {
	store := NewCounterStore(util.NewSQLiteDB(t))
	ctx := context.Background()

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := store.Incr(ctx, "seq:task:c")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestCounterStore_Raise(t *testing.T) {
	store := NewCounterStore(util.NewSQLiteDB(t))
	ctx := context.Background()

	require.NoError(t, store.Raise(ctx, "seq:task:a", 5))
	got, err := store.Get(ctx, "seq:task:a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	require.NoError(t, store.Raise(ctx, "seq:task:a", 2))
	got, err = store.Get(ctx, "seq:task:a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got, "raise never lowers")

	n, err := store.Incr(ctx, "seq:task:a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestCounterStore_Reset(t *testing.T) {
	db := util.NewSQLiteDB(t)
	store := NewCounterStore(db)
	ctx := context.Background()

	seq := events.NewSequencer(store)
	seq.Next(ctx, "t1")
	seq.Next(ctx, "t1")
	require.NoError(t, store.Reset(ctx, "t1"))
	assert.Equal(t, int64(1), seq.Next(ctx, "t1"))

	// A second handle on the same database shares the counters.
	assert.Equal(t, int64(2), events.NewSequencer(NewCounterStore(db)).Next(ctx, "t1"))
}
