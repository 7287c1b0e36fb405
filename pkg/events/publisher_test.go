package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport records every GroupSend and can fail on demand.
type recordingTransport struct {
	mu       sync.Mutex
	sends    map[string][][]byte
	attempts int
	// failGroups makes GroupSend fail for specific groups with a
	// non-transport error.
	failGroups map[string]bool
	// failAll makes every GroupSend fail with ErrTransportUnavailable.
	failAll bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sends: make(map[string][][]byte)}
}

func (r *recordingTransport) GroupSend(_ context.Context, group string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failAll {
		return fmt.Errorf("%w: broker down", ErrTransportUnavailable)
	}
	if r.failGroups[group] {
		return errors.New("subscriber went away")
	}
	r.sends[group] = append(r.sends[group], payload)
	return nil
}

func (r *recordingTransport) groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sends))
	for g := range r.sends {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func newTestPublisher(t *testing.T, membership MembershipLookup, transport Transport) (*Publisher, *[]time.Duration) {
	t.Helper()
	p := NewPublisher(
		NewSequencer(NewMemoryCounterStore()),
		NewPermissionChecker(membership, 0),
		transport,
		PublisherOptions{},
	)
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return p, &sleeps
}

func TestPublisher_HappyPath(t *testing.T) {
	transport := newRecordingTransport()
	membership := &staticMembership{projects: map[int64][]string{3: {"9"}}}
	p, _ := newTestPublisher(t, membership, transport)

	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskStarted,
		TaskID:    "42",
		JobType:   JobPDFExtraction,
		ProjectID: "9",
		UserID:    3,
	})

	require.True(t, res.Success, "error: %v", res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.RetryCount)
	assert.Equal(t, int64(1), res.Seq)
	assert.Equal(t, []string{"user_3", "project_9", "project_9_user_3", "job_42", "project_9_job_42"}, res.Groups)
	assert.Equal(t, []string{"job_42", "project_9", "project_9_job_42", "project_9_user_3", "user_3"}, transport.groups())

	env, err := DecodeEnvelope(transport.sends["job_42"][0])
	require.NoError(t, err)
	assert.Equal(t, EventTaskStarted, env.EventType)
	assert.Equal(t, "/api/jobs/42", env.DetailURL)
}

func TestPublisher_DistinctSequencePerCall(t *testing.T) {
	transport := newRecordingTransport()
	p, _ := newTestPublisher(t, AllowAllMembership{}, transport)
	req := PublishRequest{EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, ProjectID: "p1", UserID: 5}

	first := p.Publish(context.Background(), req)
	second := p.Publish(context.Background(), req)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Len(t, transport.sends["user_5"], 2)
}

func TestPublisher_ExplicitSeq(t *testing.T) {
	p, _ := newTestPublisher(t, AllowAllMembership{}, newRecordingTransport())
	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, UserID: 5, Seq: 17,
	})
	assert.Equal(t, int64(17), res.Seq)
	assert.Equal(t, int64(0), p.Sequencer().Current(context.Background(), "t1"))
}

func TestPublisher_EmptyGroupsNoRetry(t *testing.T) {
	transport := newRecordingTransport()
	p := NewPublisher(
		NewSequencer(NewMemoryCounterStore()),
		NewPermissionChecker(AllowAllMembership{}, 0),
		transport,
		PublisherOptions{
			// Only a job group without a project: always denied.
			Resolver: func(gc GroupContext) []GroupTarget { return JobGroups(gc.TaskID, "") },
		},
	)
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskFailed, TaskID: "t1", JobType: JobSync, UserID: 5,
	})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoAccessibleGroups)
	assert.Equal(t, 0, res.RetryCount)
	assert.Empty(t, res.Groups)
	assert.Empty(t, sleeps)
	assert.Equal(t, 0, transport.attempts)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPublisher_DeniedGroupsDropped(t *testing.T) {
	transport := newRecordingTransport()
	p, sleeps := newTestPublisher(t, &staticMembership{}, transport)

	// User 4 is not a member of p1, so only the private user group remains.
	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, ProjectID: "p1", UserID: 4,
	})
	require.True(t, res.Success)
	assert.Equal(t, []string{"user_4"}, res.Groups)
	assert.Equal(t, []string{"user_4"}, transport.groups())
	assert.Empty(t, *sleeps)
}

func TestPublisher_ExplicitTargets(t *testing.T) {
	transport := newRecordingTransport()
	p, _ := newTestPublisher(t, &staticMembership{}, transport)

	targets := append(ProjectGroups("9", SystemUserID)[:1], JobGroups("42", "")...)
	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventNotification, TaskID: "42", JobType: JobPDFExtraction,
		ProjectID: "9", UserID: SystemUserID, Targets: targets,
	})

	require.True(t, res.Success, "error: %v", res.Err)
	// The job group without a project is still denied.
	assert.Equal(t, []string{"project_9"}, res.Groups)
	assert.Equal(t, []string{"project_9"}, transport.groups())
}

func TestPublisher_RetryBound(t *testing.T) {
	tests := []struct {
		name        string
		maxRetries  int
		wantRetries int
	}{
		{name: "default", maxRetries: 0, wantRetries: DefaultMaxRetries},
		{name: "explicit", maxRetries: 5, wantRetries: 5},
		{name: "disabled", maxRetries: -1, wantRetries: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newRecordingTransport()
			transport.failAll = true
			p, sleeps := newTestPublisher(t, AllowAllMembership{}, transport)

			res := p.Publish(context.Background(), PublishRequest{
				EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, UserID: 5,
				MaxRetries: tt.maxRetries,
			})

			assert.False(t, res.Success)
			assert.ErrorIs(t, res.Err, ErrTransportUnavailable)
			assert.Equal(t, tt.wantRetries, res.RetryCount)
			assert.Len(t, *sleeps, tt.wantRetries)
		})
	}
}

func TestPublisher_Backoff(t *testing.T) {
	transport := newRecordingTransport()
	transport.failAll = true
	p, sleeps := newTestPublisher(t, AllowAllMembership{}, transport)

	p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, UserID: 5, MaxRetries: 5,
	})

	assert.Equal(t, []time.Duration{
		2100 * time.Millisecond,
		4200 * time.Millisecond,
		8300 * time.Millisecond,
		10 * time.Second,
		10 * time.Second,
	}, *sleeps)
}

func TestPublisher_RetryRecovers(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	p, sleeps := newTestPublisher(t, AllowAllMembership{}, transport)

	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskCompleted, TaskID: "t1", JobType: JobExport, UserID: 5,
	})
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RetryCount)
	assert.Len(t, *sleeps, 2)
}

type flakyTransport struct {
	mu       sync.Mutex
	failures int
}

func (f *flakyTransport) GroupSend(context.Context, string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return ErrTransportUnavailable
	}
	return nil
}

func TestPublisher_PartialGroupFailureIsBestEffort(t *testing.T) {
	transport := newRecordingTransport()
	transport.failGroups = map[string]bool{"project_p1": true}
	p, sleeps := newTestPublisher(t, AllowAllMembership{}, transport)

	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, ProjectID: "p1", UserID: 5,
	})
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.RetryCount)
	assert.Empty(t, *sleeps)
	assert.NotContains(t, transport.groups(), "project_p1")
	assert.Contains(t, transport.groups(), "job_t1")
}

func TestPublisher_NoTransportIsNotRetried(t *testing.T) {
	p, sleeps := newTestPublisher(t, AllowAllMembership{}, nil)

	res := p.Publish(context.Background(), PublishRequest{
		EventType: EventTaskQueued, TaskID: "t1", JobType: JobExport, UserID: 5,
	})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoTransport)
	assert.Equal(t, 0, res.RetryCount)
	assert.Empty(t, *sleeps)
}

func TestPublisher_RetryAbortedByContext(t *testing.T) {
	transport := newRecordingTransport()
	transport.failAll = true
	p, _ := newTestPublisher(t, AllowAllMembership{}, transport)
	p.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Publish(ctx, PublishRequest{
		EventType: EventTaskQueued, TaskID: "t1", JobType: JobExport, UserID: 5,
	})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.RetryCount)
}

func TestPublisher_InvalidRequest(t *testing.T) {
	transport := newRecordingTransport()
	p, _ := newTestPublisher(t, AllowAllMembership{}, transport)

	res := p.Publish(context.Background(), PublishRequest{EventType: "BOGUS", TaskID: "t1", JobType: JobExport, UserID: 5})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrInvalidEventType)
	assert.Equal(t, 0, transport.attempts)
}

func TestPublisher_Stats(t *testing.T) {
	transport := newRecordingTransport()
	p, _ := newTestPublisher(t, AllowAllMembership{}, transport)
	ctx := context.Background()

	for range 3 {
		p.Publish(ctx, PublishRequest{EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, UserID: 5})
	}
	transport.mu.Lock()
	transport.failAll = true
	transport.mu.Unlock()
	p.Publish(ctx, PublishRequest{EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, UserID: 5, MaxRetries: -1})

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.TotalPublished)
	assert.Equal(t, int64(3), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	assert.GreaterOrEqual(t, stats.AvgLatencyMS, 0.0)

	p.ResetStats()
	assert.Equal(t, PublishStats{}, p.Stats())
}

func TestPublisher_ConcurrentPublishes(t *testing.T) {
	transport := newRecordingTransport()
	p, _ := newTestPublisher(t, AllowAllMembership{}, transport)
	ctx := context.Background()

	const n = 50
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Publish(ctx, PublishRequest{EventType: EventTaskProgress, TaskID: "t1", JobType: JobExport, UserID: 5})
			seqs <- res.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), p.Stats().Successful)
}
