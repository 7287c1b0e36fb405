package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoAccessibleGroups is reported when permission filtering leaves no
// group to deliver to. It is not transient and never retried.
var ErrNoAccessibleGroups = errors.New("no accessible groups")

// Publisher defaults.
const (
	DefaultMaxRetries = 3
	DefaultMaxBackoff = 10 * time.Second
)

// PublishRequest describes one event to publish.
type PublishRequest struct {
	EventType   EventType
	TaskID      string
	JobType     JobType
	ProjectID   string
	UserID      int64
	PageID      string // empty = no page context
	WorkspaceID string
	Meta        map[string]any
	DetailURL   string
	// Seq overrides the Sequencer when positive. Used by producers that
	// already reserved a sequence (the job status projector).
	Seq int64
	// IncludePageGroups adds page-scoped routing.
	IncludePageGroups bool
	// MaxRetries: 0 uses the publisher default, negative disables retries.
	MaxRetries int
	// Targets replaces the resolver's candidate groups when non-empty.
	// Permission filtering still applies.
	Targets []GroupTarget
}

// RouteOptions carries the routing inputs that are not part of the envelope.
type RouteOptions struct {
	WorkspaceID       string
	IncludePageGroups bool
	MaxRetries        int
	Targets           []GroupTarget
}

// PublishResult is the outcome of one publish call.
type PublishResult struct {
	Success    bool
	LatencyMS  float64
	RetryCount int
	Err        error
	Seq        int64
	Groups     []string // groups targeted after permission filtering
	Envelope   *Envelope
}

// PublishStats are the publisher's running counters.
type PublishStats struct {
	TotalPublished int64   `json:"total_published"`
	Successful     int64   `json:"successful_publishes"`
	Failed         int64   `json:"failed_publishes"`
	TotalLatencyMS float64 `json:"total_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

// GroupResolver computes the candidate groups of an event.
type GroupResolver func(GroupContext) []GroupTarget

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	MaxRetries int
	MaxBackoff time.Duration
	// Resolver defaults to ComputeGroups.
	Resolver GroupResolver
}

// Publisher sequences, routes, filters and fans out envelopes.
// Safe for concurrent use.
type Publisher struct {
	sequencer   *Sequencer
	resolver    GroupResolver
	permissions *PermissionChecker
	transport   Transport
	maxRetries  int
	maxBackoff  time.Duration

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	statsMu sync.Mutex
	stats   PublishStats
}

// NewPublisher creates a Publisher. A nil permission checker denies every
// membership-gated group.
func NewPublisher(sequencer *Sequencer, permissions *PermissionChecker, transport Transport, opts PublisherOptions) *Publisher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Resolver == nil {
		opts.Resolver = ComputeGroups
	}
	if permissions == nil {
		permissions = NewPermissionChecker(nil, 0)
	}
	return &Publisher{
		sequencer:   sequencer,
		resolver:    opts.Resolver,
		permissions: permissions,
		transport:   transport,
		maxRetries:  opts.MaxRetries,
		maxBackoff:  opts.MaxBackoff,
		sleep:       sleepContext,
	}
}

// Sequencer returns the sequencer used for envelopes without an explicit seq.
func (p *Publisher) Sequencer() *Sequencer {
	return p.sequencer
}

// Publish assigns a sequence, builds the envelope and publishes it.
// Two calls for the same logical event yield two distinct envelopes.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) PublishResult {
	start := time.Now()

	seq := req.Seq
	if seq <= 0 {
		seq = p.sequencer.Next(ctx, req.TaskID)
	}

	var pageID *string
	if req.PageID != "" {
		pageID = &req.PageID
	}
	env, err := BuildEnvelope(EnvelopeParams{
		EventType: req.EventType,
		TaskID:    req.TaskID,
		JobType:   req.JobType,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		PageID:    pageID,
		Seq:       seq,
		DetailURL: req.DetailURL,
		Meta:      req.Meta,
	})
	if err != nil {
		res := PublishResult{Err: err, Seq: seq, LatencyMS: elapsedMS(start)}
		p.record(res)
		return res
	}

	return p.publish(ctx, env, RouteOptions{
		WorkspaceID:       req.WorkspaceID,
		IncludePageGroups: req.IncludePageGroups,
		MaxRetries:        req.MaxRetries,
		Targets:           req.Targets,
	}, start)
}

// PublishEnvelope publishes an envelope built by the caller.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *Envelope, opts RouteOptions) PublishResult {
	return p.publish(ctx, env, opts, time.Now())
}

func (p *Publisher) publish(ctx context.Context, env *Envelope, opts RouteOptions, start time.Time) PublishResult {
	res := PublishResult{Seq: env.Seq, Envelope: env}
	log := slog.With("event_type", env.EventType, "task_id", env.TaskID, "seq", env.Seq)

	var pageID string
	if env.PageID != nil {
		pageID = *env.PageID
	}
	candidates := opts.Targets
	if len(candidates) == 0 {
		candidates = p.resolver(GroupContext{
			EventType:         env.EventType,
			TaskID:            env.TaskID,
			ProjectID:         env.ProjectID,
			UserID:            env.UserID,
			WorkspaceID:       opts.WorkspaceID,
			PageID:            pageID,
			IncludePageGroups: opts.IncludePageGroups,
		})
	}
	groups := p.permissions.FilterAccessible(ctx, env.UserID, candidates)
	res.Groups = GroupNames(groups)

	if len(groups) == 0 {
		res.Err = fmt.Errorf("%w: %s event for task %s (user %d)",
			ErrNoAccessibleGroups, env.EventType, env.TaskID, env.UserID)
		res.LatencyMS = elapsedMS(start)
		log.Warn("No accessible groups for event", "user_id", env.UserID)
		p.record(res)
		return res
	}

	payload, err := env.TransportPayload()
	if err != nil {
		res.Err = err
		res.LatencyMS = elapsedMS(start)
		p.record(res)
		return res
	}

	maxRetries := p.maxRetries
	switch {
	case opts.MaxRetries < 0:
		maxRetries = 0
	case opts.MaxRetries > 0:
		maxRetries = opts.MaxRetries
	}

	for {
		err := p.fanOut(ctx, res.Groups, payload)
		if err == nil {
			res.Success = true
			res.LatencyMS = elapsedMS(start)
			log.Debug("Published event", "groups", len(res.Groups),
				"retries", res.RetryCount, "latency_ms", res.LatencyMS)
			p.record(res)
			return res
		}
		res.Err = err

		if errors.Is(err, ErrNoTransport) || res.RetryCount >= maxRetries {
			break
		}
		res.RetryCount++
		delay := p.backoff(res.RetryCount)
		log.Warn("Publish failed, retrying",
			"attempt", res.RetryCount, "max_retries", maxRetries, "delay", delay, "error", err)
		if err := p.sleep(ctx, delay); err != nil {
			res.Err = fmt.Errorf("publish retry aborted: %w", err)
			break
		}
	}

	res.LatencyMS = elapsedMS(start)
	log.Error("Failed to publish event", "retries", res.RetryCount, "error", res.Err)
	p.record(res)
	return res
}

// fanOut sends payload to every group concurrently. Only transport-level
// failures fail the attempt; other per-group errors are logged.
func (p *Publisher) fanOut(ctx context.Context, groups []string, payload []byte) error {
	if p.transport == nil {
		return ErrNoTransport
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			err := p.transport.GroupSend(gctx, group, payload)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrNoTransport) {
				return err
			}
			slog.Warn("Group delivery failed", "group", group, "error", err)
			return nil
		})
	}
	return g.Wait()
}

// backoff returns min(2^n + n*0.1, maxBackoff) seconds for retry n >= 1.
func (p *Publisher) backoff(n int) time.Duration {
	secs := math.Pow(2, float64(n)) + float64(n)*0.1
	d := time.Duration(secs * float64(time.Second))
	return min(d, p.maxBackoff)
}

func (p *Publisher) record(res PublishResult) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.TotalPublished++
	p.stats.TotalLatencyMS += res.LatencyMS
	if res.Success {
		p.stats.Successful++
	} else {
		p.stats.Failed++
	}
}

// Stats returns a snapshot of the counters with derived rates.
func (p *Publisher) Stats() PublishStats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	if s.TotalPublished > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.TotalPublished)
		s.AvgLatencyMS = s.TotalLatencyMS / float64(s.TotalPublished)
	}
	return s
}

// ResetStats zeroes the counters.
func (p *Publisher) ResetStats() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats = PublishStats{}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
