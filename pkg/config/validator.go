package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	for _, check := range []func() error{
		v.validateQueue,
		v.validateRetention,
		v.validateDispatch,
		v.validateEvents,
		v.validatePipeline,
		v.validateSegmentation,
		v.validateCRM,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return NewValidationError("queue", "", fmt.Errorf("%w: queue configuration is nil", ErrMissingRequiredField))
	}

	if q.WorkerCount < 1 || q.WorkerCount > 50 {
		return invalid("queue", "worker_count", "worker_count must be between 1 and 50, got %d", q.WorkerCount)
	}
	if q.MaxConcurrentJobs < 1 {
		return invalid("queue", "max_concurrent_jobs", "max_concurrent_jobs must be at least 1, got %d", q.MaxConcurrentJobs)
	}
	if q.PollInterval <= 0 {
		return invalid("queue", "poll_interval", "poll_interval must be positive, got %v", q.PollInterval)
	}
	if q.PollIntervalJitter < 0 {
		return invalid("queue", "poll_interval_jitter", "poll_interval_jitter must be non-negative, got %v", q.PollIntervalJitter)
	}
	if q.PollIntervalJitter >= q.PollInterval {
		return invalid("queue", "poll_interval_jitter", "poll_interval_jitter must be less than poll_interval (%v >= %v)", q.PollIntervalJitter, q.PollInterval)
	}
	if q.JobTimeout <= 0 {
		return invalid("queue", "job_timeout", "job_timeout must be positive, got %v", q.JobTimeout)
	}
	if q.GracefulShutdownTimeout <= 0 {
		return invalid("queue", "graceful_shutdown_timeout", "graceful_shutdown_timeout must be positive, got %v", q.GracefulShutdownTimeout)
	}
	if q.OrphanDetectionInterval <= 0 {
		return invalid("queue", "orphan_detection_interval", "orphan_detection_interval must be positive, got %v", q.OrphanDetectionInterval)
	}
	if q.OrphanThreshold <= 0 {
		return invalid("queue", "orphan_threshold", "orphan_threshold must be positive, got %v", q.OrphanThreshold)
	}
	if q.HeartbeatInterval <= 0 {
		return invalid("queue", "heartbeat_interval", "heartbeat_interval must be positive, got %v", q.HeartbeatInterval)
	}
	if q.HeartbeatInterval >= q.OrphanThreshold {
		return invalid("queue", "heartbeat_interval", "heartbeat_interval must be less than orphan_threshold (%v >= %v)", q.HeartbeatInterval, q.OrphanThreshold)
	}
	if q.BufferSize < 1 {
		return invalid("queue", "buffer_size", "buffer_size must be at least 1, got %d", q.BufferSize)
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return NewValidationError("retention", "", fmt.Errorf("%w: retention configuration is nil", ErrMissingRequiredField))
	}
	// Negative retention days disable pruning of that table.
	if r.CleanupInterval <= 0 {
		return invalid("retention", "cleanup_interval", "cleanup_interval must be positive, got %v", r.CleanupInterval)
	}
	if r.BatchSize < 1 {
		return invalid("retention", "batch_size", "batch_size must be at least 1, got %d", r.BatchSize)
	}
	return nil
}

func (v *ConfigValidator) validateDispatch() error {
	d := v.cfg.Dispatch
	if d == nil {
		return NewValidationError("dispatch", "", fmt.Errorf("%w: dispatch configuration is nil", ErrMissingRequiredField))
	}
	if _, err := ScheduleParser.Parse(d.ProcessSchedule); err != nil {
		return NewValidationError("dispatch", "process_schedule", fmt.Errorf("%w: %q: %v", ErrInvalidValue, d.ProcessSchedule, err))
	}
	if v.cfg.CRM != nil && v.cfg.CRM.Enabled {
		if _, err := ScheduleParser.Parse(d.SyncSchedule); err != nil {
			return NewValidationError("dispatch", "sync_schedule", fmt.Errorf("%w: %q: %v", ErrInvalidValue, d.SyncSchedule, err))
		}
	}
	if d.ProcessBatchSize < 1 {
		return invalid("dispatch", "process_batch_size", "process_batch_size must be at least 1, got %d", d.ProcessBatchSize)
	}
	if d.SyncBatchSize < 1 {
		return invalid("dispatch", "sync_batch_size", "sync_batch_size must be at least 1, got %d", d.SyncBatchSize)
	}
	return nil
}

func (v *ConfigValidator) validateEvents() error {
	e := v.cfg.Events
	if e == nil {
		return NewValidationError("events", "", fmt.Errorf("%w: events configuration is nil", ErrMissingRequiredField))
	}
	if !e.Transport.IsValid() {
		return invalid("events", "transport", "unknown transport %q (want local, postgres or redis)", e.Transport)
	}
	if !e.Sequencer.IsValid() {
		return invalid("events", "sequencer", "unknown sequencer %q (want database, redis or memory)", e.Sequencer)
	}
	if e.Sequencer == SequencerMemory && e.Transport != TransportLocal {
		return invalid("events", "sequencer", "memory sequencer cannot be shared by replicas of the %s transport", e.Transport)
	}
	if (e.Transport == TransportRedis || e.Sequencer == SequencerRedis) && !v.cfg.Redis.Enabled() {
		return NewValidationError("redis", "url", fmt.Errorf("%w: redis url is required by the %s transport or sequencer", ErrMissingRequiredField, TransportRedis))
	}
	if e.Transport == TransportPostgres && e.NotifyChannel == "" {
		return NewValidationError("events", "notify_channel", ErrMissingRequiredField)
	}
	if e.MaxRetries < 1 {
		return invalid("events", "max_retries", "max_retries must be at least 1, got %d", e.MaxRetries)
	}
	if e.WriteTimeout <= 0 {
		return invalid("events", "write_timeout", "write_timeout must be positive, got %v", e.WriteTimeout)
	}
	return nil
}

func (v *ConfigValidator) validatePipeline() error {
	p := v.cfg.Pipeline
	if p == nil {
		return NewValidationError("pipeline", "", fmt.Errorf("%w: pipeline configuration is nil", ErrMissingRequiredField))
	}
	if strings.TrimSpace(p.MediaRoot) == "" {
		return NewValidationError("pipeline", "media_root", ErrMissingRequiredField)
	}
	if p.MaxZoom < 0 || p.MaxZoom > 12 {
		return invalid("pipeline", "max_zoom", "max_zoom must be between 0 and 12, got %d", p.MaxZoom)
	}
	if p.TileSize < 64 || p.TileSize > 1024 {
		return invalid("pipeline", "tile_size", "tile_size must be between 64 and 1024, got %d", p.TileSize)
	}
	return nil
}

func (v *ConfigValidator) validateSegmentation() error {
	s := v.cfg.Segmentation
	if s == nil {
		return NewValidationError("segmentation", "", fmt.Errorf("%w: segmentation configuration is nil", ErrMissingRequiredField))
	}
	if s.URL != "" && !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return invalid("segmentation", "url", "url must be http(s), got %q", s.URL)
	}
	if s.Timeout <= 0 {
		return invalid("segmentation", "timeout", "timeout must be positive, got %v", s.Timeout)
	}
	if s.Retries < 0 {
		return invalid("segmentation", "retries", "retries must be non-negative, got %d", s.Retries)
	}
	return nil
}

func (v *ConfigValidator) validateCRM() error {
	c := v.cfg.CRM
	if c == nil || !c.Enabled {
		return nil
	}
	if missing := c.Endpoints.missing(); len(missing) > 0 {
		return NewValidationError("crm", "endpoints", fmt.Errorf("%w: %s", ErrMissingRequiredField, strings.Join(missing, ", ")))
	}
	if c.ActorEmail == "" {
		return NewValidationError("crm", "actor_email", ErrMissingRequiredField)
	}
	if c.Timeout <= 0 {
		return invalid("crm", "timeout", "timeout must be positive, got %v", c.Timeout)
	}
	if c.Retries < 0 {
		return invalid("crm", "retries", "retries must be non-negative, got %d", c.Retries)
	}
	return nil
}

// ScheduleParser parses dispatch schedules: standard five-field cron, an
// optional leading seconds field, or descriptors such as @every 10s.
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func invalid(section, field, format string, args ...any) *ValidationError {
	return NewValidationError(section, field, fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...)))
}
