package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// JobStatusRetentionDays is how many days a terminal job status row is
	// kept after its last update. Its sequence counter is dropped with it.
	// A negative value disables pruning.
	JobStatusRetentionDays int `yaml:"job_status_retention_days"`

	// NotificationRetentionDays is how many days read notifications are
	// kept. Unread notifications are never pruned. A negative value
	// disables pruning.
	NotificationRetentionDays int `yaml:"notification_retention_days"`

	// BatchSize bounds the rows deleted per table per run.
	BatchSize int `yaml:"batch_size"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		JobStatusRetentionDays:    30,
		NotificationRetentionDays: 90,
		BatchSize:                 1000,
		CleanupInterval:           12 * time.Hour,
	}
}
