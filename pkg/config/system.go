package config

import "time"

// TransportKind selects how envelopes reach sessions on other replicas.
type TransportKind string

// Transport kinds.
const (
	// TransportLocal delivers to sessions of this process only.
	TransportLocal TransportKind = "local"
	// TransportPostgres fans out with pg_notify on the main database.
	TransportPostgres TransportKind = "postgres"
	// TransportRedis fans out with Redis pub/sub.
	TransportRedis TransportKind = "redis"
)

// IsValid reports whether k is a known transport.
func (k TransportKind) IsValid() bool {
	switch k {
	case TransportLocal, TransportPostgres, TransportRedis:
		return true
	}
	return false
}

// SequencerKind selects where per-task sequence counters live.
type SequencerKind string

// Sequencer backends.
const (
	// SequencerDatabase keeps counters in the sequence_counters table.
	SequencerDatabase SequencerKind = "database"
	SequencerRedis    SequencerKind = "redis"
	// SequencerMemory loses counters on restart. Single-process only.
	SequencerMemory SequencerKind = "memory"
)

// IsValid reports whether k is a known sequencer backend.
func (k SequencerKind) IsValid() bool {
	switch k {
	case SequencerDatabase, SequencerRedis, SequencerMemory:
		return true
	}
	return false
}

// EventsConfig controls the publish pipeline and the WebSocket sessions.
type EventsConfig struct {
	Transport TransportKind `yaml:"transport"`
	Sequencer SequencerKind `yaml:"sequencer"`

	// NotifyChannel is the LISTEN/NOTIFY channel of the postgres transport.
	NotifyChannel string `yaml:"notify_channel"`

	// RedisChannelPrefix prefixes the per-group pub/sub channels.
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`

	// MaxRetries is the number of send attempts per group.
	MaxRetries int           `yaml:"max_retries"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MembershipTimeout bounds one permission lookup.
	MembershipTimeout time.Duration `yaml:"membership_timeout"`
}

// DefaultEventsConfig returns the built-in events defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		Transport:          TransportLocal,
		Sequencer:          SequencerDatabase,
		NotifyChannel:      "jobstream_events",
		RedisChannelPrefix: "jobstream:group:",
		MaxRetries:         3,
		MaxBackoff:         10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MembershipTimeout:  2 * time.Second,
	}
}

// RedisConfig holds the optional Redis connection. An empty URL disables
// every Redis-backed component.
type RedisConfig struct {
	URL string `yaml:"url"`

	// LockTTL is the lifetime of the cross-replica workspace lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// Enabled reports whether a Redis URL is configured.
func (c *RedisConfig) Enabled() bool {
	return c != nil && c.URL != ""
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{LockTTL: 15 * time.Minute}
}

// AuthConfig controls JWT verification of HTTP and WebSocket callers.
type AuthConfig struct {
	// SecretEnv names the env var holding the HS256 signing secret.
	SecretEnv string `yaml:"secret_env"`
	// Issuer, when set, must match the iss claim.
	Issuer string        `yaml:"issuer"`
	Leeway time.Duration `yaml:"leeway"`
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		SecretEnv: "JWT_SECRET",
		Leeway:    30 * time.Second,
	}
}

// PipelineConfig controls workspace processing output.
type PipelineConfig struct {
	// MediaRoot is the directory rendered pages, tiles and thumbnails are
	// written under.
	MediaRoot string `yaml:"media_root"`
	MaxZoom   int    `yaml:"max_zoom"`
	TileSize  int    `yaml:"tile_size"`
	// SegmentationMethod is sent for whole-page extraction.
	SegmentationMethod string `yaml:"segmentation_method"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		MediaRoot:          "media",
		MaxZoom:            6,
		TileSize:           256,
		SegmentationMethod: "GENERIC",
	}
}

// SystemConfig groups process-wide settings.
type SystemConfig struct {
	// AllowedWSOrigins are extra origin patterns accepted on /ws/events.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}
