package config

// Config is the umbrella configuration object returned by Initialize().
// Every section is resolved: built-in defaults with jobstream.yaml merged
// on top.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Queue        *QueueConfig
	Retention    *RetentionConfig
	Dispatch     *DispatchConfig
	Events       *EventsConfig
	Redis        *RedisConfig
	Auth         *AuthConfig
	Segmentation *SegmentationConfig
	CRM          *CRMConfig
	Pipeline     *PipelineConfig
	System       *SystemConfig
}

// Initialize is defined in loader.go

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	Workers        int
	Transport      TransportKind
	Sequencer      SequencerKind
	RedisEnabled   bool
	SyncEnabled    bool
	AllowedOrigins int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Queue != nil {
		s.Workers = c.Queue.WorkerCount
	}
	if c.Events != nil {
		s.Transport = c.Events.Transport
		s.Sequencer = c.Events.Sequencer
	}
	if c.Redis != nil {
		s.RedisEnabled = c.Redis.Enabled()
	}
	if c.CRM != nil {
		s.SyncEnabled = c.CRM.Enabled
	}
	if c.System != nil {
		s.AllowedOrigins = len(c.System.AllowedWSOrigins)
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}
