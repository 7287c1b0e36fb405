package config

import "time"

// SegmentationConfig configures the polygon segmentation API client.
type SegmentationConfig struct {
	URL string `yaml:"url"`
	// APIKeyEnv names the env var holding the API key.
	APIKeyEnv    string        `yaml:"api_key_env"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	RetryWait    time.Duration `yaml:"retry_wait"`
	RetryMaxWait time.Duration `yaml:"retry_max_wait"`
}

// DefaultSegmentationConfig returns the built-in segmentation defaults.
func DefaultSegmentationConfig() *SegmentationConfig {
	return &SegmentationConfig{
		APIKeyEnv:    "SEGMENTATION_API_KEY",
		Timeout:      60 * time.Second,
		Retries:      2,
		RetryWait:    500 * time.Millisecond,
		RetryMaxWait: 5 * time.Second,
	}
}

// CRMEndpoints are the CRM operation URLs. Relative paths resolve against
// CRMConfig.BaseURL. Field names match crm.Endpoints so the two convert
// directly.
type CRMEndpoints struct {
	ListProjects   string `yaml:"list_projects"`
	CreateProject  string `yaml:"create_project"`
	UpdateProject  string `yaml:"update_project"`
	ListPages      string `yaml:"list_pages"`
	CreatePage     string `yaml:"create_page"`
	UpdatePage     string `yaml:"update_page"`
	ListPolygons   string `yaml:"list_polygons"`
	CreatePolygon  string `yaml:"create_polygon"`
	UpdatePolygon  string `yaml:"update_polygon"`
	DeletePolygons string `yaml:"delete_polygons"`
}

// CRMConfig configures the CRM client and the sync service.
type CRMConfig struct {
	Enabled   bool         `yaml:"enabled"`
	BaseURL   string       `yaml:"base_url"`
	Endpoints CRMEndpoints `yaml:"endpoints"`

	// AuthCodeEnv names the env var holding the CRM auth code.
	AuthCodeEnv string `yaml:"auth_code_env"`
	UserEmail   string `yaml:"user_email"`
	ActorEmail  string `yaml:"actor_email"`

	// MediaBaseURL prefixes stored media paths in CRM payloads.
	MediaBaseURL string `yaml:"media_base_url"`

	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	RetryWait    time.Duration `yaml:"retry_wait"`
	RetryMaxWait time.Duration `yaml:"retry_max_wait"`

	// SyncRetries retries a whole failed sync run.
	SyncRetries int `yaml:"sync_retries"`
}

// DefaultCRMConfig returns the built-in CRM defaults.
func DefaultCRMConfig() *CRMConfig {
	return &CRMConfig{
		AuthCodeEnv:  "CRM_AUTH_CODE",
		Timeout:      20 * time.Second,
		Retries:      2,
		RetryWait:    500 * time.Millisecond,
		RetryMaxWait: 4 * time.Second,
		SyncRetries:  1,
	}
}

// DispatchConfig controls the cron-driven dispatcher. Schedules use the
// robfig/cron syntax with an optional seconds field or @every.
type DispatchConfig struct {
	ProcessSchedule string `yaml:"process_schedule"`
	// SyncSchedule is ignored when CRM sync is disabled.
	SyncSchedule     string `yaml:"sync_schedule"`
	ProcessBatchSize int    `yaml:"process_batch_size"`
	SyncBatchSize    int    `yaml:"sync_batch_size"`
}

// DefaultDispatchConfig returns the built-in dispatch defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		ProcessSchedule:  "@every 10s",
		SyncSchedule:     "@every 30s",
		ProcessBatchSize: 20,
		SyncBatchSize:    20,
	}
}

// missing returns the yaml names of unset endpoints.
func (e CRMEndpoints) missing() []string {
	var out []string
	for _, f := range []struct{ name, val string }{
		{"list_projects", e.ListProjects},
		{"create_project", e.CreateProject},
		{"update_project", e.UpdateProject},
		{"list_pages", e.ListPages},
		{"create_page", e.CreatePage},
		{"update_page", e.UpdatePage},
		{"list_polygons", e.ListPolygons},
		{"create_polygon", e.CreatePolygon},
		{"update_polygon", e.UpdatePolygon},
		{"delete_polygons", e.DeletePolygons},
	} {
		if f.val == "" {
			out = append(out, f.name)
		}
	}
	return out
}
