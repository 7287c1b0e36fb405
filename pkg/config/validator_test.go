package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCRM() *CRMConfig {
	c := DefaultCRMConfig()
	c.Enabled = true
	c.ActorEmail = "sync@example.com"
	c.Endpoints = CRMEndpoints{
		ListProjects:   "https://crm/list_projects",
		CreateProject:  "https://crm/create_project",
		UpdateProject:  "https://crm/update_project",
		ListPages:      "https://crm/list_pages",
		CreatePage:     "https://crm/create_page",
		UpdatePage:     "https://crm/update_page",
		ListPolygons:   "https://crm/list_polygons",
		CreatePolygon:  "https://crm/create_polygon",
		UpdatePolygon:  "https://crm/update_polygon",
		DeletePolygons: "https://crm/delete_polygons",
	}
	return c
}

func TestValidateAllDefaults(t *testing.T) {
	require.NoError(t, NewValidator(Defaults()).ValidateAll())
}

func TestValidateAll(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{
			name:   "postgres transport",
			modify: func(c *Config) { c.Events.Transport = TransportPostgres },
		},
		{
			name:    "postgres transport without channel",
			modify:  func(c *Config) { c.Events.Transport = TransportPostgres; c.Events.NotifyChannel = "" },
			wantErr: "events.notify_channel",
		},
		{
			name:    "redis sequencer without url",
			modify:  func(c *Config) { c.Events.Sequencer = SequencerRedis },
			wantErr: "redis.url",
		},
		{
			name: "redis sequencer with url",
			modify: func(c *Config) {
				c.Events.Sequencer = SequencerRedis
				c.Redis.URL = "redis://localhost:6379"
			},
		},
		{
			name:   "memory sequencer on one process",
			modify: func(c *Config) { c.Events.Sequencer = SequencerMemory },
		},
		{
			name: "memory sequencer with postgres transport",
			modify: func(c *Config) {
				c.Events.Sequencer = SequencerMemory
				c.Events.Transport = TransportPostgres
			},
			wantErr: "memory sequencer cannot be shared",
		},
		{
			name: "memory sequencer with redis transport",
			modify: func(c *Config) {
				c.Events.Sequencer = SequencerMemory
				c.Events.Transport = TransportRedis
				c.Redis.URL = "redis://localhost:6379"
			},
			wantErr: "memory sequencer cannot be shared",
		},
		{
			name:    "unknown sequencer",
			modify:  func(c *Config) { c.Events.Sequencer = "etcd" },
			wantErr: "unknown sequencer",
		},
		{
			name:    "zero max retries",
			modify:  func(c *Config) { c.Events.MaxRetries = 0 },
			wantErr: "max_retries must be at least 1",
		},
		{
			name:    "retention interval zero",
			modify:  func(c *Config) { c.Retention.CleanupInterval = 0 },
			wantErr: "cleanup_interval must be positive",
		},
		{
			name:   "negative retention days disable pruning",
			modify: func(c *Config) { c.Retention.JobStatusRetentionDays = -1 },
		},
		{
			name:    "empty media root",
			modify:  func(c *Config) { c.Pipeline.MediaRoot = "  " },
			wantErr: "pipeline.media_root",
		},
		{
			name:   "max zoom zero renders a single level",
			modify: func(c *Config) { c.Pipeline.MaxZoom = 0 },
		},
		{
			name:    "max zoom too high",
			modify:  func(c *Config) { c.Pipeline.MaxZoom = 13 },
			wantErr: "max_zoom must be between 0 and 12",
		},
		{
			name:    "tile size too small",
			modify:  func(c *Config) { c.Pipeline.TileSize = 16 },
			wantErr: "tile_size must be between 64 and 1024",
		},
		{
			name:    "segmentation url without scheme",
			modify:  func(c *Config) { c.Segmentation.URL = "segmenter:8000" },
			wantErr: "url must be http(s)",
		},
		{
			name:    "negative segmentation retries",
			modify:  func(c *Config) { c.Segmentation.Retries = -1 },
			wantErr: "retries must be non-negative",
		},
		{
			name:   "six field cron schedule",
			modify: func(c *Config) { c.Dispatch.ProcessSchedule = "*/5 * * * * *" },
		},
		{
			name:   "five field cron schedule",
			modify: func(c *Config) { c.Dispatch.ProcessSchedule = "*/2 * * * *" },
		},
		{
			name:    "sync schedule checked when crm enabled",
			modify:  func(c *Config) { c.CRM = validCRM(); c.Dispatch.SyncSchedule = "" },
			wantErr: "dispatch.sync_schedule",
		},
		{
			name:   "sync schedule ignored when crm disabled",
			modify: func(c *Config) { c.Dispatch.SyncSchedule = "" },
		},
		{
			name:    "zero batch size",
			modify:  func(c *Config) { c.Dispatch.ProcessBatchSize = 0 },
			wantErr: "process_batch_size must be at least 1",
		},
		{
			name:   "complete crm",
			modify: func(c *Config) { c.CRM = validCRM() },
		},
		{
			name:    "crm missing one endpoint",
			modify:  func(c *Config) { c.CRM = validCRM(); c.CRM.Endpoints.DeletePolygons = "" },
			wantErr: "crm.endpoints: missing required field: delete_polygons",
		},
		{
			name:    "crm without actor",
			modify:  func(c *Config) { c.CRM = validCRM(); c.CRM.ActorEmail = "" },
			wantErr: "crm.actor_email",
		},
		{
			name:    "crm zero timeout",
			modify:  func(c *Config) { c.CRM = validCRM(); c.CRM.Timeout = 0 },
			wantErr: "crm.timeout",
		},
		{
			name:    "nil events",
			modify:  func(c *Config) { c.Events = nil },
			wantErr: "events configuration is nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			err := NewValidator(cfg).ValidateAll()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScheduleParser(t *testing.T) {
	sched, err := ScheduleParser.Parse("@every 10s")
	require.NoError(t, err)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(10*time.Second), sched.Next(start))

	_, err = ScheduleParser.Parse("")
	assert.Error(t, err)
}
