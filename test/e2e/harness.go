// Package e2e provides end-to-end test infrastructure for the jobstream
// pipeline: a complete server wired the way cmd/jobstream wires it, backed
// by SQLite or a real PostgreSQL schema.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pdfmap/jobstream/pkg/api"
	"github.com/pdfmap/jobstream/pkg/auth"
	"github.com/pdfmap/jobstream/pkg/config"
	"github.com/pdfmap/jobstream/pkg/database"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/membership"
	"github.com/pdfmap/jobstream/pkg/pipeline"
	"github.com/pdfmap/jobstream/pkg/queue"
	"github.com/pdfmap/jobstream/pkg/segmentation"
	"github.com/pdfmap/jobstream/test/util"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "e2e-test-secret"

// TestApp boots a complete jobstream instance for e2e testing.
type TestApp struct {
	// Core
	Config *config.Config
	DB     *gorm.DB
	Media  pipeline.Media

	// Real infrastructure
	Verifier   *auth.Verifier
	Members    *membership.Lookup
	Publisher  *events.Publisher
	Sessions   *events.SessionManager
	Store      *pipeline.Store
	PageJobs   *pipeline.PageJobs
	WorkerPool *queue.WorkerPool
	Server     *api.Server

	// Fakes
	Segmentation *SegmentationServer

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws/events"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount  int
	dbClient     *database.Client // injected DB client (for multi-replica tests)
	notifyConn   string           // LISTEN connection string; enables the postgres transport
	channel      string
	mediaRoot    string
	segmentation *SegmentationServer
	podID        string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of queue workers.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithDBClient injects a PostgreSQL client instead of the per-test SQLite
// database. Used by multi-replica tests where replicas share one schema.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithPostgresTransport fans events out over NOTIFY on channel, received
// by a NotifyListener on connString.
func WithPostgresTransport(connString, channel string) TestAppOption {
	return func(c *testAppConfig) {
		c.notifyConn = connString
		c.channel = channel
	}
}


// WithMediaRoot shares a media directory between replicas.
func WithMediaRoot(dir string) TestAppOption {
	return func(c *testAppConfig) { c.mediaRoot = dir }
}

// WithSegmentation uses an existing fake segmentation API.
func WithSegmentation(s *SegmentationServer) TestAppOption {
	return func(c *testAppConfig) { c.segmentation = s }
}

// WithPodID sets a custom pod ID for the worker pool.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// NewTestApp creates and starts a fully wired jobstream server on a random
// port. Everything is torn down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{workerCount: 2}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := config.Defaults()
	cfg.Queue.WorkerCount = tc.workerCount
	cfg.Queue.MaxConcurrentJobs = tc.workerCount
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Queue.PollIntervalJitter = 0
	cfg.Queue.HeartbeatInterval = time.Second
	cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	cfg.Queue.OrphanDetectionInterval = 0
	cfg.Pipeline.MaxZoom = 1
	if tc.mediaRoot == "" {
		tc.mediaRoot = t.TempDir()
	}
	cfg.Pipeline.MediaRoot = tc.mediaRoot

	ctx := context.Background()

	// 1. Database
	var db *gorm.DB
	if tc.dbClient != nil {
		db = tc.dbClient.ORM()
	} else {
		db = util.NewSQLiteDB(t)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)

	verifier, err := auth.NewVerifier([]byte(testSecret), auth.Options{})
	require.NoError(t, err)

	// 2. Event pipeline
	// Counters live next to the projection, so replicas on one database
	// share them.
	sequencer := events.NewSequencer(jobstatus.NewCounterStore(db))
	members := membership.NewLookup(db)
	permissions := events.NewPermissionChecker(members, cfg.Events.MembershipTimeout)
	statusStore := jobstatus.NewStore(db)
	sessions := events.NewSessionManager(events.SessionManagerOptions{
		Permissions: permissions,
		Resolver:    statusStore,
	})

	var transport events.Transport = events.NewLocalTransport(sessions)
	if tc.notifyConn != "" {
		listener := events.NewNotifyListener(tc.notifyConn, tc.channel, sessions)
		require.NoError(t, listener.Start(ctx))
		t.Cleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			listener.Stop(stopCtx)
		})
		transport = events.NewNotifyTransport(sqlDB, tc.channel)
	}
	publisher := events.NewPublisher(sequencer, permissions, transport, events.PublisherOptions{
		MaxRetries: cfg.Events.MaxRetries,
		MaxBackoff: cfg.Events.MaxBackoff,
	})
	sessions.SetStats(publisher)

	// 3. Pipeline
	if tc.segmentation == nil {
		tc.segmentation = NewSegmentationServer(t)
	}
	segmenter := segmentation.NewClient(segmentation.Config{
		URL:     tc.segmentation.URL(),
		APIKey:  tc.segmentation.APIKey,
		Timeout: 10 * time.Second,
	})

	projector := jobstatus.NewProjector(db, sequencer, publisher)
	notifier := pipeline.NewNotifier(projector, pipeline.NotifierOptions{
		Publisher: publisher,
		Members:   sessions,
		DB:        db,
	})
	store := pipeline.NewStore(db)
	media := pipeline.Media{Root: cfg.Pipeline.MediaRoot}
	processor := pipeline.NewProcessor(store, notifier, nil, segmenter, nil, pipeline.ProcessorOptions{
		Media:              media,
		Tiles:              pipeline.TileOptions{MaxZoom: cfg.Pipeline.MaxZoom, TileSize: cfg.Pipeline.TileSize},
		SegmentationMethod: cfg.Pipeline.SegmentationMethod,
	})
	pageJobs := pipeline.NewPageJobs(store, notifier, segmenter, media)
	sessions.SetPageRegions(pageJobs)

	// 4. Worker pool
	podID := tc.podID
	if podID == "" {
		podID = fmt.Sprintf("e2e-test-%s", t.Name())
	}
	pool := queue.NewWorkerPool(podID, store, notifier, cfg.Queue, queue.Runners{
		Processor: processor,
		PageJobs:  pageJobs,
	})
	pageJobs.SetRevoker(pool)
	require.NoError(t, pool.Start(ctx))

	// 5. HTTP server on random port
	server := api.NewServer(api.Options{
		DB:          sqlDB,
		Verifier:    verifier,
		Permissions: permissions,
		Sessions:    sessions,
		Stats:       publisher,
		Jobs:        statusStore,
		Pages:       pageJobs,
		Queue:       pool,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:       cfg,
		DB:           db,
		Media:        media,
		Verifier:     verifier,
		Members:      members,
		Publisher:    publisher,
		Sessions:     sessions,
		Store:        store,
		PageJobs:     pageJobs,
		WorkerPool:   pool,
		Server:       server,
		Segmentation: tc.segmentation,
		BaseURL:      fmt.Sprintf("http://%s", addr),
		WSURL:        fmt.Sprintf("ws://%s/ws/events", addr),
		t:            t,
	}

	t.Cleanup(func() {
		pool.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return app
}

// Token signs a short-lived access token for userID.
func (app *TestApp) Token(userID int64) string {
	app.t.Helper()
	token, err := app.Verifier.Sign(userID, 10*time.Minute)
	require.NoError(app.t, err)
	return token
}
