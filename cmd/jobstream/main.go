// jobstream server: runs the document pipeline workers, projects job
// status, and streams task events to WebSocket sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pdfmap/jobstream/pkg/api"
	"github.com/pdfmap/jobstream/pkg/auth"
	"github.com/pdfmap/jobstream/pkg/cleanup"
	"github.com/pdfmap/jobstream/pkg/config"
	"github.com/pdfmap/jobstream/pkg/crm"
	"github.com/pdfmap/jobstream/pkg/database"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/membership"
	"github.com/pdfmap/jobstream/pkg/pipeline"
	"github.com/pdfmap/jobstream/pkg/queue"
	"github.com/pdfmap/jobstream/pkg/scheduler"
	"github.com/pdfmap/jobstream/pkg/segmentation"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// setupLogging installs the default logger from LOG_LEVEL and LOG_FORMAT.
func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	envErr := godotenv.Load(envPath)
	setupLogging()
	if envErr != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", envErr)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	if err := run(*configDir); err != nil {
		slog.Error("jobstream exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()
	slog.Info("Starting jobstream",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", configDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	secret := os.Getenv(cfg.Auth.SecretEnv)
	verifier, err := auth.NewVerifier([]byte(secret), auth.Options{
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Auth.SecretEnv, err)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load database config: %w", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	if err := database.CreateDispatchIndexes(ctx, dbClient.DB()); err != nil {
		slog.Warn("Failed to create dispatch indexes", "error", err)
	}
	slog.Info("Connected to PostgreSQL database")

	// 3. Redis (optional)
	var rdb *goredis.Client
	if cfg.Redis.Enabled() {
		rdb, err = events.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		slog.Info("Connected to Redis")
	}

	// 4. Event pipeline: sequencer, permissions, sessions, transport, publisher
	orm := dbClient.ORM()
	counters, resetter := sequenceCounters(cfg.Events.Sequencer, orm, rdb)
	sequencer := events.NewSequencer(counters)
	slog.Info("Sequencer ready", "backend", cfg.Events.Sequencer)

	members := membership.NewCached(membership.NewLookup(orm), 0)
	permissions := events.NewPermissionChecker(members, cfg.Events.MembershipTimeout)
	statusStore := jobstatus.NewStore(orm)

	var tracker events.GroupMemberTracker
	if rdb != nil {
		tracker = events.NewGroupTracker(rdb)
	}
	sessions := events.NewSessionManager(events.SessionManagerOptions{
		Permissions:  permissions,
		Resolver:     statusStore,
		Tracker:      tracker,
		WriteTimeout: cfg.Events.WriteTimeout,
	})

	transport, stopTransport, err := startTransport(ctx, cfg.Events, dbClient, dbConfig, rdb, sessions)
	if err != nil {
		return err
	}
	defer stopTransport()

	publisher := events.NewPublisher(sequencer, permissions, transport, events.PublisherOptions{
		MaxRetries: cfg.Events.MaxRetries,
		MaxBackoff: cfg.Events.MaxBackoff,
	})
	sessions.SetStats(publisher)
	slog.Info("Event pipeline initialized",
		"transport", cfg.Events.Transport,
		"sequencer", cfg.Events.Sequencer)

	// 5. Job status projection and pipeline
	projector := jobstatus.NewProjector(orm, sequencer, publisher)
	notifier := pipeline.NewNotifier(projector, pipeline.NotifierOptions{
		Publisher: publisher,
		Members:   sessions,
		DB:        orm,
	})
	store := pipeline.NewStore(orm)
	media := pipeline.Media{Root: cfg.Pipeline.MediaRoot}

	var segmenter pipeline.Segmenter
	if cfg.Segmentation.URL != "" {
		segmenter = segmentation.NewClient(segmentation.Config{
			URL:          cfg.Segmentation.URL,
			APIKey:       os.Getenv(cfg.Segmentation.APIKeyEnv),
			Timeout:      cfg.Segmentation.Timeout,
			Retries:      cfg.Segmentation.Retries,
			RetryWait:    cfg.Segmentation.RetryWait,
			RetryMaxWait: cfg.Segmentation.RetryMaxWait,
		})
	} else {
		slog.Warn("Segmentation API not configured, polygon extraction disabled")
	}

	var locker pipeline.Locker
	if rdb != nil {
		locker = pipeline.NewRedisLocker(rdb)
	}

	var syncs *crm.SyncService
	if cfg.CRM.Enabled {
		client := crm.NewClient(crm.Config{
			BaseURL:      cfg.CRM.BaseURL,
			Endpoints:    crm.Endpoints(cfg.CRM.Endpoints),
			AuthCode:     os.Getenv(cfg.CRM.AuthCodeEnv),
			UserEmail:    cfg.CRM.UserEmail,
			ActorEmail:   cfg.CRM.ActorEmail,
			Timeout:      cfg.CRM.Timeout,
			Retries:      cfg.CRM.Retries,
			RetryWait:    cfg.CRM.RetryWait,
			RetryMaxWait: cfg.CRM.RetryMaxWait,
		})
		syncs = crm.NewSyncService(orm, client, notifier, crm.SyncOptions{
			MediaBaseURL: cfg.CRM.MediaBaseURL,
			MaxRetries:   cfg.CRM.SyncRetries,
			Worker:       podID,
		})
	}

	// The pool is built after the processor; AfterSuccess only runs once
	// workers are started.
	var pool *queue.WorkerPool
	processorOpts := pipeline.ProcessorOptions{
		Media:              media,
		Tiles:              pipeline.TileOptions{MaxZoom: cfg.Pipeline.MaxZoom, TileSize: cfg.Pipeline.TileSize},
		LockTTL:            cfg.Redis.LockTTL,
		SegmentationMethod: cfg.Pipeline.SegmentationMethod,
	}
	if syncs != nil {
		processorOpts.AfterSuccess = func(ctx context.Context, workspaceID int64) {
			err := pool.Submit(queue.Job{Kind: queue.KindSync, WorkspaceID: workspaceID})
			switch {
			case err == nil:
				syncs.MarkQueued(ctx, workspaceID)
			case errors.Is(err, queue.ErrAlreadyQueued):
			default:
				slog.Warn("Could not chain CRM sync", "workspace_id", workspaceID, "error", err)
			}
		}
	}
	processor := pipeline.NewProcessor(store, notifier, nil, segmenter, locker, processorOpts)
	pageJobs := pipeline.NewPageJobs(store, notifier, segmenter, media)
	sessions.SetPageRegions(pageJobs)

	// 6. Worker pool (before HTTP server)
	runners := queue.Runners{Processor: processor, PageJobs: pageJobs}
	if syncs != nil {
		runners.Syncer = syncs
	}
	pool = queue.NewWorkerPool(podID, store, notifier, cfg.Queue, runners)
	pageJobs.SetRevoker(pool)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// 7. Dispatch and retention
	var announcer scheduler.SyncAnnouncer
	if syncs != nil {
		announcer = syncs
	}
	dispatcher := scheduler.NewDispatcher(cfg.Dispatch, store, pool, announcer)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	cleanupService := cleanup.NewService(cfg.Retention, orm, resetter)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 8. HTTP server
	opts := api.Options{
		DB:               dbClient.DB(),
		Verifier:         verifier,
		Permissions:      permissions,
		Sessions:         sessions,
		Stats:            publisher,
		Jobs:             statusStore,
		Pages:            pageJobs,
		Queue:            pool,
		Schedules:        dispatcher,
		AllowedWSOrigins: cfg.System.AllowedWSOrigins,
		LogRequests:      getEnv("LOG_REQUESTS", "false") == "true",
	}
	if syncs != nil {
		opts.Syncs = syncs
	}
	httpServer := api.NewServer(opts)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil {
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("jobstream started successfully",
		"pod_id", podID,
		"workers", stats.Workers,
		"sync_enabled", stats.SyncEnabled)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var serveErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case serveErr = <-errCh:
		slog.Error("Server error triggered shutdown", "error", serveErr)
	}

	// 10. Graceful shutdown: stop feeding the pool, drain workers, then HTTP.
	dispatcher.Stop()

	workerShutdownCtx, workerCancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, unfinished jobs will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return serveErr
}

// startTransport builds the configured fan-out transport and starts its
// receiving side. The returned stop function releases the receiver.
// sequenceCounters returns the counter store of the configured sequencer
// backend and the resetter retention uses for it. Memory counters have no
// resetter: they die with the process.
func sequenceCounters(kind config.SequencerKind, orm *gorm.DB, rdb *goredis.Client) (events.CounterStore, cleanup.CounterResetter) {
	switch kind {
	case config.SequencerRedis:
		s := events.NewRedisCounterStore(rdb)
		return s, s
	case config.SequencerMemory:
		return events.NewMemoryCounterStore(), nil
	default:
		s := jobstatus.NewCounterStore(orm)
		return s, s
	}
}

func startTransport(ctx context.Context, cfg *config.EventsConfig, db *database.Client, dbConfig database.Config,
	rdb *goredis.Client, sessions *events.SessionManager) (events.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportPostgres:
		listener := events.NewNotifyListener(dbConfig.DSN(), cfg.NotifyChannel, sessions)
		if err := listener.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to start NotifyListener: %w", err)
		}
		stop := func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			listener.Stop(stopCtx)
		}
		return events.NewNotifyTransport(db.DB(), cfg.NotifyChannel), stop, nil

	case config.TransportRedis:
		fwdCtx, cancel := context.WithCancel(ctx)
		if err := events.StartRedisForwarder(fwdCtx, rdb, cfg.RedisChannelPrefix, sessions); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to start redis forwarder: %w", err)
		}
		return events.NewRedisTransport(rdb, cfg.RedisChannelPrefix), cancel, nil

	default:
		return events.NewLocalTransport(sessions), func() {}, nil
	}
}
