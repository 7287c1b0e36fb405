// Package api serves the HTTP surface of jobstream: the WebSocket event
// endpoint, job status reads, job control and health.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/queue"
)

// TokenVerifier authenticates access tokens. Implemented by auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// JobStatusReader reads projected job status rows. Implemented by
// jobstatus.Store.
type JobStatusReader interface {
	Get(ctx context.Context, taskID string) (*models.JobStatus, error)
}

// PageJobController cancels and submits page region jobs. Implemented by
// pipeline.PageJobs.
type PageJobController interface {
	Cancel(ctx context.Context, workspaceID int64, pageNumber int) (string, error)
	SubmitPageRegion(ctx context.Context, req events.PageRegionRequest) (string, error)
}

// JobQueue accepts and cancels workspace jobs. Implemented by
// queue.WorkerPool.
type JobQueue interface {
	Submit(job queue.Job) error
	CancelTask(taskID string) bool
	Health(ctx context.Context) *queue.PoolHealth
}

// SyncAnnouncer records that a sync was enqueued. Implemented by
// crm.SyncService.
type SyncAnnouncer interface {
	MarkQueued(ctx context.Context, workspaceID int64)
}

// ScheduleReporter reports the next dispatch times. Implemented by
// scheduler.Dispatcher.
type ScheduleReporter interface {
	NextRuns() map[string]time.Time
}

// Options holds the collaborators of a Server. DB, Verifier and
// Permissions are required; the rest disable their routes when nil.
type Options struct {
	DB          *sql.DB
	Verifier    TokenVerifier
	Permissions *events.PermissionChecker
	Sessions    *events.SessionManager
	Stats       events.StatsSource
	Jobs        JobStatusReader
	Pages       PageJobController
	Queue       JobQueue
	Syncs       SyncAnnouncer
	Schedules   ScheduleReporter
	// AllowedWSOrigins are host patterns accepted on WebSocket upgrades
	// in addition to same-origin requests.
	AllowedWSOrigins []string
	// LogRequests enables per-request logging.
	LogRequests bool
}

// Server is the HTTP API server.
type Server struct {
	opts       Options
	engine     *gin.Engine
	root       http.Handler
	httpServer *http.Server
}

// NewServer creates the server and registers its routes.
func NewServer(opts Options) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())
	if opts.LogRequests {
		engine.Use(requestLogger())
	}

	s := &Server{opts: opts, engine: engine}
	s.setupRoutes()

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+wsPath, s.wsHandler)
	mux.Handle("/", engine)
	s.root = mux
	s.httpServer = &http.Server{
		Handler:           s.root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/api", requireAuth(s.opts.Verifier))
	v1.GET("/jobs/:task_id", s.getJobHandler)
	v1.GET("/events/stats", s.eventStatsHandler)

	ws := v1.Group("/workspaces/:id")
	ws.POST("/process", s.processWorkspaceHandler)
	ws.POST("/sync", s.syncWorkspaceHandler)
	ws.POST("/cancel", s.cancelWorkspaceHandler)
	ws.POST("/pages/:page/cancel", s.cancelPageHandler)
	ws.POST("/pages/:page/regions", s.submitRegionHandler)
}

// Handler returns the root handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.root
}

// Start serves on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithListener serves on an existing listener until Shutdown.
func (s *Server) StartWithListener(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
