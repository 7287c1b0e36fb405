package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pdfmap/jobstream/pkg/auth"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/queue"
)

// errNotRunning is returned when a cancel targets a job that is not
// running on this pod.
var errNotRunning = errors.New("job is not running")

// RegionRequest is the body of POST /api/workspaces/:id/pages/:page/regions.
type RegionRequest struct {
	RectPoints         [][2]float64 `json:"rect_points" binding:"required"`
	SegmentationMethod string       `json:"segmentation_method"`
	DPI                int          `json:"dpi"`
}

// workspaceParam parses :id and checks the caller is a workspace member.
func (s *Server) workspaceParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abortWithError(c, badRequest("invalid workspace id %q", c.Param("id")))
		return 0, false
	}
	userID := auth.UserIDFrom(c.Request.Context())
	group := events.WorkspaceGroups(strconv.FormatInt(id, 10), userID)[0]
	if !s.opts.Permissions.CanAccess(c.Request.Context(), userID, group) {
		abortWithError(c, errForbidden)
		return 0, false
	}
	return id, true
}

func pageParam(c *gin.Context) (int, bool) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		abortWithError(c, badRequest("invalid page number %q", c.Param("page")))
		return 0, false
	}
	return page, true
}

func (s *Server) requireQueue(c *gin.Context) bool {
	if s.opts.Queue == nil {
		abortWithError(c, queue.ErrStopped)
		return false
	}
	return true
}

// processWorkspaceHandler handles POST /api/workspaces/:id/process.
func (s *Server) processWorkspaceHandler(c *gin.Context) {
	id, ok := s.workspaceParam(c)
	if !ok || !s.requireQueue(c) {
		return
	}
	job := queue.Job{Kind: queue.KindProcess, WorkspaceID: id}
	if err := s.opts.Queue.Submit(job); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobAcceptedResponse{TaskID: job.TaskID(), Status: "queued"})
}

// syncWorkspaceHandler handles POST /api/workspaces/:id/sync.
func (s *Server) syncWorkspaceHandler(c *gin.Context) {
	id, ok := s.workspaceParam(c)
	if !ok || !s.requireQueue(c) {
		return
	}
	job := queue.Job{Kind: queue.KindSync, WorkspaceID: id}
	if err := s.opts.Queue.Submit(job); err != nil {
		abortWithError(c, err)
		return
	}
	if s.opts.Syncs != nil {
		s.opts.Syncs.MarkQueued(c.Request.Context(), id)
	}
	c.JSON(http.StatusAccepted, JobAcceptedResponse{TaskID: job.TaskID(), Status: "queued"})
}

// cancelWorkspaceHandler handles POST /api/workspaces/:id/cancel.
// Only a pipeline running on this pod can be canceled.
func (s *Server) cancelWorkspaceHandler(c *gin.Context) {
	id, ok := s.workspaceParam(c)
	if !ok || !s.requireQueue(c) {
		return
	}
	taskID := queue.Job{Kind: queue.KindProcess, WorkspaceID: id}.TaskID()
	if !s.opts.Queue.CancelTask(taskID) {
		abortWithError(c, errNotRunning)
		return
	}
	c.JSON(http.StatusAccepted, JobAcceptedResponse{TaskID: taskID, Status: "canceling"})
}

// cancelPageHandler handles POST /api/workspaces/:id/pages/:page/cancel.
func (s *Server) cancelPageHandler(c *gin.Context) {
	id, ok := s.workspaceParam(c)
	if !ok {
		return
	}
	page, ok := pageParam(c)
	if !ok {
		return
	}
	if s.opts.Pages == nil {
		abortWithError(c, queue.ErrNoRunner)
		return
	}
	taskID, err := s.opts.Pages.Cancel(c.Request.Context(), id, page)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, JobAcceptedResponse{TaskID: taskID, Status: "canceled"})
}

// submitRegionHandler handles POST /api/workspaces/:id/pages/:page/regions.
func (s *Server) submitRegionHandler(c *gin.Context) {
	id, ok := s.workspaceParam(c)
	if !ok {
		return
	}
	page, ok := pageParam(c)
	if !ok {
		return
	}
	var req RegionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, badRequest("invalid request body: %v", err))
		return
	}
	if s.opts.Pages == nil {
		abortWithError(c, queue.ErrNoRunner)
		return
	}
	if req.SegmentationMethod == "" {
		req.SegmentationMethod = "GENERIC"
	}
	if req.DPI <= 0 {
		req.DPI = 100
	}
	taskID, err := s.opts.Pages.SubmitPageRegion(c.Request.Context(), events.PageRegionRequest{
		UserID:             auth.UserIDFrom(c.Request.Context()),
		WorkspaceID:        strconv.FormatInt(id, 10),
		PageNumber:         page,
		RectPoints:         req.RectPoints,
		SegmentationMethod: req.SegmentationMethod,
		DPI:                req.DPI,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobAcceptedResponse{TaskID: taskID, Status: "queued"})
}
