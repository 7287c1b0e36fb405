package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pdfmap/jobstream/pkg/auth"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/models"
)

// getJobHandler handles GET /api/jobs/:task_id.
// Rows the caller cannot see answer 404, like missing rows.
func (s *Server) getJobHandler(c *gin.Context) {
	if s.opts.Jobs == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "job status not available"})
		return
	}
	taskID := c.Param("task_id")
	if !events.ValidateGroupName("job_" + taskID) {
		abortWithError(c, badRequest("invalid task id %q", taskID))
		return
	}

	row, err := s.opts.Jobs.Get(c.Request.Context(), taskID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !s.canReadJob(c, row) {
		abortWithError(c, jobstatus.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, newJobStatusResponse(row))
}

// canReadJob reports whether the caller owns the job or may join its
// job group.
func (s *Server) canReadJob(c *gin.Context, row *models.JobStatus) bool {
	userID := auth.UserIDFrom(c.Request.Context())
	if row.UserID != nil && *row.UserID == userID {
		return true
	}
	if row.ProjectID == "" {
		return false
	}
	return s.opts.Permissions.CanAccess(c.Request.Context(), userID, events.JobGroups(row.TaskID, row.ProjectID)[0])
}

// eventStatsHandler handles GET /api/events/stats.
func (s *Server) eventStatsHandler(c *gin.Context) {
	resp := EventStatsResponse{}
	if s.opts.Stats != nil {
		resp.PublishStats = s.opts.Stats.Stats()
	}
	if s.opts.Sessions != nil {
		resp.ActiveSessions = s.opts.Sessions.ActiveSessions()
	}
	c.JSON(http.StatusOK, resp)
}
