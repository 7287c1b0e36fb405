package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pdfmap/jobstream/pkg/auth"
	"github.com/pdfmap/jobstream/pkg/crm"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/pipeline"
	"github.com/pdfmap/jobstream/pkg/queue"
)

// errForbidden is returned when the caller is authenticated but may not
// act on the resource.
var errForbidden = errors.New("access denied")

// requestError is a malformed request. Its message is safe to return.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// mapServiceError maps service-layer errors to an HTTP status and a
// client-safe message.
func mapServiceError(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.Error()
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, errForbidden.Error()
	case errors.Is(err, pipeline.ErrWorkspaceNotFound), errors.Is(err, pipeline.ErrPageNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, jobstatus.ErrNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, pipeline.ErrInvalidRegion):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, pipeline.ErrNotCancelable), errors.Is(err, errNotRunning):
		return http.StatusConflict, err.Error()
	case errors.Is(err, queue.ErrAlreadyQueued), errors.Is(err, crm.ErrSyncInProgress):
		return http.StatusConflict, "job already queued or running"
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable, "job queue unavailable, retry later"
	case errors.Is(err, queue.ErrNoRunner), errors.Is(err, pipeline.ErrSegmenterNotEnabled):
		return http.StatusServiceUnavailable, "feature not enabled on this server"
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}

// abortWithError writes err as {"error": message} and stops the chain.
func abortWithError(c *gin.Context, err error) {
	status, msg := mapServiceError(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
