package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pdfmap/jobstream/pkg/auth"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// requireAuth verifies the bearer token and stores the user id on the
// request context.
func requireAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.Verify(auth.TokenFromRequest(c.Request))
		if err != nil {
			slog.Debug("Rejected request", "path", c.FullPath(), "error", err)
			abortWithError(c, err)
			return
		}
		c.Request = c.Request.WithContext(auth.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// requestLogger logs every request except health probes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" {
			return
		}
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
