package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/pdfmap/jobstream/pkg/auth"
)

// wsPath is served outside gin: the upgrade must hijack the raw
// ResponseWriter, which gin's writer refuses once the response is marked
// written.
const wsPath = "/ws/events"

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// SessionManager. A missing or invalid token still upgrades; the manager
// then closes the connection with StatusUnauthenticated before any group
// is joined, so browsers see a distinct close code.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "WebSocket not available"})
		return
	}

	userID, err := s.opts.Verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		slog.Info("WebSocket connection without valid token", "remote", r.RemoteAddr, "error", err)
		userID = 0
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedWSOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.opts.Sessions.HandleConnection(r.Context(), conn, userID)
}
