package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// SegmentationServer is a fake segmentation API. Every request answers
// with the same polygon set; Hold parks requests until Release.
type SegmentationServer struct {
	APIKey string

	server *httptest.Server

	mu      sync.Mutex
	calls   int
	methods []string
	held    chan struct{}
	arrived chan struct{}
}

const segmentationResponse = `{
  "polygons": {
    "patterns": [
      {"polygon_id": 1, "total_vertices": 3, "vertices": [[0,0],[10,0],[10,10]]},
      {"polygon_id": 2, "total_vertices": 4, "vertices": [[2,2],[8,2],[8,8],[2,8]]}
    ]
  }
}`

// NewSegmentationServer starts the fake; it is closed via t.Cleanup.
func NewSegmentationServer(t *testing.T) *SegmentationServer {
	t.Helper()
	s := &SegmentationServer{
		APIKey:  "e2e-segmentation-key",
		arrived: make(chan struct{}, 64),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.Release()
		s.server.Close()
	})
	return s
}

// URL is the endpoint to configure the client with.
func (s *SegmentationServer) URL() string {
	return s.server.URL + "/segment"
}

// Hold parks subsequent requests until Release is called.
func (s *SegmentationServer) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(chan struct{})
	}
}

// Release lets parked requests through.
func (s *SegmentationServer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		close(s.held)
		s.held = nil
	}
}

// Arrived is signaled once per received request.
func (s *SegmentationServer) Arrived() <-chan struct{} {
	return s.arrived
}

// Calls returns the number of accepted requests.
func (s *SegmentationServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Methods returns the segmentation_method of every accepted request.
func (s *SegmentationServer) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *SegmentationServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-api-key") != s.APIKey {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
		return
	}
	if _, _, err := r.FormFile("file"); err != nil {
		http.Error(w, fmt.Sprintf(`{"detail":%q}`, err.Error()), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	s.calls++
	s.methods = append(s.methods, r.URL.Query().Get("segmentation_method"))
	held := s.held
	s.mu.Unlock()

	select {
	case s.arrived <- struct{}{}:
	default:
	}

	if held != nil {
		select {
		case <-held:
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(segmentationResponse))
}
