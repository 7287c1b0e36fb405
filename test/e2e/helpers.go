package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 15 * time.Second

// ────────────────────────────────────────────────────────────
// Seeding
// ────────────────────────────────────────────────────────────

// SeedWorkspace creates an idle workspace owned by ownerID. Its upload is
// a directory holding one gradient image per page.
func (app *TestApp) SeedWorkspace(t *testing.T, ownerID int64, pages int) *models.Workspace {
	t.Helper()
	dir := filepath.Join("uploads", uuid.NewString())
	for i := 1; i <= pages; i++ {
		path := filepath.Join(app.Media.Root, dir, fmt.Sprintf("page_%03d.png", i))
		require.NoError(t, pipeline.WritePNG(path, gradient(200, 150)))
	}
	ws := &models.Workspace{
		UserID:        ownerID,
		Name:          "plans.pdf",
		UploadedPDF:   dir,
		PipelineState: models.PipelineIdle,
	}
	require.NoError(t, app.DB.Create(ws).Error)
	return ws
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 96, A: 255})
		}
	}
	return img
}

// ────────────────────────────────────────────────────────────
// HTTP
// ────────────────────────────────────────────────────────────

// ProcessWorkspace calls POST /api/workspaces/:id/process.
func (app *TestApp) ProcessWorkspace(t *testing.T, userID, workspaceID int64, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, userID, fmt.Sprintf("/api/workspaces/%d/process", workspaceID), nil, expectedStatus)
}

// SubmitRegion calls POST /api/workspaces/:id/pages/:page/regions.
func (app *TestApp) SubmitRegion(t *testing.T, userID, workspaceID int64, page int, rect [][2]float64, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, userID, fmt.Sprintf("/api/workspaces/%d/pages/%d/regions", workspaceID, page),
		map[string]any{"rect_points": rect, "segmentation_method": "CONTOURED"}, expectedStatus)
}

// CancelPage calls POST /api/workspaces/:id/pages/:page/cancel.
func (app *TestApp) CancelPage(t *testing.T, userID, workspaceID int64, page int, expectedStatus int) map[string]any {
	t.Helper()
	return app.postJSON(t, userID, fmt.Sprintf("/api/workspaces/%d/pages/%d/cancel", workspaceID, page), nil, expectedStatus)
}

// GetJob calls GET /api/jobs/:task_id.
func (app *TestApp) GetJob(t *testing.T, userID int64, taskID string, expectedStatus int) map[string]any {
	t.Helper()
	return app.getJSON(t, userID, "/api/jobs/"+taskID, expectedStatus)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, 0, "/health", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, userID int64, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return app.do(t, req, userID, expectedStatus)
}

func (app *TestApp) getJSON(t *testing.T, userID int64, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	return app.do(t, req, userID, expectedStatus)
}

func (app *TestApp) do(t *testing.T, req *http.Request, userID int64, expectedStatus int) map[string]any {
	t.Helper()
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+app.Token(userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status", req.Method, req.URL.Path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// WebSocket
// ────────────────────────────────────────────────────────────

// ConnectWS opens a session for userID and waits for the hello message.
// The connection is closed via t.Cleanup.
func (app *TestApp) ConnectWS(t *testing.T, userID int64) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := WSConnect(ctx, app.WSURL, app.Token(userID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	hello, err := client.WaitForType(events.MsgHello, 5*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, userID, hello.Parsed["user_id"])
	return client
}

// ────────────────────────────────────────────────────────────
// Database polling
// ────────────────────────────────────────────────────────────

// WaitForWorkspaceState polls until the workspace reaches one of expected.
func (app *TestApp) WaitForWorkspaceState(t *testing.T, id int64, expected ...models.PipelineState) models.PipelineState {
	t.Helper()
	var last models.PipelineState
	require.Eventually(t, func() bool {
		var ws models.Workspace
		if err := app.DB.Select("pipeline_state").First(&ws, id).Error; err != nil {
			return false
		}
		last = ws.PipelineState
		for _, s := range expected {
			if last == s {
				return true
			}
		}
		return false
	}, eventTimeout, 20*time.Millisecond, "workspace %d never reached %v (last %s)", id, expected, last)
	return last
}

// WaitForPageStatus polls until the page reaches status.
func (app *TestApp) WaitForPageStatus(t *testing.T, workspaceID int64, page int, status models.ExtractStatus) *models.PageImage {
	t.Helper()
	var row *models.PageImage
	require.Eventually(t, func() bool {
		p, err := app.Store.GetPage(context.Background(), workspaceID, page)
		if err != nil {
			return false
		}
		row = p
		return p.ExtractStatus == status
	}, eventTimeout, 20*time.Millisecond, "page %d of workspace %d never reached %s", page, workspaceID, status)
	return row
}

// ────────────────────────────────────────────────────────────
// Assertions
// ────────────────────────────────────────────────────────────

// MaxSeq returns the highest seq among envelopes.
func MaxSeq(envelopes []map[string]any) int64 {
	var top int64
	for _, env := range envelopes {
		if seq := int64(env["seq"].(float64)); seq > top {
			top = seq
		}
	}
	return top
}

// EventTypes returns the event_type of each envelope, ordered by seq.
func EventTypes(envelopes []map[string]any) []string {
	sorted := append([]map[string]any(nil), envelopes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i]["seq"].(float64) < sorted[j]["seq"].(float64)
	})
	out := make([]string, len(sorted))
	for i, env := range sorted {
		out[i], _ = env["event_type"].(string)
	}
	return out
}
