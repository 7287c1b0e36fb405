// Package crm syncs processed workspaces to the external CRM: projects,
// their pages and the polygons on each page. Local records are bound to
// remote ones through a sync_id/synced_at pair.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pdfmap/jobstream/pkg/version"
)

// Defaults applied by NewClient.
const (
	DefaultTimeout      = 20 * time.Second
	DefaultRetries      = 2
	DefaultRetryWait    = 500 * time.Millisecond
	DefaultRetryMaxWait = 4 * time.Second
	noRecordsMessage    = "No records found"
	maxErrorBodyExcerpt = 200
)

// ErrNotConfigured is returned when an endpoint has no URL.
var ErrNotConfigured = errors.New("CRM endpoint is not configured")

// APIError is a non-2xx answer from a CRM endpoint.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("CRM %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Endpoints holds one URL per CRM operation. Relative paths are resolved
// against Config.BaseURL.
type Endpoints struct {
	ListProjects   string `yaml:"list_projects"`
	CreateProject  string `yaml:"create_project"`
	UpdateProject  string `yaml:"update_project"`
	ListPages      string `yaml:"list_pages"`
	CreatePage     string `yaml:"create_page"`
	UpdatePage     string `yaml:"update_page"`
	ListPolygons   string `yaml:"list_polygons"`
	CreatePolygon  string `yaml:"create_polygon"`
	UpdatePolygon  string `yaml:"update_polygon"`
	DeletePolygons string `yaml:"delete_polygons"`
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Endpoints Endpoints
	// AuthCode is sent in every payload.
	AuthCode string
	// UserEmail scopes list calls to one CRM user.
	UserEmail string
	// ActorEmail is recorded as created_by/modified_by/deleted_by.
	ActorEmail   string
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// ID is a remote identifier. The CRM sends ids as numbers or strings.
type ID int64

// UnmarshalJSON accepts 12, "12" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n)
	return nil
}

// String formats the id for storage in sync_id columns.
func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Project is a remote project.
type Project struct {
	ProjectID   ID     `json:"project_id"`
	ProjectName string `json:"project_name"`
}

// Page is a remote page.
type Page struct {
	PageID ID `json:"page_id"`
	PageNb ID `json:"page_nb"`
}

// Polygon is a remote polygon. PolyID is the local polygon number.
type Polygon struct {
	PolygonID ID     `json:"polygon_id"`
	ProjectID ID     `json:"project_id"`
	PageID    ID     `json:"page_id"`
	PolyID    string `json:"poly_id"`
}

// UnmarshalJSON accepts poly_id as a number or a string.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	var raw struct {
		PolygonID ID              `json:"polygon_id"`
		ProjectID ID              `json:"project_id"`
		PageID    ID              `json:"page_id"`
		PolyID    json.RawMessage `json:"poly_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.PolygonID, p.ProjectID, p.PageID = raw.PolygonID, raw.ProjectID, raw.PageID
	p.PolyID = strings.Trim(strings.TrimSpace(string(raw.PolyID)), `"`)
	if p.PolyID == "null" {
		p.PolyID = ""
	}
	return nil
}

// PageFields are the page attributes sent on create and update.
type PageFields struct {
	PageNb      int
	PictureLink string
	// Scale is empty while the page has no scale.
	Scale          string
	ConfirmedScale bool
	Unit           string
	ImageHeight    int
	ImageWidth     int
	PDFHeight      int
	PDFWidth       int
	JSON           string
}

// PolygonFields are the polygon attributes sent on create and update.
type PolygonFields struct {
	PolyID        string
	Vertices      json.RawMessage
	TotalVertices int
}

// Client calls the CRM endpoints.
type Client struct {
	cfg  Config
	http *resty.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultRetryWait
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = DefaultRetryMaxWait
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	http := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &Client{cfg: cfg, http: http}
}

// ListProjects lists the projects of the configured user.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	raw, err := c.post(ctx, "list_projects", c.cfg.Endpoints.ListProjects, map[string]any{
		"user_email": c.cfg.UserEmail,
	})
	if err != nil {
		return nil, err
	}
	return decodeList[Project](raw)
}

// CreateProject creates a project and returns its remote id.
func (c *Client) CreateProject(ctx context.Context, name, fileLink string) (ID, error) {
	raw, err := c.post(ctx, "create_project", c.cfg.Endpoints.CreateProject, map[string]any{
		"project_name": name,
		"file_link":    fileLink,
		"created_by":   c.cfg.ActorEmail,
	})
	if err != nil {
		return 0, err
	}
	return decodeNewID(raw)
}

// UpdateProject updates a project's name and status.
func (c *Client) UpdateProject(ctx context.Context, projectID ID, name, status string) error {
	_, err := c.post(ctx, "update_project", c.cfg.Endpoints.UpdateProject, map[string]any{
		"project_id":     int64(projectID),
		"project_name":   name,
		"project_status": status,
		"modified_by":    c.cfg.ActorEmail,
	})
	return err
}

// ListPages lists the pages of a project.
func (c *Client) ListPages(ctx context.Context, projectID ID) ([]Page, error) {
	raw, err := c.post(ctx, "list_pages", c.cfg.Endpoints.ListPages, map[string]any{
		"project_id": int64(projectID),
		"user_email": c.cfg.UserEmail,
	})
	if err != nil {
		return nil, err
	}
	return decodeList[Page](raw)
}

// CreatePage creates a page and returns its remote id.
func (c *Client) CreatePage(ctx context.Context, projectID ID, f PageFields) (ID, error) {
	payload := pagePayload(f)
	payload["project_id"] = int64(projectID)
	payload["created_by"] = c.cfg.ActorEmail
	raw, err := c.post(ctx, "create_page", c.cfg.Endpoints.CreatePage, payload)
	if err != nil {
		return 0, err
	}
	return decodeNewID(raw)
}

// UpdatePage updates a page.
func (c *Client) UpdatePage(ctx context.Context, pageID ID, f PageFields) error {
	payload := pagePayload(f)
	payload["page_id"] = int64(pageID)
	payload["confirmed_scale"] = "No"
	if f.ConfirmedScale {
		payload["confirmed_scale"] = "Yes"
	}
	payload["modified_by"] = c.cfg.ActorEmail
	_, err := c.post(ctx, "update_page", c.cfg.Endpoints.UpdatePage, payload)
	return err
}

func pagePayload(f PageFields) map[string]any {
	return map[string]any{
		"page_nb":      f.PageNb,
		"picture_link": f.PictureLink,
		"scale":        f.Scale,
		"unit":         f.Unit,
		"image_height": f.ImageHeight,
		"image_width":  f.ImageWidth,
		"pdf_height":   f.PDFHeight,
		"pdf_width":    f.PDFWidth,
		"json":         f.JSON,
	}
}

// ListPolygons lists the polygons of a page.
func (c *Client) ListPolygons(ctx context.Context, pageID ID) ([]Polygon, error) {
	raw, err := c.post(ctx, "list_polygons", c.cfg.Endpoints.ListPolygons, map[string]any{
		"page_id":    int64(pageID),
		"user_email": c.cfg.UserEmail,
	})
	if err != nil {
		return nil, err
	}
	return decodeList[Polygon](raw)
}

// CreatePolygon creates a polygon and returns its remote id. The create
// endpoint takes camelCase keys, unlike update.
func (c *Client) CreatePolygon(ctx context.Context, projectID, pageID ID, f PolygonFields) (ID, error) {
	raw, err := c.post(ctx, "create_polygon", c.cfg.Endpoints.CreatePolygon, map[string]any{
		"project_id":    int64(projectID),
		"page_id":       int64(pageID),
		"polyID":        f.PolyID,
		"vertices":      compactVertices(f.Vertices),
		"totalVertices": f.TotalVertices,
		"created_by":    c.cfg.ActorEmail,
	})
	if err != nil {
		return 0, err
	}
	return decodeNewID(raw)
}

// UpdatePolygon updates a polygon.
func (c *Client) UpdatePolygon(ctx context.Context, polygonID ID, f PolygonFields) error {
	_, err := c.post(ctx, "update_polygon", c.cfg.Endpoints.UpdatePolygon, map[string]any{
		"polygon_id":     int64(polygonID),
		"poly_id":        f.PolyID,
		"vertices":       compactVertices(f.Vertices),
		"total_vertices": f.TotalVertices,
		"modified_by":    c.cfg.ActorEmail,
	})
	return err
}

// DeletePolygons deletes remote polygons in one call.
func (c *Client) DeletePolygons(ctx context.Context, polygons []Polygon) error {
	if len(polygons) == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(polygons))
	for _, p := range polygons {
		items = append(items, map[string]any{
			"polygon_id": int64(p.PolygonID),
			"project_id": int64(p.ProjectID),
			"page_id":    int64(p.PageID),
			"poly_id":    p.PolyID,
		})
	}
	_, err := c.post(ctx, "delete_polygons", c.cfg.Endpoints.DeletePolygons, map[string]any{
		"deleted_by":    c.cfg.ActorEmail,
		"polygon_array": items,
	})
	return err
}

// compactVertices sends vertices as a compact JSON string.
func compactVertices(v json.RawMessage) string {
	if len(v) == 0 {
		return "[]"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

func (c *Client) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.cfg.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// post sends payload with the auth code and returns the raw body, or nil
// for an empty body.
func (c *Client) post(ctx context.Context, name, endpoint string, payload map[string]any) ([]byte, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	payload["auth_code"] = c.cfg.AuthCode

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.url(endpoint))
	if err != nil {
		return nil, fmt.Errorf("CRM %s request failed: %w", name, err)
	}
	if !resp.IsSuccess() {
		body := strings.TrimSpace(resp.String())
		if len(body) > maxErrorBodyExcerpt {
			body = body[:maxErrorBodyExcerpt]
		}
		return nil, &APIError{Endpoint: name, StatusCode: resp.StatusCode(), Body: body}
	}
	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// decodeList normalizes the list shapes the CRM returns: an array, a
// single object, a JSON string holding either, an empty body, or a
// {"message": "No records found"} object.
func decodeList[T any](raw []byte) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("failed to decode CRM list: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if !strings.HasPrefix(inner, "[") && !strings.HasPrefix(inner, "{") {
			return nil, nil
		}
		return decodeList[T]([]byte(inner))
	case '{':
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Message == noRecordsMessage {
			return nil, nil
		}
		var one T
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("failed to decode CRM record: %w", err)
		}
		return []T{one}, nil
	case '[':
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode CRM list: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected CRM list body: %.40s", raw)
	}
}

func decodeNewID(raw []byte) (ID, error) {
	var out struct {
		NewID ID `json:"new_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("failed to decode CRM create response: %w", err)
	}
	if out.NewID == 0 {
		return 0, fmt.Errorf("CRM create response has no new_id: %.80s", raw)
	}
	return out.NewID, nil
}
