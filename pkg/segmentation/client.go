// Package segmentation is a client for the external polygon segmentation
// API. A page image is posted as multipart form data; the response lists
// the polygons found on it.
package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pdfmap/jobstream/pkg/version"
)

// Defaults applied by NewClient.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultRetries       = 2
	DefaultRetryWait     = 500 * time.Millisecond
	DefaultRetryMaxWait  = 5 * time.Second
	DefaultMethod        = "GENERIC"
	apiKeyHeader         = "x-api-key"
	maxErrorBodyExcerpt  = 200
	multipartFileField   = "file"
	defaultFileName      = "page.jpg"
	defaultFileMediaType = "image/jpeg"
)

// ErrNotConfigured is returned when no API URL is set.
var ErrNotConfigured = errors.New("segmentation API is not configured")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("segmentation API returned %d: %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	URL          string
	APIKey       string
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// Request is one image to segment.
type Request struct {
	Image    []byte
	FileName string
	// Method is passed as segmentation_method, default GENERIC.
	Method string
	Debug  bool
}

// Pattern is one polygon found on the image. Vertices are [x, y] pairs in
// image pixel coordinates.
type Pattern struct {
	PolygonID     int         `json:"polygon_id"`
	TotalVertices int         `json:"total_vertices"`
	Vertices      [][]float64 `json:"vertices"`
}

// Result is a decoded API answer.
type Result struct {
	Patterns []Pattern
	// Skipped counts patterns whose vertices could not be decoded.
	Skipped int
}

// Client calls the segmentation API.
type Client struct {
	url    string
	apiKey string
	http   *resty.Client
}

// NewClient creates a Client. Requests time out after cfg.Timeout and are
// retried only on server errors and network timeouts.
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

	c := &Client{
		url:    strings.TrimSpace(cfg.URL),
		apiKey: cfg.APIKey,
	}
	c.http = resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait)
	return c
}

// Configured reports whether the client has an API URL.
func (c *Client) Configured() bool {
	return c.url != ""
}

// Segment posts the image and decodes the polygons.
func (c *Client) Segment(ctx context.Context, req Request) (*Result, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	method := req.Method
	if method == "" {
		method = DefaultMethod
	}
	name := req.FileName
	if name == "" {
		name = defaultFileName
	}

	// The multipart body is rebuilt from the reader on every attempt.
	image := bytes.NewReader(req.Image)
	r := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"segmentation_method": method,
			"debug":               fmt.Sprintf("%t", req.Debug),
		}).
		SetMultipartField(multipartFileField, name, defaultFileMediaType, image).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if !retryable(resp, err) {
				return false
			}
			_, _ = image.Seek(0, io.SeekStart)
			return true
		})
	if c.apiKey != "" {
		r.SetHeader(apiKeyHeader, c.apiKey)
	}

	resp, err := r.Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("segmentation request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: excerpt(resp.String())}
	}
	return DecodeResult(resp.Body())
}

// retryable retries server errors and network timeouts. Client errors
// and canceled requests are final.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}
	return resp != nil && resp.StatusCode() >= 500
}

type wireResponse struct {
	Polygons struct {
		Patterns []wirePattern `json:"patterns"`
	} `json:"polygons"`
}

type wirePattern struct {
	PolygonID     int             `json:"polygon_id"`
	TotalVertices int             `json:"total_vertices"`
	Vertices      json.RawMessage `json:"vertices"`
}

// DecodeResult parses an API answer. Some deployments wrap the vertex
// list in one extra array; that level is removed.
func DecodeResult(body []byte) (*Result, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode segmentation response: %w", err)
	}

	res := &Result{Patterns: make([]Pattern, 0, len(wire.Polygons.Patterns))}
	for _, p := range wire.Polygons.Patterns {
		vertices, err := decodeVertices(p.Vertices)
		if err != nil {
			slog.Warn("Skipping polygon with malformed vertices", "polygon_id", p.PolygonID, "error", err)
			res.Skipped++
			continue
		}
		total := p.TotalVertices
		if total == 0 {
			total = len(vertices)
		}
		res.Patterns = append(res.Patterns, Pattern{
			PolygonID:     p.PolygonID,
			TotalVertices: total,
			Vertices:      vertices,
		})
	}
	return res, nil
}

func decodeVertices(raw json.RawMessage) ([][]float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return [][]float64{}, nil
	}
	var flat [][]float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var wrapped [][][]float64
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped) != 1 {
		return nil, fmt.Errorf("expected one wrapped vertex list, got %d", len(wrapped))
	}
	return wrapped[0], nil
}

func excerpt(s string) string {
	if len(s) <= maxErrorBodyExcerpt {
		return s
	}
	return s[:maxErrorBodyExcerpt]
}
