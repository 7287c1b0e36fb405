package pipeline

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/models"
	"github.com/pdfmap/jobstream/pkg/segmentation"
	"github.com/pdfmap/jobstream/test/util"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordingApplier projects through a real projector and records every
// request in order.
type recordingApplier struct {
	next *jobstatus.Projector
	mu   sync.Mutex
	reqs []jobstatus.ApplyRequest
}

func (r *recordingApplier) Apply(ctx context.Context, req jobstatus.ApplyRequest) (jobstatus.ApplyResult, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.next.Apply(ctx, req)
}

func (r *recordingApplier) requests() []jobstatus.ApplyRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobstatus.ApplyRequest(nil), r.reqs...)
}

func (r *recordingApplier) types(taskID string) []events.EventType {
	var out []events.EventType
	for _, req := range r.requests() {
		if req.TaskID == taskID {
			out = append(out, req.EventType)
		}
	}
	return out
}

// recordingPublisher accepts every publish and records it.
type recordingPublisher struct {
	mu   sync.Mutex
	reqs []events.PublishRequest
}

func (p *recordingPublisher) Publish(_ context.Context, req events.PublishRequest) events.PublishResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return events.PublishResult{
		Success: true,
		Seq:     int64(len(p.reqs)),
		Groups:  events.GroupNames(req.Targets),
	}
}

func (p *recordingPublisher) published() []events.PublishRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.PublishRequest(nil), p.reqs...)
}

type staticMembers map[string][]int64

func (m staticMembers) GroupMembers(_ context.Context, group string) ([]int64, error) {
	return m[group], nil
}

// fakeSegmenter returns fixed patterns, or err. The hook runs first.
type fakeSegmenter struct {
	mu       sync.Mutex
	patterns []segmentation.Pattern
	err      error
	hook     func(ctx context.Context)
	requests []segmentation.Request
}

func (f *fakeSegmenter) Segment(ctx context.Context, req segmentation.Request) (*segmentation.Result, error) {
	if f.hook != nil {
		f.hook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &segmentation.Result{Patterns: f.patterns}, nil
}

func (f *fakeSegmenter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	db        *gorm.DB
	store     *Store
	applier   *recordingApplier
	publisher *recordingPublisher
	notifier  *Notifier
	media     Media
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := util.NewSQLiteDB(t)
	applier := &recordingApplier{
		next: jobstatus.NewProjector(db, events.NewSequencer(events.NewMemoryCounterStore()), nil),
	}
	publisher := &recordingPublisher{}
	return &fixture{
		db:        db,
		store:     NewStore(db),
		applier:   applier,
		publisher: publisher,
		notifier: NewNotifier(applier, NotifierOptions{
			Publisher: publisher,
			Members:   staticMembers{},
			DB:        db,
		}),
		media: Media{Root: t.TempDir()},
	}
}

func (f *fixture) workspace(t *testing.T, ws models.Workspace) *models.Workspace {
	t.Helper()
	if ws.Name == "" {
		ws.Name = "plans.pdf"
	}
	if ws.UserID == 0 {
		ws.UserID = 3
	}
	require.NoError(t, f.db.Create(&ws).Error)
	if ws.PipelineState == "" {
		ws.PipelineState = models.PipelineIdle
	}
	return &ws
}

func (f *fixture) reload(t *testing.T, id int64) models.Workspace {
	t.Helper()
	var ws models.Workspace
	require.NoError(t, f.db.First(&ws, id).Error)
	return ws
}

// writePages writes n gradient images as an upload directory and returns
// its path relative to the media root.
func (f *fixture) writePages(t *testing.T, dir string, n, w, h int) string {
	t.Helper()
	for i := 1; i <= n; i++ {
		img := testImage(w, h)
		require.NoError(t, WritePNG(filepath.Join(f.media.Root, dir, pageName(i)), img))
	}
	return dir
}

func pageName(i int) string {
	return "page_" + string(rune('0'+i)) + ".png"
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	return err == nil
}
