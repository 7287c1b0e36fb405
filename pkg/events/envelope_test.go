package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freezeNow(t *testing.T, at time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = orig })
}

func strPtr(s string) *string { return &s }

func TestBuildEnvelope(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	freezeNow(t, at)

	meta := map[string]any{"step": "render_pages"}
	env, err := BuildEnvelope(EnvelopeParams{
		EventType: EventTaskProgress,
		TaskID:    "42",
		JobType:   JobPDFExtraction,
		ProjectID: "9",
		UserID:    3,
		Seq:       7,
		Meta:      meta,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1_700_000_000_123), env.TS)
	assert.Equal(t, "/api/jobs/42", env.DetailURL)
	assert.Nil(t, env.PageID)
	assert.True(t, env.IsTaskEvent())

	// Meta is copied at build time.
	meta["step"] = "changed"
	assert.Equal(t, "render_pages", env.Meta["step"])
}

func TestBuildEnvelope_KeepsDetailURLAndPage(t *testing.T) {
	page := "17"
	env, err := BuildEnvelope(EnvelopeParams{
		EventType: EventTaskStarted,
		TaskID:    "t1",
		JobType:   JobPolygonExtraction,
		PageID:    &page,
		DetailURL: "/api/workspaces/9/pages/1/",
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/workspaces/9/pages/1/", env.DetailURL)
	require.NotNil(t, env.PageID)
	assert.Equal(t, "17", *env.PageID)
	assert.NotSame(t, &page, env.PageID)
	assert.NotNil(t, env.Meta)
}

func TestBuildEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		params  EnvelopeParams
		wantErr error
	}{
		{
			name:    "unknown event type",
			params:  EnvelopeParams{EventType: "TASK_EXPLODED", TaskID: "t", JobType: JobExport},
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "unknown job type",
			params:  EnvelopeParams{EventType: EventTaskQueued, TaskID: "t", JobType: "transcode"},
			wantErr: ErrInvalidJobType,
		},
		{
			name:    "missing task id",
			params:  EnvelopeParams{EventType: EventTaskQueued, JobType: JobExport},
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "negative seq",
			params:  EnvelopeParams{EventType: EventTaskQueued, TaskID: "t", JobType: JobExport, Seq: -1},
			wantErr: ErrInvalidEnvelope,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildEnvelope(tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEnvelope_MapRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "no page, empty meta",
			env: Envelope{
				EventType: EventTaskQueued, TaskID: "t1", JobType: JobSync, ProjectID: "p1",
				UserID: 0, Seq: 1, TS: 1000, DetailURL: "/api/jobs/t1", Meta: map[string]any{},
			},
		},
		{
			name: "page and nested meta",
			env: Envelope{
				EventType: EventTaskFailed, TaskID: "t2", JobType: JobPolygonExtraction, ProjectID: "9",
				PageID: strPtr("55"), UserID: 3, Seq: 12, TS: 1_700_000_000_000, DetailURL: "/x",
				Meta: map[string]any{
					"error":    "segmentation returned 502",
					"progress": 40,
					"counts":   map[string]any{"pages": 3, "polygons": []any{1, 2}},
				},
			},
		},
		{
			name: "notification without project",
			env: Envelope{
				EventType: EventNotification, TaskID: "n1", JobType: JobDataProcessing,
				UserID: 7, Seq: 2, TS: 5, DetailURL: "/api/jobs/n1", Meta: map[string]any{"title": "hi"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EnvelopeFromMap(tt.env.ToMap())
			require.NoError(t, err)
			assert.Equal(t, tt.env, *got)
		})
	}
}

func TestEnvelope_NilMetaIsSentAsEmptyObject(t *testing.T) {
	env := Envelope{
		EventType: EventTaskStarted, TaskID: "t3", JobType: JobSync, ProjectID: "p1",
		Seq: 4, TS: 10, DetailURL: "/api/jobs/t3", Meta: nil,
	}

	m := env.ToMap()
	assert.Equal(t, map[string]any{}, m["meta"])

	got, err := EnvelopeFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, got.Meta)
	assert.Equal(t, m, got.ToMap())

	payload, err := env.TransportPayload()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"meta":{}`)

	decoded, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.NotNil(t, decoded.Meta)
	assert.Empty(t, decoded.Meta)
}

func TestEnvelope_TransportPayloadDecodes(t *testing.T) {
	env, err := BuildEnvelope(EnvelopeParams{
		EventType: EventTaskCompleted,
		TaskID:    "42",
		JobType:   JobPDFExtraction,
		ProjectID: "9",
		UserID:    3,
		PageID:    strPtr("8"),
		Seq:       1 << 40,
		Meta:      map[string]any{"pipeline_progress": float64(100)},
	})
	require.NoError(t, err)

	payload, err := env.TransportPayload()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Equal(t, TransportMessageType, raw["type"])
	assert.Equal(t, "TASK_COMPLETED", raw["event_type"])
	assert.Equal(t, "pdf_extraction", raw["job_type"])

	decoded, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, *env, *decoded)
}

func TestEnvelopeFromMap_Errors(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"event_type": "TASK_STARTED",
			"task_id":    "t",
			"job_type":   "export",
		}
	}

	_, err := EnvelopeFromMap(base())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing event type", func(m map[string]any) { delete(m, "event_type") }},
		{"empty task id", func(m map[string]any) { m["task_id"] = "" }},
		{"numeric project id", func(m map[string]any) { m["project_id"] = 9 }},
		{"fractional seq", func(m map[string]any) { m["seq"] = 1.5 }},
		{"string user id", func(m map[string]any) { m["user_id"] = "3" }},
		{"numeric page id", func(m map[string]any) { m["page_id"] = 4 }},
		{"meta not an object", func(m map[string]any) { m["meta"] = []any{1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			_, err := EnvelopeFromMap(m)
			assert.Error(t, err)
		})
	}
}

func TestEnvelopeFromMap_DefaultsDetailURL(t *testing.T) {
	env, err := EnvelopeFromMap(map[string]any{
		"event_type": "TASK_QUEUED",
		"task_id":    "abc",
		"job_type":   "import",
		"seq":        json.Number("3"),
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/jobs/abc", env.DetailURL)
	assert.Equal(t, int64(3), env.Seq)
	assert.Equal(t, map[string]any{}, env.Meta)
}
