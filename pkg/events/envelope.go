package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// now is the envelope clock. Replaced in tests.
var now = time.Now

// Envelope is the immutable record of one task state transition.
// Fields are exported for JSON encoding; callers must not mutate an
// envelope after BuildEnvelope returns it.
type Envelope struct {
	EventType EventType      `json:"event_type"`
	TaskID    string         `json:"task_id"`
	JobType   JobType        `json:"job_type"`
	ProjectID string         `json:"project_id"`
	PageID    *string        `json:"page_id"`
	UserID    int64          `json:"user_id"` // 0 = system-originated
	Seq       int64          `json:"seq"`
	TS        int64          `json:"ts"` // ms since epoch
	DetailURL string         `json:"detail_url"`
	Meta      map[string]any `json:"meta"` // always an object on the wire; nil is sent as {}
}

// EnvelopeParams holds the inputs to BuildEnvelope.
type EnvelopeParams struct {
	EventType EventType
	TaskID    string
	JobType   JobType
	ProjectID string
	UserID    int64
	PageID    *string
	Seq       int64
	DetailURL string
	Meta      map[string]any
}

// DefaultDetailURL returns the deep link used when a producer supplies none.
func DefaultDetailURL(taskID string) string {
	return "/api/jobs/" + taskID
}

// BuildEnvelope validates p and returns a new envelope stamped with the
// current time. Meta is copied so later changes by the caller do not leak in.
func BuildEnvelope(p EnvelopeParams) (*Envelope, error) {
	if !p.EventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, p.EventType)
	}
	if !p.JobType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, p.JobType)
	}
	if p.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", ErrInvalidEnvelope)
	}
	if p.Seq < 0 {
		return nil, fmt.Errorf("%w: negative seq %d", ErrInvalidEnvelope, p.Seq)
	}

	detailURL := p.DetailURL
	if detailURL == "" {
		detailURL = DefaultDetailURL(p.TaskID)
	}

	meta := make(map[string]any, len(p.Meta))
	for k, v := range p.Meta {
		meta[k] = v
	}

	var pageID *string
	if p.PageID != nil {
		id := *p.PageID
		pageID = &id
	}

	return &Envelope{
		EventType: p.EventType,
		TaskID:    p.TaskID,
		JobType:   p.JobType,
		ProjectID: p.ProjectID,
		PageID:    pageID,
		UserID:    p.UserID,
		Seq:       p.Seq,
		TS:        now().UnixMilli(),
		DetailURL: detailURL,
		Meta:      meta,
	}, nil
}

// IsTaskEvent reports whether the envelope describes a TASK_* transition.
func (e *Envelope) IsTaskEvent() bool {
	return e.EventType != EventNotification
}

// ToMap returns the envelope as a string-keyed map with enum values as
// their string tags. Meta is shared, not copied; a nil Meta becomes an
// empty map, so ToMap output is the canonical form EnvelopeFromMap returns.
func (e *Envelope) ToMap() map[string]any {
	var pageID any
	if e.PageID != nil {
		pageID = *e.PageID
	}
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"event_type": string(e.EventType),
		"task_id":    e.TaskID,
		"job_type":   string(e.JobType),
		"project_id": e.ProjectID,
		"page_id":    pageID,
		"user_id":    e.UserID,
		"seq":        e.Seq,
		"ts":         e.TS,
		"detail_url": e.DetailURL,
		"meta":       meta,
	}
}

// TransportPayload encodes the envelope for fan-out, adding the transport
// type tag alongside the envelope fields.
func (e *Envelope) TransportPayload() ([]byte, error) {
	m := e.ToMap()
	m["type"] = TransportMessageType
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope %s/%d: %w", e.TaskID, e.Seq, err)
	}
	return data, nil
}

// EnvelopeFromMap is the inverse of ToMap. It accepts maps produced by
// ToMap directly as well as maps decoded from JSON (float64 or json.Number
// numbers). A "type" key, if present, is ignored.
func EnvelopeFromMap(m map[string]any) (*Envelope, error) {
	et, err := stringField(m, "event_type", true)
	if err != nil {
		return nil, err
	}
	eventType, err := ParseEventType(et)
	if err != nil {
		return nil, err
	}
	jt, err := stringField(m, "job_type", true)
	if err != nil {
		return nil, err
	}
	jobType, err := ParseJobType(jt)
	if err != nil {
		return nil, err
	}
	taskID, err := stringField(m, "task_id", true)
	if err != nil {
		return nil, err
	}
	projectID, err := stringField(m, "project_id", false)
	if err != nil {
		return nil, err
	}
	detailURL, err := stringField(m, "detail_url", false)
	if err != nil {
		return nil, err
	}
	if detailURL == "" {
		detailURL = DefaultDetailURL(taskID)
	}

	env := &Envelope{
		EventType: eventType,
		TaskID:    taskID,
		JobType:   jobType,
		ProjectID: projectID,
		DetailURL: detailURL,
	}

	if raw, ok := m["page_id"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: page_id must be a string, got %T", ErrInvalidEnvelope, raw)
		}
		env.PageID = &s
	}

	for _, f := range []struct {
		key string
		dst *int64
	}{
		{"user_id", &env.UserID},
		{"seq", &env.Seq},
		{"ts", &env.TS},
	} {
		raw, ok := m[f.key]
		if !ok || raw == nil {
			continue
		}
		n, ok := toInt64(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidEnvelope, f.key, raw)
		}
		*f.dst = n
	}

	switch meta := m["meta"].(type) {
	case map[string]any:
		env.Meta = meta
	case nil:
		env.Meta = map[string]any{}
	default:
		return nil, fmt.Errorf("%w: meta must be an object, got %T", ErrInvalidEnvelope, meta)
	}

	return env, nil
}

// DecodeEnvelope parses a JSON transport payload back into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return EnvelopeFromMap(m)
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidEnvelope, key, raw)
	}
	if required && s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidEnvelope, key)
	}
	return s, nil
}

// toInt64 converts the numeric shapes produced by ToMap and encoding/json.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
