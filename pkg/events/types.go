// Package events provides ordered, permissioned, real-time delivery of job
// progress events to connected WebSocket clients.
//
// ════════════════════════════════════════════════════════════════
// Event Flow
// ════════════════════════════════════════════════════════════════
//
//	producer (pipeline step, sync run)
//	  │
//	  ├─ Sequencer.Next(task_id)            per-task monotonic seq
//	  ├─ BuildEnvelope(...)                 immutable event record
//	  ├─ ComputeGroups(...)                 user/project/job/workspace groups
//	  ├─ PermissionChecker.FilterAccessible prune per subject user
//	  └─ Transport.GroupSend (concurrent)   local, pg NOTIFY or Redis pub/sub
//	        │
//	        └─ SessionManager.Deliver(group) → every session joined to group
//
// The job status projection (pkg/jobstatus) gates writes on seq, so late
// or duplicated envelopes never regress the stored state. Subscribers
// must use seq the same way: delivery order across concurrent publishes
// for one task is not guaranteed.
//
// ════════════════════════════════════════════════════════════════
package events

import (
	"errors"
	"fmt"
)

// EventType is the lifecycle tag carried by every envelope.
type EventType string

// Event types.
const (
	EventTaskQueued    EventType = "TASK_QUEUED"
	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskProgress  EventType = "TASK_PROGRESS"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskFailed    EventType = "TASK_FAILED"
	EventNotification  EventType = "NOTIFICATION"
)

// SupportedEventTypes lists every event type, in lifecycle order.
// Sent to clients in the hello message.
var SupportedEventTypes = []EventType{
	EventTaskQueued,
	EventTaskStarted,
	EventTaskProgress,
	EventTaskCompleted,
	EventTaskFailed,
	EventNotification,
}

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventTaskQueued, EventTaskStarted, EventTaskProgress,
		EventTaskCompleted, EventTaskFailed, EventNotification:
		return true
	}
	return false
}

// JobType identifies the kind of work a task performs.
type JobType string

// Job types.
const (
	JobPolygonExtraction JobType = "polygon_extraction"
	JobPolygonAnalysis   JobType = "polygon_analysis"
	JobDataProcessing    JobType = "data_processing"
	JobPDFExtraction     JobType = "pdf_extraction"
	JobExport            JobType = "export"
	JobSync              JobType = "sync"
	JobImport            JobType = "import"
)

// IsValid reports whether j is a known job type.
func (j JobType) IsValid() bool {
	switch j {
	case JobPolygonExtraction, JobPolygonAnalysis, JobDataProcessing,
		JobPDFExtraction, JobExport, JobSync, JobImport:
		return true
	}
	return false
}

// Sentinel errors for envelope construction and decoding.
var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidJobType   = errors.New("invalid job type")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrInvalidGroupName = errors.New("invalid group name")
)

// ParseEventType converts a wire tag to an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

// ParseJobType converts a wire tag to a JobType.
func ParseJobType(s string) (JobType, error) {
	j := JobType(s)
	if !j.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobType, s)
	}
	return j, nil
}

// TransportMessageType tags envelopes at the fan-out boundary.
// It is not part of the envelope itself.
const TransportMessageType = "event_message"

// Client → server message types.
const (
	MsgSubscribeEvents   = "subscribe_events"
	MsgUnsubscribeEvents = "unsubscribe_events"
	MsgSubscribeGroups   = "subscribe_groups"
	MsgUnsubscribeGroups = "unsubscribe_groups"
	MsgListGroups        = "list_groups"
	MsgGetEventStats     = "get_event_stats"
	MsgProcessPageRegion = "process_page_region"
	MsgPing              = "ping"
)

// Server → client message types.
const (
	MsgHello            = "hello"
	MsgEvent            = "event"
	MsgPong             = "pong"
	MsgError            = "error"
	MsgSubscribed       = "subscribed"
	MsgUnsubscribed     = "unsubscribed"
	MsgGroups           = "groups"
	MsgEventStats       = "event_stats"
	MsgPageRegionQueued = "page_region_queued"
)

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types,omitempty"`
	Groups     []string `json:"groups,omitempty"`

	// process_page_region fields
	WorkspaceID        string       `json:"workspace_id,omitempty"`
	PageNumber         int          `json:"page_number,omitempty"`
	RectPoints         [][2]float64 `json:"rect_points,omitempty"`
	SegmentationMethod string       `json:"segmentation_method,omitempty"`
	DPI                int          `json:"dpi,omitempty"`
}
