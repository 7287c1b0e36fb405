package events

// HelloPayload is sent once after a session is authenticated and joined to
// its user group.
type HelloPayload struct {
	Type            string      `json:"type"`             // always MsgHello
	UserID          int64       `json:"user_id"`          // authenticated subject
	SupportedEvents []EventType `json:"supported_events"` // every event type the server emits
}

// EventPayload wraps a delivered envelope for a session.
type EventPayload struct {
	Type      string         `json:"type"`      // always MsgEvent
	Event     map[string]any `json:"event"`     // envelope fields, without the transport tag
	Timestamp int64          `json:"timestamp"` // delivery time, ms since epoch
}

// ErrorPayload reports a rejected client message. Clients never see
// delivery or persistence failures through this message.
type ErrorPayload struct {
	Type    string `json:"type"` // always MsgError
	Message string `json:"message"`
}

// SubscriptionPayload confirms a subscribe/unsubscribe request.
type SubscriptionPayload struct {
	Type       string   `json:"type"` // MsgSubscribed or MsgUnsubscribed
	EventTypes []string `json:"event_types,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	Rejected   []string `json:"rejected,omitempty"` // invalid or inaccessible group names
}

// GroupsPayload answers list_groups.
type GroupsPayload struct {
	Type   string   `json:"type"` // always MsgGroups
	Groups []string `json:"groups"`
}

// EventStatsPayload answers get_event_stats with the publisher counters.
type EventStatsPayload struct {
	Type  string       `json:"type"` // always MsgEventStats
	Stats PublishStats `json:"stats"`
}

// PageRegionQueuedPayload acknowledges a process_page_region request.
type PageRegionQueuedPayload struct {
	Type        string `json:"type"`    // always MsgPageRegionQueued
	TaskID      string `json:"task_id"` // page task id, also the job group suffix
	WorkspaceID string `json:"workspace_id"`
	PageNumber  int    `json:"page_number"`
}
