package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pdfmap/jobstream/pkg/events"
)

// WSEvent represents a received WebSocket message.
type WSEvent struct {
	Type     string          `json:"type"`
	Raw      json.RawMessage // Original JSON
	Parsed   map[string]any  // Parsed for assertions
	Received time.Time       // When we received it
}

// Envelope returns the envelope of an "event" message, or nil.
func (e WSEvent) Envelope() map[string]any {
	if e.Type != events.MsgEvent {
		return nil
	}
	env, _ := e.Parsed["event"].(map[string]any)
	return env
}

// TaskEvent reports whether e is an event of taskID with the given type.
// An empty eventType matches any type.
func (e WSEvent) TaskEvent(taskID string, eventType events.EventType) bool {
	env := e.Envelope()
	if env == nil || env["task_id"] != taskID {
		return false
	}
	return eventType == "" || env["event_type"] == string(eventType)
}

// WSClient connects to the jobstream WebSocket endpoint and collects messages.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect dials wsURL with token and starts collecting messages in a
// background goroutine.
func WSConnect(ctx context.Context, wsURL, token string) (*WSClient, error) {
	u := wsURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes a client message.
func (c *WSClient) Send(msg events.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// SubscribeGroups asks the server to join groups.
func (c *WSClient) SubscribeGroups(groups ...string) error {
	return c.Send(events.ClientMessage{Type: events.MsgSubscribeGroups, Groups: groups})
}

// WaitForEvent waits until a message matching the predicate is received, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for a message with the given type.
func (c *WSClient) WaitForType(msgType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == msgType
	}, timeout)
}

// WaitForTaskEvent waits for an envelope of taskID with the given type.
func (c *WSClient) WaitForTaskEvent(taskID string, eventType events.EventType, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.TaskEvent(taskID, eventType)
	}, timeout)
}

// Events returns a snapshot of all collected messages.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsOfType returns messages filtered by type.
func (c *WSClient) EventsOfType(msgType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == msgType {
			result = append(result, e)
		}
	}
	return result
}

// TaskEnvelopes returns the distinct envelopes received for taskID, in
// arrival order. A session joined to several target groups of one event
// receives it once per group; copies share a seq and are dropped.
func (c *WSClient) TaskEnvelopes(taskID string) []map[string]any {
	var out []map[string]any
	seen := make(map[float64]bool)
	for _, e := range c.Events() {
		if !e.TaskEvent(taskID, "") {
			continue
		}
		env := e.Envelope()
		seq, _ := env["seq"].(float64)
		if seen[seq] {
			continue
		}
		seen[seq] = true
		out = append(out, env)
	}
	return out
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads messages from the WebSocket and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue // Skip malformed messages.
		}

		evt := WSEvent{
			Raw:      json.RawMessage(data),
			Parsed:   parsed,
			Received: time.Now(),
		}
		if t, ok := parsed["type"].(string); ok {
			evt.Type = t
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
