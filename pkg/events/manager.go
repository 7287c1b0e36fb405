package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// StatusUnauthenticated is the close code for connections without a
// valid identity. Sent before any group is joined.
const StatusUnauthenticated websocket.StatusCode = 4403

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// PageRegionRequest asks for polygon extraction on a region of one page.
type PageRegionRequest struct {
	UserID             int64
	WorkspaceID        string
	PageNumber         int
	RectPoints         [][2]float64
	SegmentationMethod string
	DPI                int
}

// PageRegionSubmitter enqueues page region jobs. Implemented by the
// pipeline's page job runner.
type PageRegionSubmitter interface {
	SubmitPageRegion(ctx context.Context, req PageRegionRequest) (taskID string, err error)
}

// GroupMemberTracker mirrors group presence to a shared store so other
// replicas can see who is connected. Implemented by GroupTracker.
type GroupMemberTracker interface {
	Add(ctx context.Context, group string, userID int64) error
	Remove(ctx context.Context, group string, userID int64) error
	Members(ctx context.Context, group string) ([]int64, error)
}

// StatsSource exposes publisher counters to sessions.
type StatsSource interface {
	Stats() PublishStats
}

// SessionManagerOptions holds the collaborators of a SessionManager.
// Only Permissions is required.
type SessionManagerOptions struct {
	Permissions  *PermissionChecker
	Resolver     ProjectResolver
	Tracker      GroupMemberTracker
	Stats        StatsSource
	PageRegions  PageRegionSubmitter
	WriteTimeout time.Duration
}

// SessionManager owns the WebSocket sessions of one process and the
// group memberships they hold.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	// group → set of session ids
	groups  map[string]map[string]bool
	groupMu sync.RWMutex

	permissions  *PermissionChecker
	resolver     ProjectResolver
	tracker      GroupMemberTracker
	stats        StatsSource
	pageRegions  PageRegionSubmitter
	writeTimeout time.Duration
}

// Session is one connected client.
type Session struct {
	ID     string
	UserID int64
	Conn   *websocket.Conn

	// mu guards groups and eventTypes; Deliver reads eventTypes from
	// publisher goroutines.
	mu     sync.Mutex
	groups map[string]bool
	// eventTypes is nil until the client subscribes to event types;
	// nil means every type is delivered.
	eventTypes map[EventType]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(opts SessionManagerOptions) *SessionManager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &SessionManager{
		sessions:     make(map[string]*Session),
		groups:       make(map[string]map[string]bool),
		permissions:  opts.Permissions,
		resolver:     opts.Resolver,
		tracker:      opts.Tracker,
		stats:        opts.Stats,
		pageRegions:  opts.PageRegions,
		writeTimeout: opts.WriteTimeout,
	}
}

// SetStats attaches the publisher counters after construction. The
// publisher needs the manager as its local transport, so wiring is
// two-step.
func (m *SessionManager) SetStats(s StatsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = s
}

// SetPageRegions attaches the page region submitter after construction.
// The submitter publishes through this manager, so wiring is two-step.
func (m *SessionManager) SetPageRegions(p PageRegionSubmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageRegions = p
}

// HandleConnection runs one session until the connection closes.
// userID must come from an authenticated credential; a non-positive id
// closes the connection with StatusUnauthenticated.
func (m *SessionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID int64) {
	if userID <= 0 {
		slog.Warn("Rejecting unauthenticated WebSocket session")
		_ = conn.Close(StatusUnauthenticated, "authentication required")
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &Session{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		groups: make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}

	m.registerSession(s)
	defer m.unregisterSession(s)

	m.join(ctx, s, UserGroupName(userID))
	m.sendJSON(s, HelloPayload{
		Type:            MsgHello,
		UserID:          userID,
		SupportedEvents: SupportedEventTypes,
	})
	slog.Info("WebSocket session opened", "session_id", s.ID, "user_id", userID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.sendError(s, "invalid JSON")
			continue
		}
		m.handleClientMessage(ctx, s, &msg)
	}
}

// Deliver sends a transport payload to every session joined to group.
// Implements Deliverer.
func (m *SessionManager) Deliver(group string, payload []byte) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Warn("Dropping undecodable event payload", "group", group, "error", err)
		return
	}
	delete(event, "type")
	env, err := EnvelopeFromMap(event)
	if err != nil {
		slog.Warn("Dropping invalid event envelope", "group", group, "error", err)
		return
	}

	out, err := json.Marshal(EventPayload{
		Type:      MsgEvent,
		Event:     event,
		Timestamp: now().UnixMilli(),
	})
	if err != nil {
		slog.Warn("Failed to marshal event message", "group", group, "error", err)
		return
	}

	for _, s := range m.groupSessions(group) {
		if !s.wants(env.EventType) {
			continue
		}
		if err := m.sendRaw(s, out); err != nil {
			slog.Warn("Failed to send event to WebSocket client",
				"session_id", s.ID, "group", group, "error", err)
		}
	}
}

// groupSessions snapshots the sessions of a group so sends happen
// without holding either lock.
func (m *SessionManager) groupSessions(group string) []*Session {
	m.groupMu.RLock()
	ids := make([]string, 0, len(m.groups[group]))
	for id := range m.groups[group] {
		ids = append(ids, id)
	}
	m.groupMu.RUnlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ActiveSessions returns the number of connected sessions.
func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GroupMembers returns the users connected to group. With a tracker the
// answer spans all replicas, otherwise only this process.
func (m *SessionManager) GroupMembers(ctx context.Context, group string) ([]int64, error) {
	if m.tracker != nil {
		return m.tracker.Members(ctx, group)
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, s := range m.groupSessions(group) {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			ids = append(ids, s.UserID)
		}
	}
	return ids, nil
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *SessionManager) subscriberCount(group string) int {
	m.groupMu.RLock()
	defer m.groupMu.RUnlock()
	return len(m.groups[group])
}

func (m *SessionManager) handleClientMessage(ctx context.Context, s *Session, msg *ClientMessage) {
	switch msg.Type {
	case MsgPing:
		m.sendJSON(s, map[string]string{"type": MsgPong})

	case MsgSubscribeEvents:
		accepted, rejected := s.addEventTypes(msg.EventTypes)
		reply := SubscriptionPayload{Type: MsgSubscribed, EventTypes: accepted, Rejected: rejected}
		if len(msg.Groups) > 0 {
			joined, denied := m.subscribeGroups(ctx, s, msg.Groups)
			reply.Groups = joined
			reply.Rejected = append(reply.Rejected, denied...)
		}
		m.sendJSON(s, reply)

	case MsgUnsubscribeEvents:
		removed := s.removeEventTypes(msg.EventTypes)
		reply := SubscriptionPayload{Type: MsgUnsubscribed, EventTypes: removed}
		if len(msg.Groups) > 0 {
			reply.Groups = m.unsubscribeGroups(ctx, s, msg.Groups)
		}
		m.sendJSON(s, reply)

	case MsgSubscribeGroups:
		if len(msg.Groups) == 0 {
			m.sendError(s, "groups is required for subscribe_groups")
			return
		}
		joined, rejected := m.subscribeGroups(ctx, s, msg.Groups)
		m.sendJSON(s, SubscriptionPayload{Type: MsgSubscribed, Groups: joined, Rejected: rejected})

	case MsgUnsubscribeGroups:
		if len(msg.Groups) == 0 {
			m.sendError(s, "groups is required for unsubscribe_groups")
			return
		}
		left := m.unsubscribeGroups(ctx, s, msg.Groups)
		m.sendJSON(s, SubscriptionPayload{Type: MsgUnsubscribed, Groups: left})

	case MsgListGroups:
		m.sendJSON(s, GroupsPayload{Type: MsgGroups, Groups: s.joinedGroups()})

	case MsgGetEventStats:
		m.mu.RLock()
		stats := m.stats
		m.mu.RUnlock()
		if stats == nil {
			m.sendError(s, "event stats unavailable")
			return
		}
		m.sendJSON(s, EventStatsPayload{Type: MsgEventStats, Stats: stats.Stats()})

	case MsgProcessPageRegion:
		m.handlePageRegion(ctx, s, msg)

	default:
		m.sendError(s, fmt.Sprintf("unknown message type: %q", msg.Type))
	}
}

// subscribeGroups joins every requested group the user may access and
// returns the joined and rejected names.
func (m *SessionManager) subscribeGroups(ctx context.Context, s *Session, raw []string) (joined, rejected []string) {
	for _, r := range raw {
		name := NormalizeGroupName(r)
		target, err := ParseGroupName(name)
		if err != nil {
			slog.Debug("Rejected group subscription", "session_id", s.ID, "group", r, "error", err)
			rejected = append(rejected, r)
			continue
		}
		target = ResolveGroupProject(ctx, m.resolver, target)
		if m.permissions == nil || !m.permissions.CanAccess(ctx, s.UserID, target) {
			slog.Debug("Group subscription denied", "session_id", s.ID, "user_id", s.UserID, "group", name)
			rejected = append(rejected, r)
			continue
		}
		m.join(ctx, s, name)
		joined = append(joined, name)
	}
	return joined, rejected
}

func (m *SessionManager) unsubscribeGroups(ctx context.Context, s *Session, raw []string) []string {
	left := make([]string, 0, len(raw))
	for _, r := range raw {
		name := NormalizeGroupName(r)
		if !ValidateGroupName(name) {
			continue
		}
		m.leave(ctx, s, name)
		left = append(left, name)
	}
	return left
}

func (m *SessionManager) handlePageRegion(ctx context.Context, s *Session, msg *ClientMessage) {
	if msg.WorkspaceID == "" || msg.PageNumber <= 0 || len(msg.RectPoints) < 2 {
		m.sendError(s, "missing required parameters: workspace_id, page_number, rect_points")
		return
	}
	m.mu.RLock()
	pageRegions := m.pageRegions
	m.mu.RUnlock()
	if pageRegions == nil {
		m.sendError(s, "page region processing is not available")
		return
	}
	wsGroup := WorkspaceGroups(msg.WorkspaceID, s.UserID)[0]
	if m.permissions == nil || !m.permissions.CanAccess(ctx, s.UserID, wsGroup) {
		m.sendError(s, fmt.Sprintf("access denied to workspace %s", msg.WorkspaceID))
		return
	}

	method := msg.SegmentationMethod
	if method == "" {
		method = "GENERIC"
	}
	dpi := msg.DPI
	if dpi <= 0 {
		dpi = 100
	}

	taskID, err := pageRegions.SubmitPageRegion(ctx, PageRegionRequest{
		UserID:             s.UserID,
		WorkspaceID:        msg.WorkspaceID,
		PageNumber:         msg.PageNumber,
		RectPoints:         msg.RectPoints,
		SegmentationMethod: method,
		DPI:                dpi,
	})
	if err != nil {
		slog.Warn("Page region submission failed",
			"session_id", s.ID, "workspace_id", msg.WorkspaceID, "page_number", msg.PageNumber, "error", err)
		m.sendError(s, pageRegionErrorMessage(err))
		return
	}

	// Join the job group so the client sees the page triad without a
	// separate subscribe round trip.
	m.join(ctx, s, "job_"+taskID)
	m.sendJSON(s, PageRegionQueuedPayload{
		Type:        MsgPageRegionQueued,
		TaskID:      taskID,
		WorkspaceID: msg.WorkspaceID,
		PageNumber:  msg.PageNumber,
	})
}

// ErrPageNotFound is returned by PageRegionSubmitter implementations when
// the workspace or page does not exist.
var ErrPageNotFound = errors.New("page not found")

func pageRegionErrorMessage(err error) string {
	if errors.Is(err, ErrPageNotFound) {
		return err.Error()
	}
	return "failed to queue page region job"
}

func (m *SessionManager) join(ctx context.Context, s *Session, group string) {
	m.groupMu.Lock()
	if _, ok := m.groups[group]; !ok {
		m.groups[group] = make(map[string]bool)
	}
	m.groups[group][s.ID] = true
	m.groupMu.Unlock()

	s.mu.Lock()
	s.groups[group] = true
	s.mu.Unlock()

	if m.tracker != nil {
		if err := m.tracker.Add(ctx, group, s.UserID); err != nil {
			slog.Warn("Failed to track group membership", "group", group, "user_id", s.UserID, "error", err)
		}
	}
}

func (m *SessionManager) leave(ctx context.Context, s *Session, group string) {
	s.mu.Lock()
	joined := s.groups[group]
	delete(s.groups, group)
	s.mu.Unlock()
	if !joined {
		return
	}

	m.groupMu.Lock()
	stillPresent := false
	if subs, ok := m.groups[group]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(m.groups, group)
		}
		m.mu.RLock()
		for id := range subs {
			if other, ok := m.sessions[id]; ok && other.UserID == s.UserID {
				stillPresent = true
				break
			}
		}
		m.mu.RUnlock()
	}
	m.groupMu.Unlock()

	if m.tracker != nil && !stillPresent {
		if err := m.tracker.Remove(ctx, group, s.UserID); err != nil {
			slog.Warn("Failed to untrack group membership", "group", group, "user_id", s.UserID, "error", err)
		}
	}
}

func (m *SessionManager) registerSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *SessionManager) unregisterSession(s *Session) {
	// The session context is about to be canceled; tracker cleanup must
	// still reach Redis.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, g := range s.joinedGroups() {
		m.leave(cleanupCtx, s, g)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	s.cancel()
	_ = s.Conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("WebSocket session closed", "session_id", s.ID, "user_id", s.UserID)
}

func (m *SessionManager) sendError(s *Session, message string) {
	m.sendJSON(s, ErrorPayload{Type: MsgError, Message: message})
}

func (m *SessionManager) sendJSON(s *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "session_id", s.ID, "error", err)
		return
	}
	if err := m.sendRaw(s, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "session_id", s.ID, "error", err)
	}
}

func (m *SessionManager) sendRaw(s *Session, data []byte) error {
	writeCtx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
	defer cancel()
	return s.Conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Session) wants(t EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventTypes == nil || s.eventTypes[t]
}

func (s *Session) addEventTypes(raw []string) (accepted, rejected []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range raw {
		t, err := ParseEventType(r)
		if err != nil {
			rejected = append(rejected, r)
			continue
		}
		if s.eventTypes == nil {
			s.eventTypes = make(map[EventType]bool)
		}
		s.eventTypes[t] = true
		accepted = append(accepted, r)
	}
	return accepted, rejected
}

func (s *Session) removeEventTypes(raw []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0, len(raw))
	for _, r := range raw {
		t := EventType(r)
		if s.eventTypes != nil && s.eventTypes[t] {
			delete(s.eventTypes, t)
			removed = append(removed, r)
		}
	}
	return removed
}

func (s *Session) joinedGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
