package membership

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
)

// DefaultCacheTTL bounds how long a membership answer is reused.
const DefaultCacheTTL = 30 * time.Second

// cacheEntry holds one cached answer with the time it was looked up.
type cacheEntry struct {
	member    bool
	checkedAt time.Time
}

// Cached wraps a MembershipLookup with a TTL cache. Every publish checks
// up to four membership-gated groups for the same user and project.
// Errors are never cached. Expired entries are dropped lazily on read.
type Cached struct {
	next events.MembershipLookup
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCached wraps next. A non-positive ttl selects DefaultCacheTTL.
func NewCached(next events.MembershipLookup, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// IsProjectMember implements events.MembershipLookup.
func (c *Cached) IsProjectMember(ctx context.Context, userID int64, projectID string) (bool, error) {
	return c.lookup("p:"+projectID+":"+strconv.FormatInt(userID, 10), func() (bool, error) {
		return c.next.IsProjectMember(ctx, userID, projectID)
	})
}

// IsWorkspaceMember implements events.MembershipLookup.
func (c *Cached) IsWorkspaceMember(ctx context.Context, userID int64, workspaceID string) (bool, error) {
	return c.lookup("w:"+workspaceID+":"+strconv.FormatInt(userID, 10), func() (bool, error) {
		return c.next.IsWorkspaceMember(ctx, userID, workspaceID)
	})
}

// Invalidate drops every cached answer, e.g. after membership changes.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Cached) lookup(key string, fetch func() (bool, error)) (bool, error) {
	if member, ok := c.get(key); ok {
		return member, nil
	}
	member, err := fetch()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{member: member, checkedAt: c.now()}
	c.mu.Unlock()
	return member, nil
}

func (c *Cached) get(key string) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, false
	}

	if c.now().Sub(entry.checkedAt) > c.ttl {
		// Re-check under the write lock: a concurrent lookup may have
		// stored a fresh answer in between.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && c.now().Sub(current.checkedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false, false
	}
	return entry.member, true
}
