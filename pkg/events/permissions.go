package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// DefaultMembershipTimeout bounds a single membership lookup.
const DefaultMembershipTimeout = 2 * time.Second

// SystemUserID is the subject of system-originated events. It passes
// membership checks for groups whose owning entity is known; sessions can
// never authenticate as it.
const SystemUserID int64 = 0

// MembershipLookup answers project and workspace membership questions.
// Implementations may block on I/O; PermissionChecker applies a timeout.
type MembershipLookup interface {
	IsProjectMember(ctx context.Context, userID int64, projectID string) (bool, error)
	IsWorkspaceMember(ctx context.Context, userID int64, workspaceID string) (bool, error)
}

// AllowAllMembership treats every authenticated user as a member of
// everything. For tests and local development only.
type AllowAllMembership struct{}

// IsProjectMember implements MembershipLookup.
func (AllowAllMembership) IsProjectMember(_ context.Context, userID int64, _ string) (bool, error) {
	return userID > 0, nil
}

// IsWorkspaceMember implements MembershipLookup.
func (AllowAllMembership) IsWorkspaceMember(_ context.Context, userID int64, _ string) (bool, error) {
	return userID > 0, nil
}

// PermissionChecker evaluates group access. Missing context denies.
type PermissionChecker struct {
	membership MembershipLookup
	timeout    time.Duration
}

// NewPermissionChecker creates a checker. A nil membership denies every
// membership-gated group.
func NewPermissionChecker(membership MembershipLookup, timeout time.Duration) *PermissionChecker {
	if timeout <= 0 {
		timeout = DefaultMembershipTimeout
	}
	return &PermissionChecker{membership: membership, timeout: timeout}
}

// CanAccess reports whether userID satisfies every permission g requires.
func (c *PermissionChecker) CanAccess(ctx context.Context, userID int64, g GroupTarget) bool {
	if len(g.PermissionsRequired) == 0 {
		return false
	}
	for _, perm := range g.PermissionsRequired {
		if !c.check(ctx, userID, perm, g) {
			return false
		}
	}
	return true
}

// FilterAccessible returns the groups userID can access, in input order.
func (c *PermissionChecker) FilterAccessible(ctx context.Context, userID int64, groups []GroupTarget) []GroupTarget {
	out := make([]GroupTarget, 0, len(groups))
	for _, g := range groups {
		if c.CanAccess(ctx, userID, g) {
			out = append(out, g)
			continue
		}
		slog.Debug("Group access denied", "user_id", userID, "group", g.Name)
	}
	return out
}

func (c *PermissionChecker) check(ctx context.Context, userID int64, perm Permission, g GroupTarget) bool {
	switch perm {
	case PermUserAccess:
		if g.Type != GroupUser {
			return true
		}
		target, err := strconv.ParseInt(g.EntityID, 10, 64)
		return err == nil && target == userID
	case PermProjectMember, PermJobAccess, PermPageAccess:
		if g.ProjectID == "" {
			return false
		}
		return c.isProjectMember(ctx, userID, g.ProjectID)
	case PermWorkspaceMember:
		if g.WorkspaceID == "" {
			return false
		}
		return c.isWorkspaceMember(ctx, userID, g.WorkspaceID)
	default:
		slog.Warn("Unknown permission", "permission", perm, "group", g.Name)
		return false
	}
}

func (c *PermissionChecker) isProjectMember(ctx context.Context, userID int64, projectID string) bool {
	if userID == SystemUserID {
		return true
	}
	if c.membership == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.membership.IsProjectMember(ctx, userID, projectID)
	if err != nil {
		slog.Warn("Project membership lookup failed",
			"user_id", userID, "project_id", projectID, "error", err)
		return false
	}
	return ok
}

func (c *PermissionChecker) isWorkspaceMember(ctx context.Context, userID int64, workspaceID string) bool {
	if userID == SystemUserID {
		return true
	}
	if c.membership == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ok, err := c.membership.IsWorkspaceMember(ctx, userID, workspaceID)
	if err != nil {
		slog.Warn("Workspace membership lookup failed",
			"user_id", userID, "workspace_id", workspaceID, "error", err)
		return false
	}
	return ok
}
