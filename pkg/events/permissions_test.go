package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// staticMembership answers from fixed tables keyed by user id.
type staticMembership struct {
	projects   map[int64][]string
	workspaces map[int64][]string
	err        error
	delay      time.Duration
}

func (s *staticMembership) IsProjectMember(ctx context.Context, userID int64, projectID string) (bool, error) {
	return s.lookup(ctx, s.projects[userID], projectID)
}

func (s *staticMembership) IsWorkspaceMember(ctx context.Context, userID int64, workspaceID string) (bool, error) {
	return s.lookup(ctx, s.workspaces[userID], workspaceID)
}

func (s *staticMembership) lookup(ctx context.Context, ids []string, id string) (bool, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return false, s.err
	}
	for _, have := range ids {
		if have == id {
			return true, nil
		}
	}
	return false, nil
}

func TestCanAccess_UserGroup(t *testing.T) {
	c := NewPermissionChecker(AllowAllMembership{}, 0)
	ctx := context.Background()

	assert.True(t, c.CanAccess(ctx, 7, UserGroup(7)))
	assert.False(t, c.CanAccess(ctx, 8, UserGroup(7)))
}

func TestCanAccess_FailClosedJobWithoutProject(t *testing.T) {
	owner := &staticMembership{projects: map[int64][]string{7: {"p1"}}}
	ctx := context.Background()

	job := JobGroups("t1", "")[0]
	for _, lookup := range []MembershipLookup{AllowAllMembership{}, owner, nil} {
		c := NewPermissionChecker(lookup, 0)
		for _, uid := range []int64{SystemUserID, 1, 7} {
			assert.False(t, c.CanAccess(ctx, uid, job), "user %d", uid)
		}
	}

	page := PageGroups("55", "")[0]
	assert.False(t, NewPermissionChecker(AllowAllMembership{}, 0).CanAccess(ctx, 7, page))
}

func TestCanAccess_Membership(t *testing.T) {
	m := &staticMembership{
		projects:   map[int64][]string{3: {"9"}},
		workspaces: map[int64][]string{3: {"9"}},
	}
	c := NewPermissionChecker(m, 0)
	ctx := context.Background()

	groups := ComputeGroups(GroupContext{TaskID: "42", ProjectID: "9", UserID: 3, WorkspaceID: "9"})
	for _, g := range groups {
		assert.True(t, c.CanAccess(ctx, 3, g), g.Name)
	}

	other := ComputeGroups(GroupContext{TaskID: "42", ProjectID: "10", UserID: 3, WorkspaceID: "10"})
	assert.Equal(t, []string{"user_3"}, GroupNames(c.FilterAccessible(ctx, 3, other)))
}

func TestCanAccess_NoLookupDeniesMembership(t *testing.T) {
	c := NewPermissionChecker(nil, 0)
	ctx := context.Background()

	assert.True(t, c.CanAccess(ctx, 3, UserGroup(3)))
	assert.False(t, c.CanAccess(ctx, 3, ProjectGroups("9", 3)[0]))
	assert.False(t, c.CanAccess(ctx, 3, WorkspaceGroups("9", 3)[0]))
}

func TestCanAccess_SystemUser(t *testing.T) {
	c := NewPermissionChecker(nil, 0)
	ctx := context.Background()

	groups := ComputeGroups(GroupContext{TaskID: "42", ProjectID: "9", UserID: SystemUserID})
	assert.Equal(t,
		[]string{"user_0", "project_9", "project_9_user_0", "job_42", "project_9_job_42"},
		GroupNames(c.FilterAccessible(ctx, SystemUserID, groups)))
}

func TestCanAccess_LookupFailureDenies(t *testing.T) {
	c := NewPermissionChecker(&staticMembership{err: errors.New("db down")}, 0)
	assert.False(t, c.CanAccess(context.Background(), 3, ProjectGroups("9", 3)[0]))
}

func TestCanAccess_LookupTimeoutDenies(t *testing.T) {
	m := &staticMembership{projects: map[int64][]string{3: {"9"}}, delay: time.Second}
	c := NewPermissionChecker(m, 20*time.Millisecond)

	start := time.Now()
	assert.False(t, c.CanAccess(context.Background(), 3, ProjectGroups("9", 3)[0]))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCanAccess_EmptyOrUnknownPermissions(t *testing.T) {
	c := NewPermissionChecker(AllowAllMembership{}, 0)
	ctx := context.Background()

	assert.False(t, c.CanAccess(ctx, 3, GroupTarget{Name: "x", Type: GroupProject, ProjectID: "9"}))
	assert.False(t, c.CanAccess(ctx, 3, GroupTarget{
		Name: "x", Type: GroupProject, ProjectID: "9",
		PermissionsRequired: []Permission{"admin"},
	}))
}

func TestFilterAccessible_PreservesOrder(t *testing.T) {
	m := &staticMembership{projects: map[int64][]string{3: {"9"}}}
	c := NewPermissionChecker(m, 0)

	in := []GroupTarget{
		JobGroups("1", "9")[0],
		UserGroup(4),
		UserGroup(3),
		JobGroups("2", "")[0],
		ProjectGroups("9", 3)[0],
	}
	assert.Equal(t, []string{"job_1", "user_3", "project_9"},
		GroupNames(c.FilterAccessible(context.Background(), 3, in)))
}
