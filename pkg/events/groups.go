package events

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// GroupType classifies a subscriber group by the relationship it represents.
type GroupType string

// Group types.
const (
	GroupUser          GroupType = "user"
	GroupProject       GroupType = "project"
	GroupProjectUser   GroupType = "project_user"
	GroupJob           GroupType = "job"
	GroupProjectJob    GroupType = "project_job"
	GroupWorkspace     GroupType = "workspace"
	GroupWorkspaceUser GroupType = "workspace_user"
	GroupPage          GroupType = "page"
	GroupProjectPage   GroupType = "project_page"
)

// Permission is a single access predicate evaluated by PermissionChecker.
type Permission string

// Permissions.
const (
	PermUserAccess      Permission = "user_access"
	PermProjectMember   Permission = "project_member"
	PermWorkspaceMember Permission = "workspace_member"
	PermJobAccess       Permission = "job_access"
	PermPageAccess      Permission = "page_access"
)

// MaxGroupNameLength is the longest group name accepted.
const MaxGroupNameLength = 99

var groupNamePattern = regexp.MustCompile(`^[A-Za-z0-9\-_.]{1,99}$`)

// GroupTarget is a computed fan-out destination. Never persisted.
type GroupTarget struct {
	Name                string
	Type                GroupType
	EntityID            string
	PermissionsRequired []Permission
	// ProjectID is the project the group's entity belongs to. Job and page
	// groups are denied when it is empty.
	ProjectID   string
	WorkspaceID string
}

// Permissions required per group type.
var requiredPermissions = map[GroupType][]Permission{
	GroupUser:          {PermUserAccess},
	GroupProject:       {PermProjectMember, PermUserAccess},
	GroupProjectUser:   {PermProjectMember, PermUserAccess},
	GroupJob:           {PermJobAccess, PermProjectMember},
	GroupProjectJob:    {PermJobAccess, PermProjectMember},
	GroupWorkspace:     {PermWorkspaceMember, PermUserAccess},
	GroupWorkspaceUser: {PermWorkspaceMember, PermUserAccess},
	GroupPage:          {PermPageAccess, PermProjectMember},
	GroupProjectPage:   {PermPageAccess, PermProjectMember},
}

func newTarget(name string, typ GroupType, entityID string) GroupTarget {
	perms := requiredPermissions[typ]
	return GroupTarget{
		Name:                name,
		Type:                typ,
		EntityID:            entityID,
		PermissionsRequired: append([]Permission(nil), perms...),
	}
}

// UserGroup returns the private group of a user.
func UserGroup(userID int64) GroupTarget {
	return newTarget(UserGroupName(userID), GroupUser, strconv.FormatInt(userID, 10))
}

// UserGroupName returns "user_{id}".
func UserGroupName(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// ProjectGroups returns the project-wide group and the per-user project group.
func ProjectGroups(projectID string, userID int64) []GroupTarget {
	uid := strconv.FormatInt(userID, 10)
	project := newTarget("project_"+projectID, GroupProject, projectID)
	project.ProjectID = projectID
	projectUser := newTarget("project_"+projectID+"_user_"+uid, GroupProjectUser, projectID+"_"+uid)
	projectUser.ProjectID = projectID
	return []GroupTarget{project, projectUser}
}

// JobGroups returns the job group and, when the project is known, the
// project-scoped job group.
func JobGroups(taskID, projectID string) []GroupTarget {
	job := newTarget("job_"+taskID, GroupJob, taskID)
	job.ProjectID = projectID
	if projectID == "" {
		return []GroupTarget{job}
	}
	projectJob := newTarget("project_"+projectID+"_job_"+taskID, GroupProjectJob, projectID+"_"+taskID)
	projectJob.ProjectID = projectID
	return []GroupTarget{job, projectJob}
}

// WorkspaceGroups returns the workspace-wide group and the per-user
// workspace group.
func WorkspaceGroups(workspaceID string, userID int64) []GroupTarget {
	uid := strconv.FormatInt(userID, 10)
	ws := newTarget("workspace_"+workspaceID, GroupWorkspace, workspaceID)
	ws.WorkspaceID = workspaceID
	wsUser := newTarget("workspace_"+workspaceID+"_user_"+uid, GroupWorkspaceUser, workspaceID+"_"+uid)
	wsUser.WorkspaceID = workspaceID
	return []GroupTarget{ws, wsUser}
}

// PageGroups returns the page group and, when the project is known, the
// project-scoped page group.
func PageGroups(pageID, projectID string) []GroupTarget {
	page := newTarget("page_"+pageID, GroupPage, pageID)
	page.ProjectID = projectID
	if projectID == "" {
		return []GroupTarget{page}
	}
	projectPage := newTarget("project_"+projectID+"_page_"+pageID, GroupProjectPage, projectID+"_"+pageID)
	projectPage.ProjectID = projectID
	return []GroupTarget{page, projectPage}
}

// GroupContext is the routing context of one event.
type GroupContext struct {
	EventType   EventType
	TaskID      string
	ProjectID   string
	UserID      int64
	WorkspaceID string
	PageID      string
	// IncludePageGroups opts in to page-scoped routing. Default routing
	// never adds page groups.
	IncludePageGroups bool
}

// ComputeGroups returns the target groups for an event in a fixed order:
// user, project, job, workspace, then page groups when requested.
func ComputeGroups(gc GroupContext) []GroupTarget {
	groups := make([]GroupTarget, 0, 9)
	groups = append(groups, UserGroup(gc.UserID))
	if gc.ProjectID != "" {
		groups = append(groups, ProjectGroups(gc.ProjectID, gc.UserID)...)
	}
	if gc.TaskID != "" {
		groups = append(groups, JobGroups(gc.TaskID, gc.ProjectID)...)
	}
	if gc.WorkspaceID != "" {
		groups = append(groups, WorkspaceGroups(gc.WorkspaceID, gc.UserID)...)
	}
	if gc.IncludePageGroups && gc.PageID != "" {
		groups = append(groups, PageGroups(gc.PageID, gc.ProjectID)...)
	}
	return groups
}

// GroupNames extracts the names of groups, preserving order.
func GroupNames(groups []GroupTarget) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return names
}

// NormalizeGroupName maps an externally supplied name to canonical form.
func NormalizeGroupName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), ":", "_")
}

// ValidateGroupName reports whether name is usable as a group name.
func ValidateGroupName(name string) bool {
	return len(name) <= MaxGroupNameLength && groupNamePattern.MatchString(name)
}

// Group name shapes, most specific first. Entity ids never contain "_".
var groupShapes = []struct {
	pattern *regexp.Regexp
	build   func(m []string) GroupTarget
}{
	{regexp.MustCompile(`^project_([^_]+)_user_(\d+)$`), func(m []string) GroupTarget {
		uid, _ := strconv.ParseInt(m[2], 10, 64)
		return ProjectGroups(m[1], uid)[1]
	}},
	{regexp.MustCompile(`^project_([^_]+)_job_([^_]+)$`), func(m []string) GroupTarget {
		return JobGroups(m[2], m[1])[1]
	}},
	{regexp.MustCompile(`^project_([^_]+)_page_([^_]+)$`), func(m []string) GroupTarget {
		return PageGroups(m[2], m[1])[1]
	}},
	{regexp.MustCompile(`^workspace_([^_]+)_user_(\d+)$`), func(m []string) GroupTarget {
		uid, _ := strconv.ParseInt(m[2], 10, 64)
		return WorkspaceGroups(m[1], uid)[1]
	}},
	{regexp.MustCompile(`^user_(\d+)$`), func(m []string) GroupTarget {
		uid, _ := strconv.ParseInt(m[1], 10, 64)
		return UserGroup(uid)
	}},
	{regexp.MustCompile(`^project_([^_]+)$`), func(m []string) GroupTarget {
		return ProjectGroups(m[1], 0)[0]
	}},
	{regexp.MustCompile(`^job_([^_]+)$`), func(m []string) GroupTarget {
		return JobGroups(m[1], "")[0]
	}},
	{regexp.MustCompile(`^workspace_([^_]+)$`), func(m []string) GroupTarget {
		return WorkspaceGroups(m[1], 0)[0]
	}},
	{regexp.MustCompile(`^page_([^_]+)$`), func(m []string) GroupTarget {
		return PageGroups(m[1], "")[0]
	}},
}

// ParseGroupName reconstructs a GroupTarget from a canonical group name.
// Bare job and page groups come back without a ProjectID; see
// ResolveGroupProject.
func ParseGroupName(name string) (GroupTarget, error) {
	if !ValidateGroupName(name) {
		return GroupTarget{}, fmt.Errorf("%w: %q", ErrInvalidGroupName, name)
	}
	for _, shape := range groupShapes {
		if m := shape.pattern.FindStringSubmatch(name); m != nil {
			return shape.build(m), nil
		}
	}
	return GroupTarget{}, fmt.Errorf("%w: unrecognized shape %q", ErrInvalidGroupName, name)
}

// ProjectResolver looks up the owning project of a task or page so that
// bare job and page groups can be permission-checked.
type ProjectResolver interface {
	ProjectForTask(ctx context.Context, taskID string) (string, error)
	ProjectForPage(ctx context.Context, pageID string) (string, error)
}

// ResolveGroupProject fills in ProjectID for job and page groups that lack
// one. A lookup failure leaves the group unchanged, which fails closed.
func ResolveGroupProject(ctx context.Context, r ProjectResolver, g GroupTarget) GroupTarget {
	if r == nil || g.ProjectID != "" {
		return g
	}
	var (
		projectID string
		err       error
	)
	switch g.Type {
	case GroupJob:
		projectID, err = r.ProjectForTask(ctx, g.EntityID)
	case GroupPage:
		projectID, err = r.ProjectForPage(ctx, g.EntityID)
	default:
		return g
	}
	if err != nil {
		return g
	}
	g.ProjectID = projectID
	return g
}
