package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeGroups_Composition(t *testing.T) {
	gc := GroupContext{EventType: EventTaskProgress, TaskID: "t1", ProjectID: "p1", UserID: 7}
	want := []string{"user_7", "project_p1", "project_p1_user_7", "job_t1", "project_p1_job_t1"}

	for range 5 {
		assert.Equal(t, want, GroupNames(ComputeGroups(gc)))
	}
}

func TestComputeGroups(t *testing.T) {
	tests := []struct {
		name string
		gc   GroupContext
		want []string
	}{
		{
			name: "user only",
			gc:   GroupContext{UserID: 3},
			want: []string{"user_3"},
		},
		{
			name: "job without project",
			gc:   GroupContext{TaskID: "t9", UserID: 3},
			want: []string{"user_3", "job_t9"},
		},
		{
			name: "workspace routing",
			gc:   GroupContext{TaskID: "42", ProjectID: "9", UserID: 3, WorkspaceID: "9"},
			want: []string{
				"user_3", "project_9", "project_9_user_3", "job_42", "project_9_job_42",
				"workspace_9", "workspace_9_user_3",
			},
		},
		{
			name: "page id without opt-in adds nothing",
			gc:   GroupContext{TaskID: "42", ProjectID: "9", UserID: 3, PageID: "55"},
			want: []string{"user_3", "project_9", "project_9_user_3", "job_42", "project_9_job_42"},
		},
		{
			name: "page groups on request",
			gc:   GroupContext{TaskID: "42", ProjectID: "9", UserID: 3, PageID: "55", IncludePageGroups: true},
			want: []string{
				"user_3", "project_9", "project_9_user_3", "job_42", "project_9_job_42",
				"page_55", "project_9_page_55",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupNames(ComputeGroups(tt.gc)))
		})
	}
}

func TestComputeGroups_Permissions(t *testing.T) {
	groups := ComputeGroups(GroupContext{TaskID: "t1", ProjectID: "p1", UserID: 7, WorkspaceID: "w1"})
	byName := make(map[string]GroupTarget)
	for _, g := range groups {
		byName[g.Name] = g
	}

	assert.Equal(t, []Permission{PermUserAccess}, byName["user_7"].PermissionsRequired)
	assert.Equal(t, []Permission{PermProjectMember, PermUserAccess}, byName["project_p1_user_7"].PermissionsRequired)
	assert.Equal(t, []Permission{PermJobAccess, PermProjectMember}, byName["job_t1"].PermissionsRequired)
	assert.Equal(t, "p1", byName["job_t1"].ProjectID)
	assert.Equal(t, []Permission{PermWorkspaceMember, PermUserAccess}, byName["workspace_w1"].PermissionsRequired)
	assert.Equal(t, "w1", byName["workspace_w1_user_7"].WorkspaceID)

	// Mutating one target's permissions must not leak into the next.
	byName["user_7"].PermissionsRequired[0] = PermPageAccess
	assert.Equal(t, []Permission{PermUserAccess}, UserGroup(7).PermissionsRequired)
}

func TestNormalizeAndValidateGroupName(t *testing.T) {
	assert.Equal(t, "project_9_job_42", NormalizeGroupName(" project:9:job:42 "))

	assert.True(t, ValidateGroupName("user_1"))
	assert.True(t, ValidateGroupName("job_a-b.c"))
	assert.True(t, ValidateGroupName(strings.Repeat("a", 99)))
	assert.False(t, ValidateGroupName(strings.Repeat("a", 100)))
	assert.False(t, ValidateGroupName(""))
	assert.False(t, ValidateGroupName("job_1 2"))
	assert.False(t, ValidateGroupName("job:1"))
}

func TestParseGroupName(t *testing.T) {
	tests := []struct {
		name        string
		wantType    GroupType
		wantEntity  string
		wantProject string
		wantWS      string
	}{
		{"user_7", GroupUser, "7", "", ""},
		{"project_9", GroupProject, "9", "9", ""},
		{"project_9_user_7", GroupProjectUser, "9_7", "9", ""},
		{"job_42", GroupJob, "42", "", ""},
		{"project_9_job_42", GroupProjectJob, "9_42", "9", ""},
		{"workspace_9", GroupWorkspace, "9", "", "9"},
		{"workspace_9_user_7", GroupWorkspaceUser, "9_7", "", "9"},
		{"page_55", GroupPage, "55", "", ""},
		{"project_9_page_55", GroupProjectPage, "9_55", "9", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseGroupName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.name, g.Name)
			assert.Equal(t, tt.wantType, g.Type)
			assert.Equal(t, tt.wantEntity, g.EntityID)
			assert.Equal(t, tt.wantProject, g.ProjectID)
			assert.Equal(t, tt.wantWS, g.WorkspaceID)
			assert.NotEmpty(t, g.PermissionsRequired)
		})
	}

	for _, bad := range []string{"", "team_1", "user_abc", "job_", "project_1_job_", strings.Repeat("x", 120)} {
		_, err := ParseGroupName(bad)
		assert.ErrorIs(t, err, ErrInvalidGroupName, bad)
	}
}

type fakeResolver struct {
	tasks map[string]string
	pages map[string]string
	err   error
}

func (f *fakeResolver) ProjectForTask(_ context.Context, taskID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.tasks[taskID], nil
}

func (f *fakeResolver) ProjectForPage(_ context.Context, pageID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.pages[pageID], nil
}

func TestResolveGroupProject(t *testing.T) {
	ctx := context.Background()
	r := &fakeResolver{tasks: map[string]string{"42": "9"}, pages: map[string]string{"55": "9"}}

	job, _ := ParseGroupName("job_42")
	assert.Equal(t, "9", ResolveGroupProject(ctx, r, job).ProjectID)

	page, _ := ParseGroupName("page_55")
	assert.Equal(t, "9", ResolveGroupProject(ctx, r, page).ProjectID)

	unknown, _ := ParseGroupName("job_404")
	assert.Empty(t, ResolveGroupProject(ctx, r, unknown).ProjectID)

	failing := &fakeResolver{err: errors.New("db down")}
	assert.Empty(t, ResolveGroupProject(ctx, failing, job).ProjectID)

	// Groups that already carry a project are left alone.
	pj, _ := ParseGroupName("project_3_job_42")
	assert.Equal(t, "3", ResolveGroupProject(ctx, r, pj).ProjectID)

	assert.Empty(t, ResolveGroupProject(ctx, nil, job).ProjectID)
}
