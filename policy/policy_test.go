package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SaintWyss/ragcore/model"
)

type fakeSource struct {
	workspaces map[string]*model.Workspace
	acl        map[string]model.AclRole // "wsID/userID" -> role
	err        error
}

func (f *fakeSource) WorkspaceByID(_ context.Context, id string) (*model.Workspace, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.workspaces[id], nil
}

func (f *fakeSource) AclEntry(_ context.Context, workspaceID, userID string) (*model.WorkspaceAclEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	role, ok := f.acl[workspaceID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &model.WorkspaceAclEntry{WorkspaceID: workspaceID, UserID: userID, Role: role}, nil
}

func strPtr(s string) *string { return &s }

func TestKernelResolve(t *testing.T) {
	owner := "11111111-1111-1111-1111-111111111111"
	other := "22222222-2222-2222-2222-222222222222"
	editor := "44444444-4444-4444-4444-444444444444"
	archivedAt := time.Now()

	source := &fakeSource{
		workspaces: map[string]*model.Workspace{
			"private":  {ID: "private", OwnerUserID: strPtr(owner), Visibility: model.VisibilityPrivate},
			"org":      {ID: "org", OwnerUserID: strPtr(owner), Visibility: model.VisibilityOrgRead},
			"shared":   {ID: "shared", OwnerUserID: strPtr(owner), Visibility: model.VisibilityShared},
			"archived": {ID: "archived", OwnerUserID: strPtr(owner), Visibility: model.VisibilityPrivate, ArchivedAt: &archivedAt},
		},
		acl: map[string]model.AclRole{
			"shared/" + other:  model.AclViewer,
			"shared/" + editor: model.AclEditor,
		},
	}
	kernel := NewKernel(source)

	employee := func(id string) *model.Actor { return &model.Actor{UserID: id, Role: model.RoleEmployee} }
	admin := &model.Actor{UserID: "admin", Role: model.RoleAdmin}

	tests := []struct {
		name      string
		workspace string
		actor     *model.Actor
		mode      Mode
		want      Decision
	}{
		{"MissingWorkspaceIsNotFound", "nope", employee(owner), Read, NotFound},
		{"ArchivedIsNotFoundEvenForOwner", "archived", employee(owner), Read, NotFound},
		{"ArchivedIsNotFoundForAdmin", "archived", admin, Write, NotFound},
		{"NilActorIsForbidden", "private", nil, Read, Forbidden},
		{"AdminReadsAnything", "private", admin, Read, Allow},
		{"AdminWritesAnything", "shared", admin, Write, Allow},
		{"OwnerReadsPrivate", "private", employee(owner), Read, Allow},
		{"OwnerWritesPrivate", "private", employee(owner), Write, Allow},
		{"NonOwnerPrivateReadHidesExistence", "private", employee(other), Read, NotFound},
		{"NonOwnerPrivateWriteHidesExistence", "private", employee(other), Write, NotFound},
		{"EmployeeReadsOrgRead", "org", employee(other), Read, Allow},
		{"EmployeeCannotWriteOrgRead", "org", employee(other), Write, Forbidden},
		{"AclMemberReadsShared", "shared", employee(other), Read, Allow},
		{"AclViewerCannotWriteShared", "shared", employee(other), Write, Forbidden},
		{"AclEditorWritesShared", "shared", employee(editor), Write, Allow},
		{"StrangerSharedReadHidesExistence", "shared", employee("33333333-3333-3333-3333-333333333333"), Read, NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ws, err := kernel.Resolve(context.Background(), tt.workspace, tt.actor, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.want == Allow {
				require.NotNil(t, ws)
				assert.Equal(t, tt.workspace, ws.ID)
			} else {
				assert.Nil(t, ws)
			}
		})
	}
}

func TestKernelResolve_EmptyWorkspaceID(t *testing.T) {
	kernel := NewKernel(&fakeSource{})
	_, _, err := kernel.Resolve(context.Background(), "", &model.Actor{Role: model.RoleAdmin}, Read)
	require.Error(t, err)
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
}

func TestKernelResolve_SourceFailure(t *testing.T) {
	kernel := NewKernel(&fakeSource{err: errors.New("connection refused")})
	_, _, err := kernel.Resolve(context.Background(), "ws", &model.Actor{Role: model.RoleAdmin}, Read)
	require.Error(t, err)
	assert.Equal(t, model.CodeServiceUnavailable, model.CodeOf(err))
}

func TestKernelCanEdit(t *testing.T) {
	owner := "owner-id"
	editor := "editor-id"
	viewer := "viewer-id"
	ws := &model.Workspace{ID: "shared", OwnerUserID: strPtr(owner), Visibility: model.VisibilityShared}
	source := &fakeSource{
		acl: map[string]model.AclRole{
			"shared/" + editor: model.AclEditor,
			"shared/" + viewer: model.AclViewer,
		},
	}
	kernel := NewKernel(source)
	ctx := context.Background()

	ok, err := kernel.CanEdit(ctx, ws, &model.Actor{UserID: editor, Role: model.RoleEmployee})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kernel.CanEdit(ctx, ws, &model.Actor{UserID: viewer, Role: model.RoleEmployee})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kernel.CanEdit(ctx, ws, &model.Actor{UserID: owner, Role: model.RoleEmployee})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kernel.CanEdit(ctx, ws, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
