// Package policy decides workspace access. Every pipeline that touches a
// workspace funnels through Resolve; there is no second decision path.
package policy

import (
	"context"

	"github.com/SaintWyss/ragcore/model"
)

// Decision is the outcome of an access resolution.
type Decision string

const (
	Allow     Decision = "ALLOW"
	NotFound  Decision = "NOT_FOUND"
	Forbidden Decision = "FORBIDDEN"
)

// Mode is the kind of access being requested.
type Mode string

const (
	Read  Mode = "READ"
	Write Mode = "WRITE"
)

// WorkspaceSource loads workspaces and ACL membership. Implemented by the
// store package; faked in tests.
type WorkspaceSource interface {
	// WorkspaceByID returns (nil, nil) when no workspace has the id.
	WorkspaceByID(ctx context.Context, id string) (*model.Workspace, error)
	// AclEntry returns (nil, nil) when the user has no entry.
	AclEntry(ctx context.Context, workspaceID, userID string) (*model.WorkspaceAclEntry, error)
}

// Kernel resolves (workspace, actor, mode) into a single access decision.
type Kernel struct {
	source WorkspaceSource
}

func NewKernel(source WorkspaceSource) *Kernel {
	return &Kernel{source: source}
}

// Resolve applies the access rules in order. Archived and missing workspaces
// are indistinguishable from the outside: both resolve to NotFound whoever
// asks. Forbidden is only returned when the actor could already know the
// workspace exists, so a denied read never leaks existence.
func (k *Kernel) Resolve(ctx context.Context, workspaceID string, actor *model.Actor, mode Mode) (Decision, *model.Workspace, error) {
	if workspaceID == "" {
		return "", nil, model.E(model.CodeValidation, "workspace id is required")
	}

	ws, err := k.source.WorkspaceByID(ctx, workspaceID)
	if err != nil {
		return "", nil, model.Unavailable("database", err)
	}
	if ws == nil || ws.Archived() {
		return NotFound, nil, nil
	}
	if actor == nil {
		return Forbidden, nil, nil
	}
	if actor.Role == model.RoleAdmin {
		return Allow, ws, nil
	}

	canRead, err := k.canRead(ctx, ws, actor)
	if err != nil {
		return "", nil, err
	}

	switch mode {
	case Read:
		if canRead {
			return Allow, ws, nil
		}
		// A denied reader has no way to know the workspace exists.
		return NotFound, nil, nil
	case Write:
		ok, err := k.CanEdit(ctx, ws, actor)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return Allow, ws, nil
		}
		if canRead {
			return Forbidden, nil, nil
		}
		return NotFound, nil, nil
	default:
		return "", nil, model.Ef(model.CodeValidation, "unknown access mode %q", mode)
	}
}

func (k *Kernel) canRead(ctx context.Context, ws *model.Workspace, actor *model.Actor) (bool, error) {
	if ws.OwnerUserID != nil && *ws.OwnerUserID == actor.UserID {
		return true, nil
	}
	switch ws.Visibility {
	case model.VisibilityOrgRead:
		return actor.Role == model.RoleEmployee, nil
	case model.VisibilityShared:
		entry, err := k.source.AclEntry(ctx, ws.ID, actor.UserID)
		if err != nil {
			return false, model.Unavailable("database", err)
		}
		return entry != nil, nil
	default:
		return false, nil
	}
}

// CanEdit reports whether the actor may mutate the workspace's documents:
// admins, owners, and ACL editors on SHARED workspaces. Resolve's Write mode
// is built on it.
func (k *Kernel) CanEdit(ctx context.Context, ws *model.Workspace, actor *model.Actor) (bool, error) {
	if actor == nil || ws == nil {
		return false, nil
	}
	if actor.Role == model.RoleAdmin {
		return true, nil
	}
	if ws.OwnerUserID != nil && *ws.OwnerUserID == actor.UserID {
		return true, nil
	}
	if ws.Visibility != model.VisibilityShared {
		return false, nil
	}
	entry, err := k.source.AclEntry(ctx, ws.ID, actor.UserID)
	if err != nil {
		return false, model.Unavailable("database", err)
	}
	return entry != nil && entry.Role == model.AclEditor, nil
}
