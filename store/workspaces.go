package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/model"
)

// WorkspaceStore persists workspaces, ACL entries and audit events. It is
// the policy kernel's WorkspaceSource.
type WorkspaceStore struct {
	db *gorm.DB
}

func NewWorkspaceStore(db *gorm.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// WorkspaceByID returns (nil, nil) when the workspace does not exist.
// Archived workspaces are returned; the policy kernel decides their fate.
func (s *WorkspaceStore) WorkspaceByID(ctx context.Context, id string) (*model.Workspace, error) {
	var ws model.Workspace
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// AclEntry returns (nil, nil) when the user has no entry for the workspace.
func (s *WorkspaceStore) AclEntry(ctx context.Context, workspaceID, userID string) (*model.WorkspaceAclEntry, error) {
	var entry model.WorkspaceAclEntry
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CreateWorkspace inserts a workspace, enforcing name uniqueness per owner
// case-insensitively.
func (s *WorkspaceStore) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		q := tx.Model(&model.Workspace{}).
			Where("lower(name) = ? AND archived_at IS NULL", strings.ToLower(ws.Name))
		if ws.OwnerUserID != nil {
			q = q.Where("owner_user_id = ?", *ws.OwnerUserID)
		} else {
			q = q.Where("owner_user_id IS NULL")
		}
		if err := q.Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return model.Ef(model.CodeConflict, "workspace name %q already in use", ws.Name)
		}
		return tx.Create(ws).Error
	})
	if err != nil {
		var typed *model.Error
		if errors.As(err, &typed) {
			return typed
		}
		return model.Unavailable("database", err)
	}
	return nil
}

// ListWorkspacesFor returns every workspace the actor can read, using the
// same visibility rules the policy kernel applies per workspace.
func (s *WorkspaceStore) ListWorkspacesFor(ctx context.Context, actor *model.Actor) ([]model.Workspace, error) {
	if actor == nil {
		return nil, model.E(model.CodeUnauthorized, "authentication required")
	}
	q := s.db.WithContext(ctx).Model(&model.Workspace{}).Where("archived_at IS NULL")
	if actor.Role != model.RoleAdmin {
		q = q.Where(
			"owner_user_id = ? OR visibility = ? OR (visibility = ? AND id IN (?))",
			actor.UserID,
			model.VisibilityOrgRead,
			model.VisibilityShared,
			s.db.Model(&model.WorkspaceAclEntry{}).Select("workspace_id").Where("user_id = ?", actor.UserID),
		)
	}
	var out []model.Workspace
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, model.Unavailable("database", err)
	}
	return out, nil
}

// ArchiveWorkspace marks the workspace archived. Idempotent.
func (s *WorkspaceStore) ArchiveWorkspace(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&model.Workspace{}).
		Where("id = ? AND archived_at IS NULL", id).
		Update("archived_at", now).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// UpsertAclEntry grants or updates a user's role on a workspace.
func (s *WorkspaceStore) UpsertAclEntry(ctx context.Context, entry *model.WorkspaceAclEntry) error {
	err := s.db.WithContext(ctx).Save(entry).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// RecordAudit appends an audit event. Best effort: failures are logged and
// swallowed so an audit outage never blocks the operation it describes.
func (s *WorkspaceStore) RecordAudit(ctx context.Context, event *model.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		common.Logger.WithError(err).WithField("action", event.Action).Warn("audit write failed")
	}
}
