package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SaintWyss/ragcore/model"
)

// ConnectorStore persists external-source descriptors and the per-provider
// OAuth accounts.
type ConnectorStore struct {
	db *gorm.DB
}

func NewConnectorStore(db *gorm.DB) *ConnectorStore {
	return &ConnectorStore{db: db}
}

// SourceByID loads one source inside the workspace; (nil, nil) when absent.
func (s *ConnectorStore) SourceByID(ctx context.Context, workspaceID, sourceID string) (*model.ConnectorSource, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	var src model.ConnectorSource
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", sourceID, workspaceID).
		First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return &src, nil
}

// CreateSource registers a remote folder for synchronization.
func (s *ConnectorStore) CreateSource(ctx context.Context, src *model.ConnectorSource) error {
	if err := requireWorkspace(src.WorkspaceID); err != nil {
		return err
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Status == "" {
		src.Status = model.SourcePending
	}
	if err := s.db.WithContext(ctx).Create(src).Error; err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// TrySyncLock attempts the SYNCING compare-and-set. It reports true iff this
// caller won the lock; a source already SYNCING or DISABLED loses.
func (s *ConnectorStore) TrySyncLock(ctx context.Context, workspaceID, sourceID string) (bool, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Model(&model.ConnectorSource{}).
		Where("id = ? AND workspace_id = ? AND status NOT IN ?",
			sourceID, workspaceID,
			[]model.SourceStatus{model.SourceSyncing, model.SourceDisabled}).
		Update("status", model.SourceSyncing)
	if res.Error != nil {
		return false, model.Unavailable("database", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FinishSync releases the sync lock, recording the outcome status, the new
// cursor and the last error (cleared on success).
func (s *ConnectorStore) FinishSync(ctx context.Context, workspaceID, sourceID string, status model.SourceStatus, cursorJSON, lastError string) error {
	if err := requireWorkspace(workspaceID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Model(&model.ConnectorSource{}).
		Where("id = ? AND workspace_id = ?", sourceID, workspaceID).
		Updates(map[string]interface{}{
			"status":      status,
			"cursor_json": cursorJSON,
			"last_error":  model.TruncateError(lastError),
		}).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// AccountFor returns the OAuth account for (workspace, provider); (nil, nil)
// when the workspace never connected the provider.
func (s *ConnectorStore) AccountFor(ctx context.Context, workspaceID, provider string) (*model.ConnectorAccount, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	var acct model.ConnectorAccount
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND provider = ?", workspaceID, provider).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return &acct, nil
}

// SaveAccount upserts the account keyed by (workspace, provider), replacing
// the sealed refresh token.
func (s *ConnectorStore) SaveAccount(ctx context.Context, acct *model.ConnectorAccount) error {
	if err := requireWorkspace(acct.WorkspaceID); err != nil {
		return err
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_email", "encrypted_refresh_token", "updated_at"}),
		}).
		Create(acct).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}
