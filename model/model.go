// Package model defines the persistent entities of the RAG service and the
// typed error taxonomy shared by every layer. All entities are scoped to a
// workspace; the workspace id is denormalized onto chunks so that retrieval
// queries never need a join to enforce isolation.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
)

// EmbeddingDim is the fixed dimensionality of all stored embeddings.
const EmbeddingDim = 768

// Visibility controls who may read a workspace.
type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityOrgRead Visibility = "ORG_READ"
	VisibilityShared  Visibility = "SHARED"
)

// ActorRole is the role carried by an authenticated principal.
type ActorRole string

const (
	RoleAdmin    ActorRole = "ADMIN"
	RoleEmployee ActorRole = "EMPLOYEE"
)

// Actor is the authenticated principal acting on a request. It is never
// persisted; it is derived from the JWT claims or the API key scopes.
type Actor struct {
	UserID string
	Role   ActorRole
}

// AclRole is the role granted by a workspace ACL entry.
type AclRole string

const (
	AclViewer AclRole = "VIEWER"
	AclEditor AclRole = "EDITOR"
)

// DocumentStatus is the lifecycle state of a document. The transition into
// PROCESSING acts as the ingestion lock (compare-and-set on the column).
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusReady      DocumentStatus = "READY"
	StatusFailed     DocumentStatus = "FAILED"
)

// SourceStatus is the lifecycle state of a connector source. SYNCING doubles
// as the per-source sync lock.
type SourceStatus string

const (
	SourcePending  SourceStatus = "PENDING"
	SourceActive   SourceStatus = "ACTIVE"
	SourceSyncing  SourceStatus = "SYNCING"
	SourceError    SourceStatus = "ERROR"
	SourceDisabled SourceStatus = "DISABLED"
)

// JSONMap is a JSONB column holding free-form metadata.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("model: cannot scan %T into JSONMap", src)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Workspace is the isolation unit. An archived workspace is treated as
// non-existent for every read and write except admin archive inspection.
type Workspace struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string     `gorm:"not null" json:"name"`
	OwnerUserID *string    `gorm:"type:uuid" json:"ownerUserId,omitempty"`
	Visibility  Visibility `gorm:"type:text;not null;default:'PRIVATE'" json:"visibility"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Archived reports whether the workspace is soft-deleted.
func (w *Workspace) Archived() bool { return w != nil && w.ArchivedAt != nil }

// WorkspaceAclEntry grants a user access to a SHARED workspace. Only
// consulted when visibility is SHARED.
type WorkspaceAclEntry struct {
	WorkspaceID string  `gorm:"type:uuid;primaryKey" json:"workspaceId"`
	UserID      string  `gorm:"type:uuid;primaryKey" json:"userId"`
	Role        AclRole `gorm:"type:text;not null" json:"role"`
}

// Document is a single ingested file. Chunks cascade-delete with it.
type Document struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID      string         `gorm:"type:uuid;not null;index" json:"workspaceId"`
	Title            string         `json:"title"`
	Source           string         `json:"source"`
	MimeType         string         `json:"mimeType"`
	StorageKey       string         `json:"storageKey"`
	Status           DocumentStatus `gorm:"type:text;index" json:"status"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	ContentHash      string         `json:"contentHash,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	ExternalID       string         `gorm:"index" json:"externalId,omitempty"`
	ModifiedTime     *time.Time     `json:"modifiedTime,omitempty"`
	ETag             string         `json:"etag,omitempty"`
	UploadedByUserID *string        `gorm:"type:uuid" json:"uploadedByUserId,omitempty"`
	AllowedRoles     JSONMap        `gorm:"type:jsonb" json:"allowedRoles,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// maxErrorMessageLen bounds the persisted error string.
const maxErrorMessageLen = 500

// TruncateError clips an error string to the persisted column width,
// appending an ellipsis when clipped. The cut lands on a rune boundary so
// the stored value stays valid UTF-8.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	cut := maxErrorMessageLen - len("…")
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "…"
}

// DocumentChunk is one text fragment of a document together with its fixed
// dimension embedding. ChunkIndex values for a document are contiguous
// 0..N-1 and the chunk set is only ever replaced as a whole.
type DocumentChunk struct {
	ID          string          `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID  string          `gorm:"type:uuid;not null;index" json:"documentId"`
	WorkspaceID string          `gorm:"type:uuid;not null;index" json:"workspaceId"`
	ChunkIndex  int             `gorm:"not null" json:"chunkIndex"`
	Content     string          `gorm:"not null" json:"content"`
	Embedding   pgvector.Vector `gorm:"type:vector(768)" json:"-"`
	Metadata    JSONMap         `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ExternalMetadata carries the remote change markers recorded after syncing
// one external file.
type ExternalMetadata struct {
	ETag         string
	ContentHash  string
	ModifiedTime *time.Time
}

// SearchHit is a retrieved chunk with its document provenance and ranking
// score. Scores from different rankers are not comparable; fusion operates
// on ranks, not scores.
type SearchHit struct {
	Chunk    DocumentChunk
	Document Document
	Score    float64
}

// Key identifies a hit across rankers: the chunk id when present, otherwise
// the (document id, chunk index) pair.
func (h SearchHit) Key() string {
	if h.Chunk.ID != "" {
		return h.Chunk.ID
	}
	return fmt.Sprintf("%s#%d", h.Chunk.DocumentID, h.Chunk.ChunkIndex)
}

// ConnectorSource is a remote folder synchronized into a workspace.
type ConnectorSource struct {
	ID          string       `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID string       `gorm:"type:uuid;not null;index" json:"workspaceId"`
	Provider    string       `gorm:"not null" json:"provider"`
	FolderID    string       `json:"folderId"`
	Status      SourceStatus `gorm:"type:text;not null;default:'PENDING'" json:"status"`
	CursorJSON  string       `json:"-"`
	LastError   string       `json:"lastError,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ConnectorAccount holds the encrypted OAuth refresh token for a provider.
// One account per (workspace, provider).
type ConnectorAccount struct {
	ID                    string    `gorm:"type:uuid;primaryKey" json:"id"`
	WorkspaceID           string    `gorm:"type:uuid;not null;uniqueIndex:idx_account_ws_provider" json:"workspaceId"`
	Provider              string    `gorm:"not null;uniqueIndex:idx_account_ws_provider" json:"provider"`
	AccountEmail          string    `json:"accountEmail"`
	EncryptedRefreshToken string    `json:"-"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// AuditEvent is an append-only audit record. Never updated, never deleted.
type AuditEvent struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	ActorUserID  string    `json:"actorUserId"`
	Action       string    `gorm:"not null" json:"action"`
	TargetID     string    `json:"targetId"`
	MetadataJSON JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
