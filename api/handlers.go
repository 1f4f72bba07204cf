package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/SaintWyss/ragcore/ask"
	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/connector"
	"github.com/SaintWyss/ragcore/ingest"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/network"
	"github.com/SaintWyss/ragcore/policy"
	"github.com/SaintWyss/ragcore/security"
	"github.com/SaintWyss/ragcore/storage"
	"github.com/SaintWyss/ragcore/version"
)

// AskService answers questions and runs bare retrieval.
type AskService interface {
	Ask(ctx context.Context, in ask.Input) (*ask.Result, error)
	Search(ctx context.Context, in ask.Input) ([]model.SearchHit, error)
}

// DocumentRepo is the document store surface the handlers need.
type DocumentRepo interface {
	SaveDocument(ctx context.Context, doc *model.Document) error
	DocumentByID(ctx context.Context, workspaceID, documentID string) (*model.Document, error)
	DeleteDocument(ctx context.Context, workspaceID, documentID string) error
	TransitionStatus(ctx context.Context, workspaceID, documentID string, fromStates []model.DocumentStatus, toState model.DocumentStatus, errorMessage string) (bool, error)
}

// Enqueuer pushes ingestion jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, workspaceID, documentID string) error
}

// Auditor records best-effort audit events.
type Auditor interface {
	RecordAudit(ctx context.Context, event *model.AuditEvent)
}

// AccountSaver persists a connected provider account.
type AccountSaver interface {
	SaveAccount(ctx context.Context, acct *model.ConnectorAccount) error
}

// CodeExchanger trades an OAuth authorization code for provider tokens.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (refreshToken, email string, err error)
}

// SourceCreator registers a remote folder for syncing.
type SourceCreator interface {
	CreateSource(ctx context.Context, src *model.ConnectorSource) error
}

// SourceSyncer runs one connector sync pass.
type SourceSyncer interface {
	Sync(ctx context.Context, workspaceID, sourceID string) (connector.SyncStats, error)
}

// Pinger reports backend liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers carries the wired dependencies of the HTTP surface.
type Handlers struct {
	Ask      AskService
	Kernel   *policy.Kernel
	Docs     DocumentRepo
	Blobs    storage.BlobStore
	Queue    Enqueuer
	Audit    Auditor
	Parsers  *ingest.Registry
	Accounts AccountSaver
	OAuth    CodeExchanger
	Sealer   *security.TokenSealer
	Syncer   SourceSyncer
	Sources  SourceCreator

	MaxUploadBytes int64
	DBPing         Pinger
	RedisPing      Pinger
}

type askRequest struct {
	Query          string `json:"query"`
	TopK           *int   `json:"top_k"`
	UseMMR         bool   `json:"use_mmr"`
	ConversationID string `json:"conversation_id"`
}

// topK maps an absent or non-positive top_k to zero; the ask service
// substitutes its default.
func (r askRequest) topK() int {
	if r.TopK == nil {
		return 0
	}
	return *r.TopK
}

// bindError keeps the body cap's 413 visible through echo's bind wrapper;
// any other bind failure is a malformed body.
func bindError(err error) error {
	var typed *model.Error
	if errors.As(err, &typed) && typed.Code == model.CodePayloadTooLarge {
		return typed
	}
	return model.E(model.CodeValidation, "invalid request body")
}

type sourceView struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	ChunkIndex int    `json:"chunk_index"`
}

type askResponse struct {
	Answer         string         `json:"answer"`
	Sources        []sourceView   `json:"sources"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HandleAsk serves POST /v1/workspaces/:ws/ask.
func (h *Handlers) HandleAsk(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}

	result, err := h.Ask.Ask(c.Request().Context(), ask.Input{
		WorkspaceID: c.Param("ws"),
		Actor:       Actor(c),
		Query:       req.Query,
		TopK:        req.topK(),
		UseMMR:      req.UseMMR,
	})
	if err != nil {
		return err
	}

	sources := make([]sourceView, 0, len(result.Chunks))
	for _, hit := range result.Chunks {
		sources = append(sources, sourceView{
			ChunkID:    hit.Chunk.ID,
			DocumentID: hit.Chunk.DocumentID,
			Title:      hit.Document.Title,
			ChunkIndex: hit.Chunk.ChunkIndex,
		})
	}
	return c.JSON(http.StatusOK, askResponse{
		Answer:         result.Answer,
		Sources:        sources,
		ConversationID: req.ConversationID,
		Metadata:       result.Metadata,
	})
}

type matchView struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// HandleSearch serves POST /v1/workspaces/:ws/search.
func (h *Handlers) HandleSearch(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}

	hits, err := h.Ask.Search(c.Request().Context(), ask.Input{
		WorkspaceID: c.Param("ws"),
		Actor:       Actor(c),
		Query:       req.Query,
		TopK:        req.topK(),
		UseMMR:      req.UseMMR,
	})
	if err != nil {
		return err
	}

	matches := make([]matchView, 0, len(hits))
	for _, hit := range hits {
		matches = append(matches, matchView{
			ChunkID:    hit.Chunk.ID,
			DocumentID: hit.Chunk.DocumentID,
			Content:    hit.Chunk.Content,
			Score:      hit.Score,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"matches": matches})
}

// authorizeWrite resolves write access the same way the use cases do:
// unknown and unreadable workspaces answer NOT_FOUND, readable but not
// writable answers FORBIDDEN.
func (h *Handlers) authorizeWrite(ctx context.Context, workspaceID string, actor *model.Actor) error {
	decision, _, err := h.Kernel.Resolve(ctx, workspaceID, actor, policy.Write)
	if err != nil {
		return err
	}
	switch decision {
	case policy.Allow:
		return nil
	case policy.Forbidden:
		return model.E(model.CodeForbidden, "write access denied")
	default:
		return model.E(model.CodeNotFound, "workspace not found")
	}
}

// HandleUpload serves POST /v1/workspaces/:ws/documents/upload (multipart).
func (h *Handlers) HandleUpload(c echo.Context) error {
	workspaceID := c.Param("ws")
	actor := Actor(c)
	if err := h.authorizeWrite(c.Request().Context(), workspaceID, actor); err != nil {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return model.E(model.CodeValidation, "multipart field 'file' is required")
	}

	mimeType := normalizedUploadMime(fileHeader.Header.Get("Content-Type"), fileHeader.Filename)
	if !h.Parsers.Supported(mimeType) {
		return model.Ef(model.CodeUnsupportedMedia, "unsupported media type %q", mimeType)
	}

	file, err := fileHeader.Open()
	if err != nil {
		return model.E(model.CodeValidation, "cannot read uploaded file")
	}
	defer file.Close()

	download, err := network.CappedDownload(file, h.MaxUploadBytes, fileHeader.Filename)
	if err != nil {
		if errors.Is(err, network.ErrFileTooLarge) {
			return model.Ef(model.CodePayloadTooLarge, "upload exceeds %d bytes", h.MaxUploadBytes)
		}
		return model.E(model.CodeValidation, "cannot read uploaded file")
	}
	if download.Size == 0 {
		return model.E(model.CodeValidation, "uploaded file is empty")
	}

	title := strings.TrimSpace(c.FormValue("title"))
	if title == "" {
		title = fileHeader.Filename
	}

	ctx := c.Request().Context()
	doc := &model.Document{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Title:       title,
		Source:      "upload",
		MimeType:    mimeType,
		Status:      model.StatusPending,
		ContentHash: download.SHA256,
	}
	doc.StorageKey = workspaceID + "/" + doc.ID
	if actor != nil {
		doc.UploadedByUserID = &actor.UserID
	}

	if err := h.Blobs.Put(ctx, doc.StorageKey, download.Data, mimeType); err != nil {
		return err
	}
	if err := h.Docs.SaveDocument(ctx, doc); err != nil {
		return err
	}
	if err := h.Queue.Enqueue(ctx, workspaceID, doc.ID); err != nil {
		return model.Unavailable("queue", err)
	}
	h.audit(ctx, actor, "document.upload", doc.ID, map[string]any{
		"workspace_id": workspaceID,
		"mime_type":    mimeType,
		"size_bytes":   download.Size,
	})

	common.RequestLogger(RequestID(c)).
		WithField("document_id", doc.ID).
		WithField("workspace_id", workspaceID).
		Info("document uploaded")
	return c.JSON(http.StatusAccepted, map[string]any{"id": doc.ID, "status": doc.Status})
}

// normalizedUploadMime prefers the declared part content type and falls back
// to the filename extension.
func normalizedUploadMime(declared, filename string) string {
	if declared != "" && declared != "application/octet-stream" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			return parsed
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
			return parsed
		}
	}
	return declared
}

// reprocessable are the states a reprocess request may reset. A document
// currently PROCESSING keeps its lock.
var reprocessable = []model.DocumentStatus{model.StatusReady, model.StatusFailed, model.StatusPending, ""}

// HandleReprocess serves POST /v1/workspaces/:ws/documents/:id/reprocess.
func (h *Handlers) HandleReprocess(c echo.Context) error {
	workspaceID := c.Param("ws")
	documentID := c.Param("id")
	actor := Actor(c)
	ctx := c.Request().Context()

	if err := h.authorizeWrite(ctx, workspaceID, actor); err != nil {
		return err
	}
	doc, err := h.Docs.DocumentByID(ctx, workspaceID, documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return model.E(model.CodeNotFound, "document not found")
	}

	reset, err := h.Docs.TransitionStatus(ctx, workspaceID, documentID, reprocessable, model.StatusPending, "")
	if err != nil {
		return err
	}
	if !reset {
		return model.E(model.CodeConflict, "document is being processed")
	}
	if err := h.Queue.Enqueue(ctx, workspaceID, documentID); err != nil {
		return model.Unavailable("queue", err)
	}
	h.audit(ctx, actor, "document.reprocess", documentID, map[string]any{"workspace_id": workspaceID})
	return c.JSON(http.StatusAccepted, map[string]any{"id": documentID, "status": model.StatusPending})
}

// HandleDeleteDocument serves DELETE /v1/workspaces/:ws/documents/:id.
func (h *Handlers) HandleDeleteDocument(c echo.Context) error {
	workspaceID := c.Param("ws")
	documentID := c.Param("id")
	actor := Actor(c)
	ctx := c.Request().Context()

	if err := h.authorizeWrite(ctx, workspaceID, actor); err != nil {
		return err
	}
	doc, err := h.Docs.DocumentByID(ctx, workspaceID, documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return model.E(model.CodeNotFound, "document not found")
	}

	if err := h.Docs.DeleteDocument(ctx, workspaceID, documentID); err != nil {
		return err
	}
	if doc.StorageKey != "" {
		// Blob cleanup is best-effort; the row is already gone.
		if err := h.Blobs.Delete(ctx, doc.StorageKey); err != nil {
			common.RequestLogger(RequestID(c)).WithError(err).Warn("blob delete failed")
		}
	}
	h.audit(ctx, actor, "document.delete", documentID, map[string]any{"workspace_id": workspaceID})
	return c.NoContent(http.StatusNoContent)
}

// oauthState is the opaque state blob round-tripped through the provider.
type oauthState struct {
	WorkspaceID string `json:"workspace_id"`
	Provider    string `json:"provider"`
}

// HandleOAuthCallback serves GET /v1/workspaces/:ws/connectors/oauth/callback.
// The workspace claim inside state must match the path; a mismatch means the
// callback was replayed against another workspace.
func (h *Handlers) HandleOAuthCallback(c echo.Context) error {
	workspaceID := c.Param("ws")
	actor := Actor(c)
	ctx := c.Request().Context()

	if err := h.authorizeWrite(ctx, workspaceID, actor); err != nil {
		return err
	}

	code := c.QueryParam("code")
	if code == "" {
		return model.E(model.CodeValidation, "query parameter 'code' is required")
	}
	var state oauthState
	if err := json.Unmarshal([]byte(c.QueryParam("state")), &state); err != nil {
		return model.E(model.CodeValidation, "state is not valid JSON")
	}
	if state.Provider == "" {
		return model.E(model.CodeValidation, "state carries no provider")
	}
	if state.WorkspaceID != workspaceID {
		return model.E(model.CodeForbidden, "state does not match this workspace")
	}

	refreshToken, email, err := h.OAuth.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}
	sealed, err := h.Sealer.Seal(refreshToken)
	if err != nil {
		return model.E(model.CodeInternal, "cannot store provider credentials")
	}

	if err := h.Accounts.SaveAccount(ctx, &model.ConnectorAccount{
		ID:                    uuid.NewString(),
		WorkspaceID:           workspaceID,
		Provider:              state.Provider,
		AccountEmail:          email,
		EncryptedRefreshToken: sealed,
	}); err != nil {
		return err
	}
	h.audit(ctx, actor, "connector.account.connected", workspaceID, map[string]any{"provider": state.Provider})
	return c.JSON(http.StatusOK, map[string]any{"provider": state.Provider, "connected": true})
}

type createSourceRequest struct {
	Provider string `json:"provider"`
	FolderID string `json:"folder_id"`
}

// HandleCreateSource serves POST /v1/workspaces/:ws/connectors/sources.
func (h *Handlers) HandleCreateSource(c echo.Context) error {
	workspaceID := c.Param("ws")
	actor := Actor(c)
	ctx := c.Request().Context()

	if err := h.authorizeWrite(ctx, workspaceID, actor); err != nil {
		return err
	}
	var req createSourceRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	if req.Provider == "" || req.FolderID == "" {
		return model.E(model.CodeValidation, "provider and folder_id are required")
	}

	src := &model.ConnectorSource{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Provider:    req.Provider,
		FolderID:    req.FolderID,
		Status:      model.SourcePending,
	}
	if err := h.Sources.CreateSource(ctx, src); err != nil {
		return err
	}
	h.audit(ctx, actor, "connector.source.created", src.ID, map[string]any{
		"workspace_id": workspaceID,
		"provider":     req.Provider,
	})
	return c.JSON(http.StatusCreated, src)
}

// HandleSync serves POST /v1/workspaces/:ws/connectors/:source/sync. The
// status CAS inside the syncer serializes concurrent runs per source.
func (h *Handlers) HandleSync(c echo.Context) error {
	workspaceID := c.Param("ws")
	sourceID := c.Param("source")
	actor := Actor(c)
	ctx := c.Request().Context()

	if err := h.authorizeWrite(ctx, workspaceID, actor); err != nil {
		return err
	}
	stats, err := h.Syncer.Sync(ctx, workspaceID, sourceID)
	if err != nil {
		return err
	}
	h.audit(ctx, actor, "connector.sync", sourceID, map[string]any{
		"workspace_id": workspaceID,
		"found":        stats.Found,
		"errored":      stats.Errored,
	})
	return c.JSON(http.StatusOK, stats)
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
}

// HandleReadyz reports readiness: the service can reach its database and
// its queue.
func (h *Handlers) HandleReadyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	details := map[string]string{"database": "ok", "redis": "ok"}
	ready := true
	if h.DBPing != nil {
		if err := h.DBPing.Ping(ctx); err != nil {
			details["database"] = "unreachable"
			ready = false
		}
	}
	if h.RedisPing != nil {
		if err := h.RedisPing.Ping(ctx); err != nil {
			details["redis"] = "unreachable"
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{"ready": ready, "details": details})
}

func (h *Handlers) audit(ctx context.Context, actor *model.Actor, action, targetID string, meta map[string]any) {
	if h.Audit == nil {
		return
	}
	userID := ""
	if actor != nil {
		userID = actor.UserID
	}
	h.Audit.RecordAudit(ctx, &model.AuditEvent{
		ID:           uuid.NewString(),
		ActorUserID:  userID,
		Action:       action,
		TargetID:     targetID,
		MetadataJSON: toJSONMap(meta),
	})
}

func toJSONMap(meta map[string]any) model.JSONMap {
	out := make(model.JSONMap, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
