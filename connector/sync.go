package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/network"
	"github.com/SaintWyss/ragcore/security"
	"github.com/SaintWyss/ragcore/storage"
)

// SyncStats summarizes one sync run.
type SyncStats struct {
	Found   int `json:"found"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Sources is the connector-store surface the syncer uses.
type Sources interface {
	SourceByID(ctx context.Context, workspaceID, sourceID string) (*model.ConnectorSource, error)
	TrySyncLock(ctx context.Context, workspaceID, sourceID string) (bool, error)
	FinishSync(ctx context.Context, workspaceID, sourceID string, status model.SourceStatus, cursorJSON, lastError string) error
	AccountFor(ctx context.Context, workspaceID, provider string) (*model.ConnectorAccount, error)
}

// Documents is the document-store surface the syncer uses.
type Documents interface {
	GetByExternalSourceID(ctx context.Context, workspaceID, provider, externalID string) (*model.Document, error)
	SaveDocument(ctx context.Context, doc *model.Document) error
	DeleteChunksForDocument(ctx context.Context, workspaceID, documentID string) error
	UpdateExternalSourceMetadata(ctx context.Context, workspaceID, documentID string, meta model.ExternalMetadata) error
	TransitionStatus(ctx context.Context, workspaceID, documentID string, fromStates []model.DocumentStatus, toState model.DocumentStatus, errorMessage string) (bool, error)
}

// Enqueuer hands a synced document to the ingestion queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, workspaceID, documentID string) error
}

// Supported reports whether ingestion can parse the MIME type.
type Supported interface {
	Supported(mimeType string) bool
}

// ClientFactory builds a provider client bound to a fresh access token.
type ClientFactory func(accessToken string) ProviderClient

// Syncer mirrors remote folders into workspace documents. Per-source runs
// serialize through the SYNCING status compare-and-set.
type Syncer struct {
	sources      Sources
	docs         Documents
	blobs        storage.BlobStore
	queue        Enqueuer
	parsers      Supported
	sealer       *security.TokenSealer
	oauth        TokenExchanger
	newClient    ClientFactory
	metrics      *metrics.Metrics
	maxFiles     int
	maxFileBytes int64
}

func NewSyncer(sources Sources, docs Documents, blobs storage.BlobStore, queue Enqueuer, parsers Supported, sealer *security.TokenSealer, oauth TokenExchanger, newClient ClientFactory, m *metrics.Metrics, maxFiles int, maxFileBytes int64) *Syncer {
	return &Syncer{
		sources:      sources,
		docs:         docs,
		blobs:        blobs,
		queue:        queue,
		parsers:      parsers,
		sealer:       sealer,
		oauth:        oauth,
		newClient:    newClient,
		metrics:      m,
		maxFiles:     maxFiles,
		maxFileBytes: maxFileBytes,
	}
}

// Sync runs one synchronization pass over the source's folder. A lost CAS
// lock returns empty stats immediately; re-running over an unchanged folder
// creates and updates nothing.
func (s *Syncer) Sync(ctx context.Context, workspaceID, sourceID string) (SyncStats, error) {
	var stats SyncStats
	log := common.Logger.WithField("workspace_id", workspaceID).WithField("source_id", sourceID)

	source, err := s.sources.SourceByID(ctx, workspaceID, sourceID)
	if err != nil {
		return stats, err
	}
	if source == nil {
		return stats, model.E(model.CodeNotFound, "connector source not found")
	}

	account, err := s.sources.AccountFor(ctx, workspaceID, source.Provider)
	if err != nil {
		return stats, err
	}
	if account == nil {
		return stats, model.Ef(model.CodeValidation, "no %s account connected", source.Provider)
	}
	refreshToken, err := s.sealer.Open(account.EncryptedRefreshToken)
	if err != nil {
		return stats, model.E(model.CodeInternal, "stored refresh token is unreadable")
	}
	accessToken, err := s.oauth.AccessToken(ctx, refreshToken)
	if err != nil {
		return stats, err
	}

	locked, err := s.sources.TrySyncLock(ctx, workspaceID, sourceID)
	if err != nil {
		return stats, err
	}
	if !locked {
		if s.metrics != nil {
			s.metrics.SyncLocked.Inc()
		}
		log.Info("sync already in progress")
		return stats, nil
	}

	client := s.newClient(accessToken)
	delta, err := client.GetDelta(ctx, source.FolderID, source.CursorJSON)
	if err != nil {
		_ = s.sources.FinishSync(ctx, workspaceID, sourceID, model.SourceError, source.CursorJSON, err.Error())
		return stats, err
	}

	files := delta.Files
	if s.maxFiles > 0 && len(files) > s.maxFiles {
		files = files[:s.maxFiles]
	}
	stats.Found = len(files)

	for _, file := range files {
		if err := s.syncFile(ctx, client, source, file, &stats); err != nil {
			stats.Errored++
			if s.metrics != nil {
				s.metrics.SyncFileErrors.Inc()
			}
			log.WithError(err).WithField("file_id", file.ID).Warn("file sync failed")
		}
	}

	status := model.SourceActive
	if stats.Errored > 0 && stats.Created == 0 && stats.Updated == 0 && stats.Skipped == 0 {
		status = model.SourceError
	}
	if err := s.sources.FinishSync(ctx, workspaceID, sourceID, status, delta.NewCursor, ""); err != nil {
		return stats, err
	}
	log.WithField("found", stats.Found).
		WithField("created", stats.Created).
		WithField("updated", stats.Updated).
		WithField("skipped", stats.Skipped).
		WithField("errored", stats.Errored).
		Info("sync finished")
	return stats, nil
}

// reingestFrom are the states an updated remote file resets to PENDING.
var reingestFrom = []model.DocumentStatus{model.StatusReady, model.StatusFailed, model.StatusPending, ""}

func (s *Syncer) syncFile(ctx context.Context, client ProviderClient, source *model.ConnectorSource, file DeltaFile, stats *SyncStats) error {
	if s.parsers != nil && !s.parsers.Supported(file.MimeType) {
		stats.Skipped++
		return nil
	}

	externalID := fmt.Sprintf("%s:%s", source.Provider, file.ID)
	existing, err := s.docs.GetByExternalSourceID(ctx, source.WorkspaceID, source.Provider, externalID)
	if err != nil {
		return err
	}

	if existing != nil && !changed(existing, file) {
		stats.Skipped++
		return nil
	}

	download, err := s.download(ctx, client, file)
	if err != nil {
		return err
	}
	if download.Size == 0 {
		stats.Skipped++
		return nil
	}

	if existing == nil {
		doc := &model.Document{
			ID:           uuid.NewString(),
			WorkspaceID:  source.WorkspaceID,
			Title:        file.Name,
			Source:       source.Provider,
			MimeType:     file.MimeType,
			Status:       model.StatusPending,
			ContentHash:  download.SHA256,
			Provider:     source.Provider,
			ExternalID:   externalID,
			ModifiedTime: modTime(file),
			ETag:         file.ETag,
		}
		doc.StorageKey = fmt.Sprintf("%s/%s", source.WorkspaceID, doc.ID)
		if err := s.blobs.Put(ctx, doc.StorageKey, download.Data, file.MimeType); err != nil {
			return err
		}
		if err := s.docs.SaveDocument(ctx, doc); err != nil {
			return err
		}
		stats.Created++
		return s.queue.Enqueue(ctx, source.WorkspaceID, doc.ID)
	}

	// Update keeps the document id stable and replaces content wholesale.
	if err := s.blobs.Put(ctx, existing.StorageKey, download.Data, file.MimeType); err != nil {
		return err
	}
	if err := s.docs.DeleteChunksForDocument(ctx, source.WorkspaceID, existing.ID); err != nil {
		return err
	}
	if err := s.docs.UpdateExternalSourceMetadata(ctx, source.WorkspaceID, existing.ID, model.ExternalMetadata{
		ETag:         file.ETag,
		ContentHash:  download.SHA256,
		ModifiedTime: modTime(file),
	}); err != nil {
		return err
	}
	// The worker only claims PENDING/FAILED documents, so a READY document
	// must drop back to PENDING or the enqueued job would short-circuit
	// and leave it with no chunks. A CAS loss means it is PROCESSING right
	// now; that run already sees the new blob.
	if _, err := s.docs.TransitionStatus(ctx, source.WorkspaceID, existing.ID, reingestFrom, model.StatusPending, ""); err != nil {
		return err
	}
	stats.Updated++
	return s.queue.Enqueue(ctx, source.WorkspaceID, existing.ID)
}

func (s *Syncer) download(ctx context.Context, client ProviderClient, file DeltaFile) (*network.Download, error) {
	body, err := client.Download(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return network.CappedDownload(body, s.maxFileBytes, file.Name)
}

// changed detects remote modification: etag comparison when both sides have
// one, else modified time truncated to whole seconds, else assume changed.
func changed(doc *model.Document, file DeltaFile) bool {
	if doc.ETag != "" && file.ETag != "" {
		return doc.ETag != file.ETag
	}
	if doc.ModifiedTime != nil && !file.ModifiedTime.IsZero() {
		return !doc.ModifiedTime.Truncate(time.Second).Equal(file.ModifiedTime.Truncate(time.Second))
	}
	return true
}

func modTime(file DeltaFile) *time.Time {
	if file.ModifiedTime.IsZero() {
		return nil
	}
	t := file.ModifiedTime
	return &t
}
