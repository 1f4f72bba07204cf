package store

import (
	"context"
	"errors"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SaintWyss/ragcore/model"
)

// DocumentStore persists documents and their chunks and runs the three
// retrieval queries (dense, MMR, full-text).
type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func requireWorkspace(workspaceID string) error {
	if workspaceID == "" {
		return model.E(model.CodeValidation, "workspace id is required")
	}
	return nil
}

// SaveDocument upserts a document by id.
func (s *DocumentStore) SaveDocument(ctx context.Context, doc *model.Document) error {
	if err := requireWorkspace(doc.WorkspaceID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(doc).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// SaveChunks appends a chunk batch. The caller guarantees prior chunks for
// the document were removed in the same unit of work or never existed.
func (s *DocumentStore) SaveChunks(ctx context.Context, workspaceID, documentID string, chunks []model.DocumentChunk) error {
	if err := requireWorkspace(workspaceID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(workspaceID, documentID, chunks); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).CreateInBatches(chunks, 200).Error; err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// SaveDocumentWithChunks upserts the document and replaces its chunk set in
// one transaction. Embedding dimensions are validated before any write; any
// failure rolls back everything.
func (s *DocumentStore) SaveDocumentWithChunks(ctx context.Context, doc *model.Document, chunks []model.DocumentChunk) error {
	if err := requireWorkspace(doc.WorkspaceID); err != nil {
		return err
	}
	if err := validateChunks(doc.WorkspaceID, doc.ID, chunks); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
			Create(doc).Error; err != nil {
			return err
		}
		if err := tx.
			Where("document_id = ? AND workspace_id = ?", doc.ID, doc.WorkspaceID).
			Delete(&model.DocumentChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 200).Error
	})
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

func validateChunks(workspaceID, documentID string, chunks []model.DocumentChunk) error {
	for i := range chunks {
		c := &chunks[i]
		if c.WorkspaceID != workspaceID || c.DocumentID != documentID {
			return model.Ef(model.CodeValidation, "chunk %d does not belong to document %s", i, documentID)
		}
		if got := len(c.Embedding.Slice()); got != model.EmbeddingDim {
			return model.Ef(model.CodeEmbedding, "chunk %d has embedding dimension %d, want %d", i, got, model.EmbeddingDim)
		}
	}
	return nil
}

// DeleteChunksForDocument removes every chunk of the document.
func (s *DocumentStore) DeleteChunksForDocument(ctx context.Context, workspaceID, documentID string) error {
	if err := requireWorkspace(workspaceID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND workspace_id = ?", documentID, workspaceID).
		Delete(&model.DocumentChunk{}).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// DeleteDocument removes the document and, via the same transaction, its
// chunks.
func (s *DocumentStore) DeleteDocument(ctx context.Context, workspaceID, documentID string) error {
	if err := requireWorkspace(workspaceID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("document_id = ? AND workspace_id = ?", documentID, workspaceID).
			Delete(&model.DocumentChunk{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND workspace_id = ?", documentID, workspaceID).
			Delete(&model.Document{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.E(model.CodeNotFound, "document not found")
	}
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// DocumentByID loads a single document inside the workspace.
func (s *DocumentStore) DocumentByID(ctx context.Context, workspaceID, documentID string) (*model.Document, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	var doc model.Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", documentID, workspaceID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return &doc, nil
}

// ListDocuments returns the workspace's documents, newest first.
func (s *DocumentStore) ListDocuments(ctx context.Context, workspaceID string, limit, offset int) ([]model.Document, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	var docs []model.Document
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&docs).Error
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return docs, nil
}

// TransitionStatus is the compare-and-set on the status column. It reports
// true iff the document was in one of fromStates and is now toState. The
// single guarded UPDATE is the document-processing lock.
func (s *DocumentStore) TransitionStatus(ctx context.Context, workspaceID, documentID string, fromStates []model.DocumentStatus, toState model.DocumentStatus, errorMessage string) (bool, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return false, err
	}
	if len(fromStates) == 0 {
		return false, model.E(model.CodeValidation, "at least one from-state is required")
	}
	res := s.db.WithContext(ctx).
		Model(&model.Document{}).
		Where("id = ? AND workspace_id = ? AND status IN ?", documentID, workspaceID, fromStates).
		Updates(map[string]interface{}{
			"status":        toState,
			"error_message": model.TruncateError(errorMessage),
		})
	if res.Error != nil {
		return false, model.Unavailable("database", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetByExternalSourceID finds the document mirroring a remote file.
func (s *DocumentStore) GetByExternalSourceID(ctx context.Context, workspaceID, provider, externalID string) (*model.Document, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	var doc model.Document
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND provider = ? AND external_id = ?", workspaceID, provider, externalID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return &doc, nil
}

// UpdateExternalSourceMetadata records the remote change markers after a
// successful sync of one file.
func (s *DocumentStore) UpdateExternalSourceMetadata(ctx context.Context, workspaceID, documentID string, meta model.ExternalMetadata) error {
	if err := requireWorkspace(workspaceID); err != nil {
		return err
	}
	updates := map[string]interface{}{
		"etag":         meta.ETag,
		"content_hash": meta.ContentHash,
	}
	if meta.ModifiedTime != nil {
		updates["modified_time"] = meta.ModifiedTime
	}
	err := s.db.WithContext(ctx).
		Model(&model.Document{}).
		Where("id = ? AND workspace_id = ?", documentID, workspaceID).
		Updates(updates).Error
	if err != nil {
		return model.Unavailable("database", err)
	}
	return nil
}

// SimilarChunks returns the topK chunks nearest to the embedding by cosine
// distance, scored as 1 - distance.
func (s *DocumentStore) SimilarChunks(ctx context.Context, workspaceID string, embedding []float32, topK int) ([]model.SearchHit, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	rows, err := s.scoredChunks(ctx, workspaceID, embedding, topK)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, workspaceID, rows)
}

// SimilarChunksMMR fetches fetchK nearest neighbors and greedily re-selects
// topK balancing query relevance against redundancy (lambda weighting).
func (s *DocumentStore) SimilarChunksMMR(ctx context.Context, workspaceID string, embedding []float32, topK, fetchK int, lambda float64) ([]model.SearchHit, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	if fetchK < topK {
		fetchK = topK
	}
	rows, err := s.scoredChunks(ctx, workspaceID, embedding, fetchK)
	if err != nil {
		return nil, err
	}
	selected := SelectMMR(embedding, rows, topK, lambda)
	return s.hydrate(ctx, workspaceID, selected)
}

type scoredChunk struct {
	model.DocumentChunk
	Score float64
}

func (s *DocumentStore) scoredChunks(ctx context.Context, workspaceID string, embedding []float32, limit int) ([]scoredChunk, error) {
	if len(embedding) != model.EmbeddingDim {
		return nil, model.Ef(model.CodeEmbedding, "query embedding dimension %d, want %d", len(embedding), model.EmbeddingDim)
	}
	vec := pgvector.NewVector(embedding)
	var rows []scoredChunk
	err := s.db.WithContext(ctx).
		Table("document_chunks").
		Select("document_chunks.*, 1 - (embedding <=> ?) AS score", vec).
		Where("workspace_id = ?", workspaceID).
		Order(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{vec}}}).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return rows, nil
}

// FullTextChunks runs lexical search over chunk content using websearch
// syntax, ranked by ts_rank.
func (s *DocumentStore) FullTextChunks(ctx context.Context, workspaceID, queryText string, topK int) ([]model.SearchHit, error) {
	if err := requireWorkspace(workspaceID); err != nil {
		return nil, err
	}
	var rows []scoredChunk
	err := s.db.WithContext(ctx).
		Table("document_chunks").
		Select("document_chunks.*, ts_rank(to_tsvector('simple', content), websearch_to_tsquery('simple', ?)) AS score", queryText).
		Where("workspace_id = ? AND to_tsvector('simple', content) @@ websearch_to_tsquery('simple', ?)", workspaceID, queryText).
		Order("score DESC").
		Limit(topK).
		Scan(&rows).Error
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	return s.hydrate(ctx, workspaceID, rows)
}

// hydrate attaches document provenance to scored chunks, preserving order.
func (s *DocumentStore) hydrate(ctx context.Context, workspaceID string, rows []scoredChunk) ([]model.SearchHit, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			ids = append(ids, r.DocumentID)
		}
	}
	var docs []model.Document
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND id IN ?", workspaceID, ids).
		Find(&docs).Error
	if err != nil {
		return nil, model.Unavailable("database", err)
	}
	byID := make(map[string]model.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	hits := make([]model.SearchHit, 0, len(rows))
	for _, r := range rows {
		doc, ok := byID[r.DocumentID]
		if !ok {
			// Chunk raced a document delete; skip rather than leak a
			// provenance-less hit.
			continue
		}
		hits = append(hits, model.SearchHit{Chunk: r.DocumentChunk, Document: doc, Score: r.Score})
	}
	return hits, nil
}
