// Package ingest turns uploaded blobs into embedded, searchable chunks. The
// document status column doubles as the processing lock: only the worker
// that wins the PENDING/FAILED -> PROCESSING compare-and-set may touch the
// chunk set.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/safety"
)

// Outcome reports what Process did with the job.
type Outcome string

const (
	OutcomeMissing    Outcome = "MISSING"
	OutcomeReady      Outcome = "READY"
	OutcomeProcessing Outcome = "PROCESSING"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeDone       Outcome = "DONE"
)

// DocumentRepo is the slice of the store the pipeline needs.
type DocumentRepo interface {
	DocumentByID(ctx context.Context, workspaceID, documentID string) (*model.Document, error)
	TransitionStatus(ctx context.Context, workspaceID, documentID string, fromStates []model.DocumentStatus, toState model.DocumentStatus, errorMessage string) (bool, error)
	DeleteChunksForDocument(ctx context.Context, workspaceID, documentID string) error
	SaveChunks(ctx context.Context, workspaceID, documentID string, chunks []model.DocumentChunk) error
}

// BlobGetter fetches the stored original file.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Embedder turns a batch of texts into embeddings, one per input.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Processor runs the ingestion state machine for one document at a time.
type Processor struct {
	docs     DocumentRepo
	blobs    BlobGetter
	embedder Embedder
	parsers  *Registry
	chunker  Chunker
	filter   *safety.Filter
	metrics  *metrics.Metrics
}

func NewProcessor(docs DocumentRepo, blobs BlobGetter, embedder Embedder, parsers *Registry, chunker Chunker, filter *safety.Filter, m *metrics.Metrics) *Processor {
	return &Processor{
		docs:     docs,
		blobs:    blobs,
		embedder: embedder,
		parsers:  parsers,
		chunker:  chunker,
		filter:   filter,
		metrics:  m,
	}
}

// lockFrom are the states a worker may take the processing lock from. A nil
// or empty status column counts as never-processed.
var lockFrom = []model.DocumentStatus{"", model.StatusPending, model.StatusFailed}

// Process is idempotent: terminal and in-flight states short-circuit, and
// only the CAS winner mutates chunks. A panic under the lock is captured and
// persisted as FAILED; the worker never dies on one bad document.
func (p *Processor) Process(ctx context.Context, workspaceID, documentID string) (Outcome, error) {
	log := common.Logger.WithField("document_id", documentID).WithField("workspace_id", workspaceID)

	doc, err := p.docs.DocumentByID(ctx, workspaceID, documentID)
	if err != nil {
		return OutcomeFailed, err
	}
	if doc == nil {
		log.Warn("document vanished before processing")
		return OutcomeMissing, nil
	}
	switch doc.Status {
	case model.StatusReady:
		return OutcomeReady, nil
	case model.StatusProcessing:
		log.Info("document already being processed elsewhere")
		return OutcomeProcessing, nil
	}

	locked, err := p.docs.TransitionStatus(ctx, workspaceID, documentID, lockFrom, model.StatusProcessing, "")
	if err != nil {
		return OutcomeFailed, err
	}
	if !locked {
		// Lost the race; whoever won owns the document now.
		log.Info("processing lock lost")
		return OutcomeProcessing, nil
	}

	if err := p.runLocked(ctx, doc, log); err != nil {
		p.fail(ctx, workspaceID, documentID, err)
		p.countOutcome("failed")
		return OutcomeFailed, err
	}

	if _, err := p.docs.TransitionStatus(ctx, workspaceID, documentID, []model.DocumentStatus{model.StatusProcessing}, model.StatusReady, ""); err != nil {
		return OutcomeFailed, err
	}
	p.countOutcome("ready")
	log.Info("document processed")
	return OutcomeDone, nil
}

// runLocked does the actual extraction work. Panics become errors so the
// caller can release the lock into FAILED.
func (p *Processor) runLocked(ctx context.Context, doc *model.Document, log *logrus.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panic: %v", r)
		}
	}()

	if doc.StorageKey == "" || doc.MimeType == "" {
		return model.E(model.CodeValidation, "Missing file metadata")
	}

	data, err := p.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return model.Unavailable("object storage", err)
	}

	text, err := p.parsers.Extract(doc.MimeType, data, false)
	if err != nil {
		return err
	}

	texts := p.chunker.Split(text)

	if err := p.docs.DeleteChunksForDocument(ctx, doc.WorkspaceID, doc.ID); err != nil {
		return err
	}
	if len(texts) == 0 {
		log.Warn("document produced no chunks")
		return nil
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return model.Unavailable("embedding service", err)
	}
	if len(embeddings) != len(texts) {
		return model.Ef(model.CodeEmbedding, "embedding batch size %d does not match %d chunks", len(embeddings), len(texts))
	}

	chunks := make([]model.DocumentChunk, len(texts))
	for i, content := range texts {
		chunk := model.DocumentChunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			WorkspaceID: doc.WorkspaceID,
			ChunkIndex:  i,
			Content:     content,
			Embedding:   pgvector.NewVector(embeddings[i]),
		}
		if p.filter != nil {
			p.filter.Annotate(&chunk)
		}
		chunks[i] = chunk
	}

	return p.docs.SaveChunks(ctx, doc.WorkspaceID, doc.ID, chunks)
}

// fail releases the processing lock into FAILED with a truncated error. The
// transition is best effort; the original error is what the caller reports.
func (p *Processor) fail(ctx context.Context, workspaceID, documentID string, cause error) {
	_, err := p.docs.TransitionStatus(ctx, workspaceID, documentID,
		[]model.DocumentStatus{model.StatusProcessing}, model.StatusFailed, cause.Error())
	if err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).Error("could not mark document failed")
	}
}

func (p *Processor) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.IngestOutcome.WithLabelValues(outcome).Inc()
	}
}
