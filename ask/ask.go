// Package ask orchestrates the question-answering pipeline: access check,
// query embedding, retrieval, safety filtering, context assembly and
// generation.
package ask

import (
	"context"
	"strings"
	"time"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/llm"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
	"github.com/SaintWyss/ragcore/policy"
	"github.com/SaintWyss/ragcore/retrieval"
	"github.com/SaintWyss/ragcore/safety"
)

// FallbackAnswer is returned whenever retrieval yields no usable evidence.
const FallbackAnswer = "No hay evidencia suficiente en las fuentes. ¿Podés precisar más (keywords/fecha/documento)?"

// Input is one question against one workspace.
type Input struct {
	WorkspaceID string
	Actor       *model.Actor
	Query       string
	LLMQuery    string
	TopK        int
	UseMMR      bool
}

// Result is the answer plus the chunks that grounded it and per-request
// metadata (counts, stage latencies, prompt version).
type Result struct {
	Answer   string
	Chunks   []model.SearchHit
	Metadata map[string]interface{}
}

// Options are the tunables the orchestrator reads from configuration.
type Options struct {
	DefaultTopK     int
	MaxTopK         int
	MaxContextChars int
	HybridEnabled   bool
	RerankEnabled   bool
	PromptVersion   string
}

// Service runs the pipeline. All collaborators are ports; any can be faked.
type Service struct {
	kernel    *policy.Kernel
	embedder  llm.Embedder
	engine    *retrieval.Engine
	filter    *safety.Filter
	generator llm.Generator
	metrics   *metrics.Metrics
	opts      Options
}

func NewService(kernel *policy.Kernel, embedder llm.Embedder, engine *retrieval.Engine, filter *safety.Filter, generator llm.Generator, m *metrics.Metrics, opts Options) *Service {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	return &Service{
		kernel:    kernel,
		embedder:  embedder,
		engine:    engine,
		filter:    filter,
		generator: generator,
		metrics:   m,
		opts:      opts,
	}
}

// Ask answers a question with retrieved evidence. Missing evidence is not an
// error: the caller gets the fallback answer with empty sources.
func (s *Service) Ask(ctx context.Context, in Input) (*Result, error) {
	total := time.Now()

	if in.WorkspaceID == "" {
		return nil, model.E(model.CodeValidation, "workspace id is required")
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, model.E(model.CodeValidation, "query must not be blank")
	}

	if err := s.authorize(ctx, in); err != nil {
		return nil, err
	}

	topK := in.TopK
	meta := map[string]interface{}{
		"prompt_version": s.opts.PromptVersion,
		"use_mmr":        in.UseMMR,
		"hybrid_used":    s.opts.HybridEnabled,
	}
	if topK <= 0 {
		topK = s.opts.DefaultTopK
	}
	if topK > s.opts.MaxTopK {
		topK = s.opts.MaxTopK
	}
	meta["top_k"] = topK

	embedStart := time.Now()
	embedding, err := s.embedder.Embed(ctx, in.Query)
	s.observe("embed", embedStart, meta, "embed_ms")
	if err != nil {
		return nil, model.Unavailable("EmbeddingService", err)
	}

	retrieveStart := time.Now()
	res, err := s.engine.Retrieve(ctx, retrieval.Input{
		WorkspaceID:   in.WorkspaceID,
		QueryText:     in.Query,
		Embedding:     embedding,
		TopK:          topK,
		UseMMR:        in.UseMMR,
		HybridEnabled: s.opts.HybridEnabled,
		RerankEnabled: s.opts.RerankEnabled,
	})
	s.observe("retrieve", retrieveStart, meta, "retrieve_ms")
	if err != nil {
		if model.CodeOf(err) == model.CodeValidation {
			return nil, err
		}
		return nil, model.Unavailable("ChunkStore", err)
	}
	candidates := res.Hits
	meta["chunks_found"] = len(candidates)
	meta["candidates_count"] = res.Candidates
	meta["rerank_applied"] = res.Reranked
	if res.Reranked {
		meta["reranked_count"] = res.Candidates
	}

	filtered := s.filter.Apply(candidates)
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	meta["selected_top_k"] = len(filtered)

	if len(filtered) == 0 {
		return s.fallback(meta, total, "insufficient_evidence"), nil
	}

	built := retrieval.BuildContext(filtered, s.opts.MaxContextChars)
	meta["context_chars"] = len(built.Text)
	meta["chunks_used"] = len(built.ChunksUsed)
	if len(built.ChunksUsed) == 0 {
		return s.fallback(meta, total, "insufficient_evidence"), nil
	}

	query := in.Query
	if in.LLMQuery != "" {
		query = in.LLMQuery
	}
	llmStart := time.Now()
	answer, err := s.generator.Generate(ctx, query, built.Text)
	s.observe("llm", llmStart, meta, "llm_ms")
	if err != nil {
		return nil, model.Unavailable("LLMService", err)
	}

	if !citesSources(answer) {
		s.metrics.AnswerWithoutSource.Inc()
		common.Logger.WithField("workspace_id", in.WorkspaceID).Warn("answer cites no sources")
	}

	meta["total_ms"] = time.Since(total).Milliseconds()
	return &Result{Answer: answer, Chunks: built.ChunksUsed, Metadata: meta}, nil
}

// Search runs retrieval without generation, for the search endpoint.
func (s *Service) Search(ctx context.Context, in Input) ([]model.SearchHit, error) {
	if in.WorkspaceID == "" {
		return nil, model.E(model.CodeValidation, "workspace id is required")
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, model.E(model.CodeValidation, "query must not be blank")
	}
	if err := s.authorize(ctx, in); err != nil {
		return nil, err
	}

	topK := in.TopK
	if topK <= 0 {
		topK = s.opts.DefaultTopK
	}
	if topK > s.opts.MaxTopK {
		topK = s.opts.MaxTopK
	}

	embedding, err := s.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, model.Unavailable("EmbeddingService", err)
	}
	res, err := s.engine.Retrieve(ctx, retrieval.Input{
		WorkspaceID:   in.WorkspaceID,
		QueryText:     in.Query,
		Embedding:     embedding,
		TopK:          topK,
		UseMMR:        in.UseMMR,
		HybridEnabled: s.opts.HybridEnabled,
		RerankEnabled: s.opts.RerankEnabled,
	})
	if err != nil {
		return nil, model.Unavailable("ChunkStore", err)
	}
	hits := s.filter.Apply(res.Hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Service) authorize(ctx context.Context, in Input) error {
	decision, _, err := s.kernel.Resolve(ctx, in.WorkspaceID, in.Actor, policy.Read)
	if err != nil {
		return err
	}
	switch decision {
	case policy.Allow:
		return nil
	case policy.NotFound:
		return model.E(model.CodeNotFound, "workspace not found")
	default:
		return model.E(model.CodeForbidden, "access denied")
	}
}

func (s *Service) fallback(meta map[string]interface{}, total time.Time, reason string) *Result {
	if s.metrics != nil {
		s.metrics.PolicyRefusal.WithLabelValues(reason).Inc()
	}
	if _, ok := meta["chunks_found"]; !ok {
		meta["chunks_found"] = 0
	}
	meta["chunks_used"] = 0
	meta["context_chars"] = 0
	meta["total_ms"] = time.Since(total).Milliseconds()
	return &Result{Answer: FallbackAnswer, Chunks: nil, Metadata: meta}
}

func (s *Service) observe(stage string, start time.Time, meta map[string]interface{}, key string) {
	elapsed := time.Since(start)
	meta[key] = elapsed.Milliseconds()
	if s.metrics != nil {
		s.metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// citesSources checks the citation contract: a grounded answer mentions the
// word "fuentes" or at least one [S#] marker.
func citesSources(answer string) bool {
	lower := strings.ToLower(answer)
	return strings.Contains(lower, "fuentes") || strings.Contains(answer, "[S")
}
