// Package retrieval turns a query embedding into a ranked candidate list:
// dense (similarity or MMR), optional sparse fusion, optional rerank.
package retrieval

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SaintWyss/ragcore/common"
	"github.com/SaintWyss/ragcore/metrics"
	"github.com/SaintWyss/ragcore/model"
)

// rrfK is the rank-smoothing constant of reciprocal rank fusion.
const rrfK = 60

// defaultLambda balances relevance against redundancy in MMR selection.
const defaultLambda = 0.5

// Searcher is the chunk store surface the engine needs.
type Searcher interface {
	SimilarChunks(ctx context.Context, workspaceID string, embedding []float32, topK int) ([]model.SearchHit, error)
	SimilarChunksMMR(ctx context.Context, workspaceID string, embedding []float32, topK, fetchK int, lambda float64) ([]model.SearchHit, error)
	FullTextChunks(ctx context.Context, workspaceID, queryText string, topK int) ([]model.SearchHit, error)
}

// Reranker reorders candidates by query relevance. Optional; a failing
// reranker never fails retrieval.
type Reranker interface {
	Rerank(ctx context.Context, queryText string, candidates []model.SearchHit, topK int) ([]model.SearchHit, error)
}

// Input is one retrieval request.
type Input struct {
	WorkspaceID   string
	QueryText     string
	Embedding     []float32
	TopK          int
	UseMMR        bool
	HybridEnabled bool
	RerankEnabled bool
}

// Result carries the ranked hits plus per-stage latencies for the caller's
// response metadata. Candidates is the pool size before the final top-k cut,
// after fusion and reranking. Reranked is true only when the reranker ran
// and its order was kept.
type Result struct {
	Hits       []model.SearchHit
	Candidates int
	Reranked   bool
	Timings    map[string]time.Duration
}

// Engine sequences the retrieval stages.
type Engine struct {
	searcher      Searcher
	reranker      Reranker
	metrics       *metrics.Metrics
	multiplier    int
	maxCandidates int
}

func NewEngine(searcher Searcher, reranker Reranker, m *metrics.Metrics, multiplier, maxCandidates int) *Engine {
	if multiplier < 1 {
		multiplier = 1
	}
	if maxCandidates < 1 {
		maxCandidates = 1
	}
	return &Engine{
		searcher:      searcher,
		reranker:      reranker,
		metrics:       m,
		multiplier:    multiplier,
		maxCandidates: maxCandidates,
	}
}

// Retrieve runs dense retrieval, optionally fuses a sparse ranking, and
// optionally reranks. Sparse and rerank failures degrade, never fail: the
// dense result always survives.
func (e *Engine) Retrieve(ctx context.Context, in Input) (*Result, error) {
	if in.WorkspaceID == "" {
		return nil, model.E(model.CodeValidation, "workspace id is required")
	}
	if in.TopK <= 0 {
		return nil, model.E(model.CodeValidation, "top_k must be positive")
	}

	candidateK := e.candidateK(in)
	timings := make(map[string]time.Duration, 4)

	var dense, sparse []model.SearchHit
	var sparseErr error
	var denseDur, sparseDur time.Duration

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		var err error
		dense, err = e.dense(gctx, in, candidateK)
		denseDur = time.Since(start)
		return err
	})
	if in.HybridEnabled {
		g.Go(func() error {
			start := time.Now()
			sparse, sparseErr = e.searcher.FullTextChunks(gctx, in.WorkspaceID, in.QueryText, candidateK)
			sparseDur = time.Since(start)
			// Sparse failure falls back to dense-only.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.record("dense", denseDur, timings)
	if in.HybridEnabled {
		e.record("sparse", sparseDur, timings)
	}

	hits := dense
	if in.HybridEnabled {
		if sparseErr != nil {
			e.metrics.RetrievalFallback.WithLabelValues("sparse").Inc()
			common.Logger.WithError(sparseErr).Warn("sparse retrieval failed, using dense only")
		} else {
			start := time.Now()
			hits = FuseRRF(dense, sparse)
			e.record("fusion", time.Since(start), timings)
		}
	}

	reranked := false
	if in.RerankEnabled && e.reranker != nil && len(hits) > 0 {
		rerankK := len(hits)
		if rerankK > e.maxCandidates {
			rerankK = e.maxCandidates
		}
		start := time.Now()
		result, err := e.reranker.Rerank(ctx, in.QueryText, hits, rerankK)
		e.record("rerank", time.Since(start), timings)
		if err != nil {
			e.metrics.RetrievalFallback.WithLabelValues("rerank").Inc()
			common.Logger.WithError(err).Warn("rerank failed, keeping fused order")
		} else {
			hits = result
			reranked = true
		}
	}

	candidates := len(hits)
	if len(hits) > in.TopK {
		hits = hits[:in.TopK]
	}
	return &Result{Hits: hits, Candidates: candidates, Reranked: reranked, Timings: timings}, nil
}

// candidateK widens the retrieval window when a reranker will later narrow
// it back down.
func (e *Engine) candidateK(in Input) int {
	if !in.RerankEnabled || e.reranker == nil {
		return in.TopK
	}
	k := in.TopK * e.multiplier
	if k < in.TopK {
		k = in.TopK
	}
	if k > e.maxCandidates {
		k = e.maxCandidates
	}
	return k
}

func (e *Engine) dense(ctx context.Context, in Input, candidateK int) ([]model.SearchHit, error) {
	if in.UseMMR {
		fetchK := 4 * candidateK
		if fetchK > e.maxCandidates {
			fetchK = e.maxCandidates
		}
		if fetchK < candidateK {
			fetchK = candidateK
		}
		return e.searcher.SimilarChunksMMR(ctx, in.WorkspaceID, in.Embedding, candidateK, fetchK, defaultLambda)
	}
	return e.searcher.SimilarChunks(ctx, in.WorkspaceID, in.Embedding, candidateK)
}

func (e *Engine) record(stage string, elapsed time.Duration, timings map[string]time.Duration) {
	timings[stage] = elapsed
	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// FuseRRF merges rankings by reciprocal rank: a chunk at rank r in any list
// contributes 1/(rrfK + r). The entity kept for each key comes from the
// first list it appeared in. The fusion is commutative in its inputs' scores
// and depends only on ranks.
func FuseRRF(rankings ...[]model.SearchHit) []model.SearchHit {
	type fused struct {
		hit   model.SearchHit
		score float64
		order int
	}
	byKey := make(map[string]*fused)
	order := 0
	for _, ranking := range rankings {
		for rank, hit := range ranking {
			key := hit.Key()
			f, ok := byKey[key]
			if !ok {
				f = &fused{hit: hit, order: order}
				order++
				byKey[key] = f
			}
			f.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	out := make([]fused, 0, len(byKey))
	for _, f := range byKey {
		out = append(out, *f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].order < out[j].order
	})
	hits := make([]model.SearchHit, len(out))
	for i, f := range out {
		hits[i] = f.hit
		hits[i].Score = f.score
	}
	return hits
}
