// Package llm holds the language-model ports and their Gemini-backed
// implementations. Deterministic fakes back the FAKE_LLM / FAKE_EMBEDDINGS
// switches so the full pipeline runs without any external service.
package llm

import (
	"context"

	"github.com/SaintWyss/ragcore/model"
)

// Embedder produces fixed-dimension embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces an answer grounded on the rendered context.
type Generator interface {
	Generate(ctx context.Context, query, contextText string) (string, error)
}

// Reranker reorders candidates by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, queryText string, candidates []model.SearchHit, topK int) ([]model.SearchHit, error)
}
