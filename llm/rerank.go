package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/SaintWyss/ragcore/model"
)

// rerankSnippetChars bounds how much of each passage the model sees.
const rerankSnippetChars = 600

// GeminiReranker reorders candidates with a listwise LLM call: the model
// receives the numbered passages and returns the indices ordered by
// relevance. Any indices it omits keep their original relative order at the
// tail, so a sloppy completion never loses candidates.
type GeminiReranker struct {
	client *GeminiClient
}

func NewGeminiReranker(client *GeminiClient) *GeminiReranker {
	return &GeminiReranker{client: client}
}

const rerankTemplate = `Ordená los siguientes pasajes por relevancia para la consulta.
Respondé SOLO con un arreglo JSON de números de pasaje, del más al menos relevante.

CONSULTA: %s

PASAJES:
%s`

func (r *GeminiReranker) Rerank(ctx context.Context, queryText string, candidates []model.SearchHit, topK int) ([]model.SearchHit, error) {
	if len(candidates) <= 1 {
		return candidates, nil
	}

	var sb strings.Builder
	for i, hit := range candidates {
		snippet := hit.Chunk.Content
		if len(snippet) > rerankSnippetChars {
			snippet = snippet[:rerankSnippetChars]
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, snippet)
	}

	completion, err := r.client.complete(ctx, fmt.Sprintf(rerankTemplate, queryText, sb.String()))
	if err != nil {
		return nil, err
	}

	order, err := parseRankOrder(completion, len(candidates))
	if err != nil {
		return nil, model.Ef(model.CodeLLM, "unusable rerank completion: %v", err)
	}

	out := make([]model.SearchHit, 0, len(candidates))
	seen := make(map[int]bool, len(candidates))
	for _, idx := range order {
		out = append(out, candidates[idx])
		seen[idx] = true
	}
	for i, hit := range candidates {
		if !seen[i] {
			out = append(out, hit)
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// parseRankOrder extracts the JSON index array from a completion that may
// wrap it in prose or code fences. Indices are 1-based in the prompt.
func parseRankOrder(completion string, n int) ([]int, error) {
	start := strings.Index(completion, "[")
	end := strings.LastIndex(completion, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}

	var raw []int
	if err := json.Unmarshal([]byte(completion[start:end+1]), &raw); err != nil {
		return nil, err
	}

	order := make([]int, 0, len(raw))
	seen := make(map[int]bool, len(raw))
	for _, v := range raw {
		idx := v - 1
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no valid indices")
	}
	return order, nil
}
