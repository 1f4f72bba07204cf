package store

import "math"

// SelectMMR greedily picks topK candidates maximizing
// lambda*sim(query,c) - (1-lambda)*max(sim(c, selected)). Candidates must
// carry their embeddings. Order of the result is selection order.
func SelectMMR(query []float32, candidates []scoredChunk, topK int, lambda float64) []scoredChunk {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}

	querySim := make([]float64, len(candidates))
	for i := range candidates {
		querySim[i] = cosineSimilarity(query, candidates[i].Embedding.Slice())
	}

	selected := make([]scoredChunk, 0, topK)
	selectedIdx := make([]int, 0, topK)
	used := make([]bool, len(candidates))

	for len(selected) < topK && len(selected) < len(candidates) {
		best := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if used[i] {
				continue
			}
			redundancy := 0.0
			for _, j := range selectedIdx {
				sim := cosineSimilarity(candidates[i].Embedding.Slice(), candidates[j].Embedding.Slice())
				if sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*querySim[i] - (1-lambda)*redundancy
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selectedIdx = append(selectedIdx, best)
		selected = append(selected, candidates[best])
	}
	return selected
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
