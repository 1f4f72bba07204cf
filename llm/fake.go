package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/SaintWyss/ragcore/model"
)

// FakeEmbedder derives a deterministic unit vector from the text's SHA-256,
// so equal texts embed equally and retrieval behaves consistently in tests
// and local runs.
type FakeEmbedder struct{}

func (FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return deterministicVector(text), nil
}

func (FakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = deterministicVector(t)
	}
	return out, nil
}

func deterministicVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, model.EmbeddingDim)
	var norm float64
	for i := range vec {
		// Cycle through the digest, mixing the position in.
		seed := binary.BigEndian.Uint32(sum[(i*4)%28:]) + uint32(i)
		v := float32(seed%2000)/1000.0 - 1.0
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// FakeGenerator produces a canned grounded answer citing the first source.
type FakeGenerator struct{}

func (FakeGenerator) Generate(_ context.Context, query, contextText string) (string, error) {
	if contextText == "" {
		return "No hay evidencia en el contexto provisto.", nil
	}
	return fmt.Sprintf("Según las fuentes disponibles [S1], respuesta a: %s", query), nil
}
