// Package embeddings generates text embeddings for similarity retrieval
// and provides the vector math used to rank them. Two backends are
// available: OpenAI (the default, and what the original index format
// assumed) and a local Ollama server.
package embeddings

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// GenerateBatch embeds each text in order using e.
func GenerateBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Generate(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// Match is one ranked vector.
type Match struct {
	Index int
	Score float32
}

// TopK returns the k vectors most similar to query, highest score
// first. Ties keep their original order.
func TopK(query []float32, vectors [][]float32, k int) []Match {
	if k <= 0 || len(vectors) == 0 {
		return nil
	}

	scores := make([]Match, len(vectors))
	for i, v := range vectors {
		scores[i] = Match{Index: i, Score: CosineSimilarity(query, v)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k]
}
