// Package retrieval finds reference text to enrich a prompt. Every
// strategy satisfies [Retriever], so the conversation pipeline does not
// know which one is active.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/behique/internal/embeddings"
	"github.com/nugget/behique/internal/vectorindex"
)

// Retriever returns zero or more context snippets for a query, most
// relevant first.
type Retriever interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// None is the disabled strategy. It never returns context.
type None struct{}

// Search always returns no snippets.
func (None) Search(context.Context, string) ([]string, error) { return nil, nil }

// Keyword scans chunks in order and returns the first one containing
// any whitespace-delimited query token, compared case-insensitively.
// Tokens match as substrings, so "moon" matches "moonlight".
type Keyword struct {
	chunks []string
	lower  []string
}

// NewKeyword builds a keyword retriever over chunks. The slice order
// is the scan order.
func NewKeyword(chunks []string) *Keyword {
	lower := make([]string, len(chunks))
	for i, c := range chunks {
		lower[i] = strings.ToLower(c)
	}
	return &Keyword{chunks: chunks, lower: lower}
}

// Len returns the number of chunks.
func (k *Keyword) Len() int { return len(k.chunks) }

// Search returns at most one chunk.
func (k *Keyword) Search(_ context.Context, query string) ([]string, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	for i, c := range k.lower {
		for _, tok := range tokens {
			if strings.Contains(c, tok) {
				return []string{k.chunks[i]}, nil
			}
		}
	}
	return nil, nil
}

// Similarity embeds the query and returns the nearest chunks from a
// prebuilt index.
type Similarity struct {
	index    *vectorindex.Index
	embedder embeddings.Embedder
	topK     int
}

// DefaultTopK is the number of chunks Similarity returns when topK is
// not positive.
const DefaultTopK = 3

// NewSimilarity builds a similarity retriever.
func NewSimilarity(index *vectorindex.Index, embedder embeddings.Embedder, topK int) *Similarity {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Similarity{index: index, embedder: embedder, topK: topK}
}

// Search returns up to topK chunks, highest score first.
func (s *Similarity) Search(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.index.Search(vec, s.topK)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Text
	}
	return out, nil
}
