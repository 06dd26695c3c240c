package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/nugget/behique/internal/vectorindex"
	_ "modernc.org/sqlite"
)

func TestKeyword_Search(t *testing.T) {
	t.Parallel()
	k := NewKeyword([]string{"the moon rises", "water flows"})

	tests := []struct {
		query string
		want  []string
	}{
		{"moon", []string{"the moon rises"}},
		{"MOON", []string{"the moon rises"}},
		{"fire", nil},
		{"flows", []string{"water flows"}},
		// First chunk in scan order wins, even if a later chunk matches more tokens.
		{"water the", []string{"the moon rises"}},
		{"", nil},
		{"   ", nil},
		// Substring match, like the original relevance scan.
		{"moo", []string{"the moon rises"}},
	}
	for _, tt := range tests {
		got, err := k.Search(context.Background(), tt.query)
		if err != nil {
			t.Fatalf("Search(%q): %v", tt.query, err)
		}
		if len(got) != len(tt.want) || (len(got) == 1 && got[0] != tt.want[0]) {
			t.Errorf("Search(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestKeyword_Deterministic(t *testing.T) {
	t.Parallel()
	k := NewKeyword([]string{"the moon rises", "water flows"})
	first, _ := k.Search(context.Background(), "water moon")
	for range 20 {
		got, _ := k.Search(context.Background(), "water moon")
		if len(got) != 1 || got[0] != first[0] {
			t.Fatalf("Search not deterministic: %q vs %q", got, first)
		}
	}
}

func TestKeyword_EmptyCorpus(t *testing.T) {
	t.Parallel()
	got, err := NewKeyword(nil).Search(context.Background(), "moon")
	if err != nil || len(got) != 0 {
		t.Errorf("Search on empty corpus = %q, %v", got, err)
	}
}

func TestNone(t *testing.T) {
	t.Parallel()
	got, err := None{}.Search(context.Background(), "moon")
	if err != nil || got != nil {
		t.Errorf("None.Search = %q, %v", got, err)
	}
}

// mapEmbedder returns a fixed vector per query.
type mapEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (m mapEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.vecs[text], nil
}

func testIndex(t *testing.T) *vectorindex.Index {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	entries := []vectorindex.Entry{
		{Source: "a", Text: "the moon rises", Embedding: []float32{1, 0}},
		{Source: "a", Text: "water flows", Embedding: []float32{0, 1}},
		{Source: "b", Text: "moon over water", Embedding: []float32{0.6, 0.8}},
		{Source: "b", Text: "stone and fire", Embedding: []float32{-1, 0}},
	}
	ctx := context.Background()
	if err := vectorindex.Write(ctx, db, "test", entries); err != nil {
		t.Fatal(err)
	}
	ix, err := vectorindex.Load(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestSimilarity_Search(t *testing.T) {
	t.Parallel()
	emb := mapEmbedder{vecs: map[string][]float32{"moon": {1, 0.1}}}
	s := NewSimilarity(testIndex(t), emb, 0)

	got, err := s.Search(context.Background(), "moon")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"the moon rises", "moon over water", "water flows"}
	if len(got) != len(want) {
		t.Fatalf("Search = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSimilarity_Errors(t *testing.T) {
	t.Parallel()
	ix := testIndex(t)

	s := NewSimilarity(ix, mapEmbedder{err: errors.New("upstream down")}, 3)
	if _, err := s.Search(context.Background(), "moon"); err == nil {
		t.Error("expected embedder error to surface")
	}

	s = NewSimilarity(ix, mapEmbedder{vecs: map[string][]float32{"moon": {1, 0, 0}}}, 3)
	if _, err := s.Search(context.Background(), "moon"); !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Errorf("Search = %v, want dimension mismatch", err)
	}
}
