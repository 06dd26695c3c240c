package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{
			name:     "identical",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal",
			a:        []float32{1, 0},
			b:        []float32{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite",
			a:        []float32{1, 1},
			b:        []float32{-1, -1},
			expected: -1.0,
		},
		{
			name:     "mismatched length",
			a:        []float32{1},
			b:        []float32{1, 2},
			expected: 0.0,
		},
		{
			name:     "zero vector",
			a:        []float32{0, 0},
			b:        []float32{1, 2},
			expected: 0.0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	vectors := [][]float32{
		{0, 1, 0},     // orthogonal, sim = 0
		{1, 0, 0},     // identical, sim = 1
		{-1, 0, 0},    // opposite, sim = -1
		{0.7, 0.7, 0}, // similar, sim ~ 0.707
	}

	top2 := TopK(query, vectors, 2)
	if len(top2) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top2))
	}
	if top2[0].Index != 1 {
		t.Errorf("expected index 1 (identical) first, got %d", top2[0].Index)
	}
	if top2[1].Index != 3 {
		t.Errorf("expected index 3 (similar) second, got %d", top2[1].Index)
	}
	if top2[0].Score < top2[1].Score {
		t.Errorf("scores not descending: %v", top2)
	}

	if got := TopK(query, vectors, 10); len(got) != 4 {
		t.Errorf("k larger than set returned %d, want 4", len(got))
	}
	if got := TopK(query, nil, 3); got != nil {
		t.Errorf("empty set returned %v", got)
	}
}

type staticEmbedder struct{ fail int }

func (s *staticEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if s.fail > 0 && len(text) == s.fail {
		return nil, errors.New("boom")
	}
	return []float32{float32(len(text))}, nil
}

func TestGenerateBatch(t *testing.T) {
	got, err := GenerateBatch(context.Background(), &staticEmbedder{}, []string{"a", "bb"})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(got) != 2 || got[1][0] != 2 {
		t.Errorf("GenerateBatch = %v", got)
	}

	_, err = GenerateBatch(context.Background(), &staticEmbedder{fail: 2}, []string{"a", "bb"})
	if err == nil || !strings.Contains(err.Error(), "embed text 1") {
		t.Errorf("error = %v, want index context", err)
	}
}

func TestOllamaClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "nomic-embed-text" || req.Prompt != "moon" {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	c := NewOllama(OllamaConfig{BaseURL: srv.URL})
	got, err := c.Generate(context.Background(), "moon")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("embedding = %v", got)
	}
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(OllamaConfig{BaseURL: srv.URL}).Generate(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "text-embedding-3-small" {
			t.Errorf("model = %v", req["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25,0.125]}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small"})
	got, err := c.Generate(context.Background(), "water")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 3 || got[0] != 0.5 {
		t.Errorf("embedding = %v", got)
	}
}

func TestOpenAIClient_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL + "/v1"}).Generate(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "Incorrect API key") {
		t.Errorf("error = %v, want upstream message", err)
	}
}
