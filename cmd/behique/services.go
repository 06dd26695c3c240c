package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/conversation"
	"github.com/nugget/behique/internal/corpus"
	"github.com/nugget/behique/internal/embeddings"
	"github.com/nugget/behique/internal/httpkit"
	"github.com/nugget/behique/internal/llm"
	"github.com/nugget/behique/internal/retrieval"
	"github.com/nugget/behique/internal/stt"
	"github.com/nugget/behique/internal/tts"
	"github.com/nugget/behique/internal/vectorindex"
)

// services bundles the upstream clients a pipeline is built from.
type services struct {
	persona     string
	model       *llm.OpenAIClient
	synth       *tts.ElevenLabs
	transcriber *stt.Whisper
	retriever   retrieval.Retriever
}

// newServices constructs every upstream client from cfg. Each client
// gets its own HTTP client bounded by the matching configured timeout.
// A retrieval setup failure degrades to no reference text rather than
// failing startup.
func newServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	persona, err := cfg.PersonaText()
	if err != nil {
		return nil, err
	}

	s := &services{
		persona: persona,
		model: llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.OpenAI.ChatModel,
			HTTPClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeouts.Model())),
			Logger:     logger,
		}),
		synth: tts.NewElevenLabs(tts.Config{
			APIKey:          cfg.ElevenLabs.APIKey,
			VoiceID:         cfg.ElevenLabs.VoiceID,
			ModelID:         cfg.ElevenLabs.ModelID,
			BaseURL:         cfg.ElevenLabs.BaseURL,
			Stability:       cfg.ElevenLabs.Stability,
			SimilarityBoost: cfg.ElevenLabs.SimilarityBoost,
			HTTPClient:      httpkit.NewClient(httpkit.WithTimeout(cfg.Timeouts.Synthesis())),
			Logger:          logger,
		}),
		transcriber: stt.NewWhisper(stt.Config{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.OpenAI.TranscriptionModel,
			HTTPClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeouts.Transcription())),
			Logger:     logger,
		}),
	}

	r, err := newRetriever(ctx, cfg, logger)
	if err != nil {
		logger.Warn("retrieval unavailable, continuing without reference text",
			"strategy", cfg.Retrieval.Strategy, "error", err)
		r = retrieval.None{}
	}
	s.retriever = r

	return s, nil
}

// pipeline assembles the conversation pipeline. rec may be nil.
func (s *services) pipeline(cfg *config.Config, rec conversation.Recorder, logger *slog.Logger) *conversation.Pipeline {
	return conversation.New(conversation.Config{
		Persona:              s.persona,
		Retriever:            s.retriever,
		Model:                s.model,
		Synthesizer:          s.synth,
		Transcriber:          s.transcriber,
		Recorder:             rec,
		ModelTimeout:         cfg.Timeouts.Model(),
		SynthesisTimeout:     cfg.Timeouts.Synthesis(),
		TranscriptionTimeout: cfg.Timeouts.Transcription(),
		RetrievalTimeout:     cfg.Timeouts.Embedding(),
		Logger:               logger,
	})
}

// newRetriever builds the configured reference-text provider.
func newRetriever(ctx context.Context, cfg *config.Config, logger *slog.Logger) (retrieval.Retriever, error) {
	rc := cfg.Retrieval
	switch rc.Strategy {
	case config.RetrievalNone:
		return retrieval.None{}, nil

	case config.RetrievalKeyword:
		docs, err := corpus.LoadDir(rc.CorpusDir, logger)
		if err != nil {
			return nil, err
		}
		chunks := corpus.ChunkDocuments(docs, rc.ChunkSize, rc.ChunkOverlap)
		logger.Info("keyword retrieval ready", "documents", len(docs), "chunks", len(chunks))
		return retrieval.NewKeyword(corpus.Texts(chunks)), nil

	case config.RetrievalSimilarity:
		db, err := openSQLite(rc.IndexPath, true)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		// The index is held in memory once loaded.
		defer db.Close()

		ix, err := vectorindex.Load(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("load index %s: %w", rc.IndexPath, err)
		}
		meta := ix.Meta()
		logger.Info("similarity retrieval ready",
			"entries", ix.Len(),
			"model", meta.Model,
			"dimensions", meta.Dimensions,
			"built_at", meta.BuiltAt,
		)
		return retrieval.NewSimilarity(ix, newEmbedder(cfg), rc.TopK), nil

	default:
		return nil, fmt.Errorf("unknown retrieval strategy %q", rc.Strategy)
	}
}

// newEmbedder returns the configured embedding backend. Query and
// index embeddings must come from the same model.
func newEmbedder(cfg *config.Config) embeddings.Embedder {
	timeout := cfg.Timeouts.Embedding()
	if cfg.Retrieval.Embedder == "ollama" {
		return embeddings.NewOllama(embeddings.OllamaConfig{
			BaseURL: cfg.Retrieval.OllamaURL,
			Model:   cfg.Retrieval.OllamaModel,
			Timeout: timeout,
		})
	}
	return embeddings.NewOpenAI(embeddings.OpenAIConfig{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Model:      cfg.OpenAI.EmbeddingModel,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
	})
}

// embeddingModel names the model recorded in the index metadata.
func embeddingModel(cfg *config.Config) string {
	if cfg.Retrieval.Embedder == "ollama" {
		return cfg.Retrieval.OllamaModel
	}
	return cfg.OpenAI.EmbeddingModel
}

// openSQLite opens a SQLite database with WAL and a busy timeout. A
// read-only open requires the file to exist.
func openSQLite(path string, readOnly bool) (*sql.DB, error) {
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
}
