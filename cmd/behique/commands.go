package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/corpus"
	"github.com/nugget/behique/internal/embeddings"
	"github.com/nugget/behique/internal/vectorindex"
)

// runIndex handles "behique index". It reads the corpus directory,
// chunks and embeds every document, and replaces the similarity index
// at retrieval.index_path.
func runIndex(ctx context.Context, w io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(w, level, cfg.LogFormat)

	rc := cfg.Retrieval
	docs, err := corpus.LoadDir(rc.CorpusDir, logger)
	if err != nil {
		return err
	}
	chunks := corpus.ChunkDocuments(docs, rc.ChunkSize, rc.ChunkOverlap)
	if len(chunks) == 0 {
		return fmt.Errorf("no text found in %s", rc.CorpusDir)
	}

	start := time.Now()
	vectors, err := embeddings.GenerateBatch(ctx, newEmbedder(cfg), corpus.Texts(chunks))
	if err != nil {
		return fmt.Errorf("embed corpus: %w", err)
	}

	entries := make([]vectorindex.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorindex.Entry{
			Source:    c.Source,
			Ordinal:   c.Ordinal,
			Text:      c.Text,
			Embedding: vectors[i],
		}
	}

	db, err := openSQLite(rc.IndexPath, false)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	if err := vectorindex.Write(ctx, db, embeddingModel(cfg), entries); err != nil {
		return err
	}

	fmt.Fprintf(w, "Indexed %d chunks from %d documents into %s (%s)\n",
		len(entries), len(docs), rc.IndexPath, time.Since(start).Round(time.Millisecond))
	return nil
}

// runAsk handles "behique ask [-audio file] <question>". It runs one
// turn through the full pipeline without recording it and prints the
// reply. With -audio, the synthesized speech is written to file.
func runAsk(ctx context.Context, w io.Writer, configPath string, args []string) error {
	var audioPath string
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-audio" && i+1 < len(args):
			audioPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-audio="):
			audioPath = strings.TrimPrefix(args[i], "-audio=")
		default:
			words = append(words, args[i])
		}
	}
	question := strings.TrimSpace(strings.Join(words, " "))
	if question == "" {
		return errors.New("usage: behique ask [-audio file] <question>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so the reply on stdout stays clean.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(os.Stderr, level, cfg.LogFormat)

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	turn, err := svc.pipeline(cfg, nil, logger).Ask(ctx, question)
	if turn != nil && turn.Reply != "" {
		fmt.Fprintln(w, turn.Reply)
	}
	if err != nil {
		return err
	}

	if audioPath != "" {
		if err := os.WriteFile(audioPath, turn.Audio, 0o644); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		fmt.Fprintf(w, "Wrote %d bytes of audio to %s\n", len(turn.Audio), audioPath)
	}
	return nil
}
