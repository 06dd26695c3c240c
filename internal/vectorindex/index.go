// Package vectorindex persists chunk embeddings in SQLite and serves
// nearest-neighbour lookups over them. The index is built offline by
// `behique index` and loaded fully into memory, read-only, at startup.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nugget/behique/internal/embeddings"
)

// ErrDimensionMismatch is returned when a query vector's length does
// not match the index.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrEmpty is returned by Load when the index holds no chunks.
var ErrEmpty = errors.New("vector index is empty")

// Entry is one embedded chunk.
type Entry struct {
	Source    string
	Ordinal   int
	Text      string
	Embedding []float32
}

// Meta describes how an index was built.
type Meta struct {
	Model      string
	Dimensions int
	Count      int
	BuiltAt    time.Time
}

// Result is one search hit.
type Result struct {
	Source string
	Text   string
	Score  float32
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS chunks (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		source    TEXT NOT NULL,
		ordinal   INTEGER NOT NULL,
		text      TEXT NOT NULL,
		embedding BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`)
	return err
}

// Write replaces the contents of the index in db with entries. All
// entries must share one dimension. The write is a single transaction,
// so a failed build leaves the previous index intact.
func Write(ctx context.Context, db *sql.DB, model string, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmpty
	}
	dims := len(entries[0].Embedding)
	for i, e := range entries {
		if len(e.Embedding) == 0 || len(e.Embedding) != dims {
			return fmt.Errorf("entry %d: %w (got %d, want %d)", i, ErrDimensionMismatch, len(e.Embedding), dims)
		}
	}

	if err := migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate index schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return fmt.Errorf("clear meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (source, ordinal, text, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Source, e.Ordinal, e.Text, encodeVector(e.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	meta := map[string]string{
		"model":      model,
		"dimensions": strconv.Itoa(dims),
		"count":      strconv.Itoa(len(entries)),
		"built_at":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

// Index is an in-memory, read-only copy of a persisted index. It is
// safe for concurrent use.
type Index struct {
	meta    Meta
	sources []string
	texts   []string
	vectors [][]float32
}

// Load reads the whole index from db.
func Load(ctx context.Context, db *sql.DB) (*Index, error) {
	meta, err := readMeta(ctx, db)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT source, text, embedding FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	ix := &Index{meta: meta}
	for rows.Next() {
		var (
			source, text string
			blob         []byte
		)
		if err := rows.Scan(&source, &text, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", len(ix.texts), err)
		}
		if len(vec) != meta.Dimensions {
			return nil, fmt.Errorf("chunk %d: %w (got %d, index says %d)", len(ix.texts), ErrDimensionMismatch, len(vec), meta.Dimensions)
		}
		ix.sources = append(ix.sources, source)
		ix.texts = append(ix.texts, text)
		ix.vectors = append(ix.vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	if len(ix.texts) == 0 {
		return nil, ErrEmpty
	}
	ix.meta.Count = len(ix.texts)
	return ix, nil
}

func readMeta(ctx context.Context, db *sql.DB) (Meta, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return Meta{}, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	var m Meta
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, fmt.Errorf("scan meta: %w", err)
		}
		switch k {
		case "model":
			m.Model = v
		case "dimensions":
			m.Dimensions, _ = strconv.Atoi(v)
		case "built_at":
			m.BuiltAt, _ = time.Parse(time.RFC3339, v)
		}
	}
	if err := rows.Err(); err != nil {
		return Meta{}, fmt.Errorf("iterate meta: %w", err)
	}
	if m.Dimensions <= 0 {
		return Meta{}, fmt.Errorf("index meta has no dimensions")
	}
	return m, nil
}

// Meta returns how the index was built.
func (ix *Index) Meta() Meta { return ix.meta }

// Len returns the number of chunks.
func (ix *Index) Len() int { return len(ix.texts) }

// Search returns the k chunks nearest to query, highest score first.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != ix.meta.Dimensions {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), ix.meta.Dimensions)
	}
	matches := embeddings.TopK(query, ix.vectors, k)
	out := make([]Result, len(matches))
	for i, m := range matches {
		out[i] = Result{Source: ix.sources[m.Index], Text: ix.texts[m.Index], Score: m.Score}
	}
	return out, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
