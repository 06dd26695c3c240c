// Package corpus loads the reference books the assistant draws context
// from and splits them into fixed-size chunks. Supported formats are
// plain text, markdown (markup stripped), and PDF.
package corpus

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Document is the extracted text of one corpus file.
type Document struct {
	// Source is the file name relative to the corpus directory.
	Source string
	Text   string
}

// Chunk is one retrievable slice of a document.
type Chunk struct {
	Source  string
	Ordinal int
	Text    string
}

// Supported reports whether path has an extension the loader reads.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown", ".pdf":
		return true
	}
	return false
}

// LoadDir reads every supported file directly inside dir, in name
// order. A missing directory yields no documents. A file that cannot
// be read is logged and skipped so one bad book does not empty the
// corpus.
func LoadDir(dir string, logger *slog.Logger) ([]Document, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("corpus directory not found", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read corpus dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var docs []Document
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		txt, err := ExtractText(path)
		if err != nil {
			logger.Warn("skipping corpus file", "file", e.Name(), "error", err)
			continue
		}
		docs = append(docs, Document{Source: e.Name(), Text: txt})
	}
	return docs, nil
}

// ExtractText returns the plain text of a supported file.
func ExtractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.ToValidUTF8(string(data), ""), nil
	case ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return MarkdownText(data), nil
	case ".pdf":
		return pdfText(path)
	default:
		return "", fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// MarkdownText renders markdown source as plain text: block elements
// end with a newline, inline markup is dropped, and code is kept
// verbatim.
func MarkdownText(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument && n.Kind() != ast.KindList {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.HardLineBreak() {
				buf.WriteByte('\n')
			} else if node.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}

// pdfText concatenates the plain text of every page, one page per
// line group. The PDF reader panics on some malformed files; that is
// reported as an error.
func pdfText(path string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		s, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d of %s: %w", i, path, err)
		}
		sb.WriteString(s)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// Split cuts s into chunks of at most size runes. Consecutive chunks
// share overlap runes. When a cut would land mid-word, it moves back to
// the last whitespace in the second half of the window. Whitespace-only
// chunks are dropped. Overlap is clamped to [0, size).
func Split(s string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(s)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start+size/2 : end]); cut >= 0 {
			end = start + size/2 + cut + 1
		}

		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case ' ', '\n', '\t', '\r':
			return i
		}
	}
	return -1
}

// ChunkDocuments splits every document and returns chunks in document
// order, then position order.
func ChunkDocuments(docs []Document, size, overlap int) []Chunk {
	var out []Chunk
	for _, d := range docs {
		for i, c := range Split(d.Text, size, overlap) {
			out = append(out, Chunk{Source: d.Source, Ordinal: i, Text: c})
		}
	}
	return out
}

// Texts returns just the chunk text, preserving order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
