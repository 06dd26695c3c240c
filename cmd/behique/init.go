package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/behique/internal/defaults"
)

// runInit prepares dir as a Behique working directory: the data and
// corpus directories, an example config, and an example persona.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Behique in %s\n", dir)

	for _, sub := range []string{"data", "books"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		name    string
		content []byte
		perm    fs.FileMode
	}{
		{"config.yaml", defaults.ConfigYAML, 0o600}, // holds API keys
		{"persona.md", defaults.PersonaMD, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		created, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Set openai.api_key and elevenlabs.api_key/voice_id in config.yaml")
	fmt.Fprintln(w, "  2. Add .txt, .md, or .pdf reference books to books/")
	fmt.Fprintln(w, "  3. Run: behique serve")
	return nil
}

// writeIfMissing writes content to path unless something is already
// there, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm fs.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
