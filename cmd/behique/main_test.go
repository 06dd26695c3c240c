package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/hub"
	"github.com/nugget/behique/internal/mqtt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output missing fields:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("json output missing version: %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		for _, cmd := range []string{"serve", "init", "index", "ask", "version"} {
			if !strings.Contains(out.String(), cmd) {
				t.Errorf("run(%v) usage missing %q", args, cmd)
			}
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"dance"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: behique ask"},
		{"ask with only audio flag", []string{"ask", "-audio", "out.mp3"}, "usage: behique ask"},
		{"missing config", []string{"-config", "/nonexistent/behique.yaml", "ask", "hi"}, "nonexistent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

// recordingListener is a hub listener that counts deliveries.
type recordingListener struct {
	id     string
	sent   atomic.Int32
	closed atomic.Bool
}

func (l *recordingListener) ID() string   { return l.id }
func (l *recordingListener) Closed() bool { return l.closed.Load() }
func (l *recordingListener) Close() error { l.closed.Store(true); return nil }
func (l *recordingListener) Send(context.Context, []byte) error {
	l.sent.Add(1)
	return nil
}

func TestFanout_Trigger(t *testing.T) {
	t.Parallel()

	h := hub.New(hub.Config{Logger: discardLogger()})
	a, b := &recordingListener{id: "a"}, &recordingListener{id: "b"}
	h.Accept(a)
	h.Accept(b)

	// A mirror that never connected must not block or fail the broadcast.
	cfg := config.Default()
	mirror := mqtt.New(cfg.MQTT, "test", cfg.Hub.TriggerMessage, discardLogger())

	for _, f := range []*fanout{
		newFanout(h, nil, "api", discardLogger()),
		newFanout(h, mirror, "hardware", discardLogger()),
	} {
		if n := f.Trigger(context.Background()); n != 2 {
			t.Errorf("%s fanout reached %d listeners, want 2", f.source, n)
		}
	}
	if a.sent.Load() != 2 || b.sent.Load() != 2 {
		t.Errorf("deliveries = %d/%d, want 2/2", a.sent.Load(), b.sent.Load())
	}
}

// fakeUpstream serves the chat, speech, and embedding endpoints the
// pipeline calls, recording each chat request.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []string
	reply    string
}

func (f *fakeUpstream) chatBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	switch {
	case r.URL.Path == "/v1/chat/completions":
		f.mu.Lock()
		f.requests = append(f.requests, string(body))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": f.reply},
				"finish_reason": "stop",
			}},
		})
	case strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/"):
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-mp3-audio"))
	case r.URL.Path == "/api/embeddings":
		// Two-dimensional embeddings: "moon" texts point one way,
		// everything else the other.
		vec := []float32{0, 1}
		if strings.Contains(strings.ToLower(string(body)), "moon") {
			vec = []float32{1, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	default:
		http.NotFound(w, r)
	}
}

// writeTestConfig writes a config pointing every upstream at srv and
// returns its path.
func writeTestConfig(t *testing.T, srv *httptest.Server, dir, strategy string) string {
	t.Helper()
	yaml := `
openai:
  api_key: sk-test
  base_url: ` + srv.URL + `/v1
elevenlabs:
  api_key: xi-test
  voice_id: atabey
  base_url: ` + srv.URL + `
persona: You are Behique.
data_dir: ` + filepath.Join(dir, "data") + `
retrieval:
  strategy: ` + strategy + `
  corpus_dir: ` + filepath.Join(dir, "books") + `
  embedder: ollama
  ollama_url: ` + srv.URL + `
  top_k: 1
log_level: error
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeBooks(t *testing.T, dir string) {
	t.Helper()
	books := filepath.Join(dir, "books")
	if err := os.MkdirAll(books, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"luna.txt": "Atabey is mother of the moon and the waters.",
		"cemi.md":  "# Cemi\n\nThe cemi figures were carved from stone and wood.",
	}
	for name, text := range files {
		if err := os.WriteFile(filepath.Join(books, name), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunAsk_EndToEnd(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{reply: "The waters answer."}
	srv := httptest.NewServer(up)
	defer srv.Close()

	dir := t.TempDir()
	writeBooks(t, dir)
	cfgPath := writeTestConfig(t, srv, dir, config.RetrievalKeyword)
	audioPath := filepath.Join(dir, "reply.mp3")

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard,
		[]string{"-config", cfgPath, "ask", "-audio", audioPath, "who", "made", "the", "cemi?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if !strings.HasPrefix(out.String(), "The waters answer.\n") {
		t.Errorf("stdout = %q", out.String())
	}
	audio, err := os.ReadFile(audioPath)
	if err != nil || string(audio) != "ID3-mp3-audio" {
		t.Errorf("audio file = %q, %v", audio, err)
	}

	bodies := up.chatBodies()
	if len(bodies) != 1 {
		t.Fatalf("chat requests = %d, want 1", len(bodies))
	}
	if !strings.Contains(bodies[0], "You are Behique.") {
		t.Errorf("persona missing from request: %s", bodies[0])
	}
}

func TestRunIndex_ThenSimilarityRetrieval(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{reply: "ok"}
	srv := httptest.NewServer(up)
	defer srv.Close()

	dir := t.TempDir()
	writeBooks(t, dir)
	cfgPath := writeTestConfig(t, srv, dir, config.RetrievalSimilarity)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "index"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	if !strings.Contains(out.String(), "Indexed 2 chunks from 2 documents") {
		t.Errorf("index output = %q", out.String())
	}

	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	r, err := newRetriever(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("newRetriever: %v", err)
	}
	got, err := r.Search(context.Background(), "tell me about the moon")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0], "mother of the moon") {
		t.Errorf("Search = %q", got)
	}
}

func TestNewRetriever_MissingIndex(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Retrieval.Strategy = config.RetrievalSimilarity
	cfg.Retrieval.IndexPath = filepath.Join(t.TempDir(), "absent.db")

	if _, err := newRetriever(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error for a missing index")
	}
}

func TestNewServices_MissingCorpus(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Retrieval.CorpusDir = filepath.Join(t.TempDir(), "no-books")

	svc, err := newServices(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("newServices: %v", err)
	}
	got, err := svc.retriever.Search(context.Background(), "moon")
	if err != nil || len(got) != 0 {
		t.Errorf("retriever over missing corpus = %v, %v", got, err)
	}
}
