package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/behique/internal/httpkit"
)

func TestSynthesize(t *testing.T) {
	t.Parallel()

	audio := []byte("ID3\x04fake-mpeg-frames")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/text-to-speech/voice-123" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("xi-api-key"); got != "el-key" {
			t.Errorf("xi-api-key = %q", got)
		}
		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Text != "Ah! Mmm!" || req.ModelID != "eleven_flash_v2_5" {
			t.Errorf("body = %+v", req)
		}
		if req.VoiceSettings.Stability != 0.75 || req.VoiceSettings.SimilarityBoost != 0.75 {
			t.Errorf("voice settings = %+v", req.VoiceSettings)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	e := NewElevenLabs(Config{
		APIKey:          "el-key",
		VoiceID:         "voice-123",
		BaseURL:         srv.URL + "/",
		Stability:       0.75,
		SimilarityBoost: 0.75,
	})
	got, err := e.Synthesize(context.Background(), "Ah! Mmm!")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio = %q, want %q", got, audio)
	}
}

func TestSynthesize_StatusErrorCarriesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"invalid_api_key"}}`))
	}))
	defer srv.Close()

	_, err := NewElevenLabs(Config{APIKey: "bad", VoiceID: "v", BaseURL: srv.URL}).Synthesize(context.Background(), "hi")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusUnauthorized || se.Body != `{"detail":{"status":"invalid_api_key"}}` {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestSynthesize_EmptyAudio(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	if _, err := NewElevenLabs(Config{VoiceID: "v", BaseURL: srv.URL}).Synthesize(context.Background(), "hi"); err == nil {
		t.Error("expected error for empty audio")
	}
}

func TestSynthesize_Timeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := NewElevenLabs(Config{
		VoiceID:    "v",
		BaseURL:    srv.URL,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(50 * time.Millisecond)),
	})
	start := time.Now()
	if _, err := e.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not applied")
	}
}
