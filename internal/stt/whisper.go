// Package stt transcribes recorded audio with the OpenAI
// transcription (Whisper) API.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/sashabaranov/go-openai"
)

// ErrNoAudio is returned when the payload is empty.
var ErrNoAudio = errors.New("no audio provided")

// Audio is one uploaded recording.
type Audio struct {
	Filename string
	// ContentType is the media-type hint from the upload, if any.
	ContentType string
	Data        io.Reader
}

// defaultContainer is assumed for uploads that carry no usable hint.
const defaultContainer = ".webm"

// containerExt maps upload media types to the file extension the
// transcription API uses to detect the container.
var containerExt = map[string]string{
	"audio/webm":  ".webm",
	"video/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/flac":  ".flac",
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Config configures a Whisper client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient carries the request timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Whisper is a Transcriber backed by the OpenAI audio API.
type Whisper struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewWhisper creates a transcription client.
func NewWhisper(cfg Config) *Whisper {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Whisper{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Transcribe uploads the recording in a single call and returns the
// transcript verbatim.
func (w *Whisper) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if audio.Data == nil {
		return "", ErrNoAudio
	}
	name := uploadName(audio)

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: name,
		Reader:   audio.Data,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}

	w.logger.Debug("audio transcribed", "file", name, "content_type", audio.ContentType, "chars", len(resp.Text))
	return resp.Text, nil
}

// uploadName returns the multipart filename for audio. The request
// library sends no per-file media type, so the content type reaches the
// API as the filename extension. A filename that already has an
// extension is kept as given.
func uploadName(audio Audio) string {
	name := audio.Filename
	if name == "" {
		name = "recording"
	}
	if filepath.Ext(name) != "" {
		return name
	}
	ext := defaultContainer
	if mt, _, err := mime.ParseMediaType(audio.ContentType); err == nil {
		if e, ok := containerExt[mt]; ok {
			ext = e
		}
	}
	return name + ext
}
