// Package api implements the HTTP API: the ask and transcribe
// endpoints, a manual trigger, and health reporting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/behique/internal/buildinfo"
	"github.com/nugget/behique/internal/connwatch"
	"github.com/nugget/behique/internal/conversation"
	"github.com/nugget/behique/internal/hub"
	"github.com/nugget/behique/internal/stt"
	"github.com/nugget/behique/internal/tts"
)

// Error bodies returned to clients.
const (
	msgNoText       = "No text provided"
	msgNoAudio      = "No audio file provided"
	msgModelFailed  = "OpenAI API failed"
	msgTTSFailed    = "TTS failed"
	msgWhisperError = "Whisper API failed"
	msgInvalidBody  = "invalid request body"
	msgInternal     = "internal error"
)

// DefaultMaxUploadBytes caps a /transcribe upload.
const DefaultMaxUploadBytes = 25 << 20

// Pipeline answers questions and transcribes recordings.
type Pipeline interface {
	Ask(ctx context.Context, input string) (*conversation.Turn, error)
	Transcribe(ctx context.Context, audio stt.Audio) (string, error)
}

// Triggerer raises a trigger broadcast and reports how many listeners
// received it.
type Triggerer interface {
	Trigger(ctx context.Context) int
}

// Deps are the collaborators the server routes to. Health and HubStats
// are optional.
type Deps struct {
	Pipeline    Pipeline
	Triggerer   Triggerer
	Health      *connwatch.Manager
	HubStats    func() hub.Stats
	CORSOrigins []string
	// MaxUploadBytes bounds multipart uploads. Zero means
	// DefaultMaxUploadBytes.
	MaxUploadBytes int64
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /trigger", s.handleTrigger)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(withCORS(s.deps.CORSOrigins, mux))
}

// Start binds the listening socket and serves until Shutdown. A bind
// failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute, // audio uploads
		WriteTimeout:      2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Shutdown may already have run if another component failed first.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting API server", "address", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AskRequest is the body of POST /ask.
type AskRequest struct {
	Prompt string `json:"prompt"`
}

// AskResponse is the body of a successful POST /ask. Audio is
// base64-encoded by encoding/json.
type AskResponse struct {
	Text  string `json:"text"`
	Audio []byte `json:"audio"`
}

// TranscribeResponse is the body of a successful POST /transcribe.
type TranscribeResponse struct {
	Text string `json:"text"`
}

// ErrorResponse is every non-2xx body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			s.errorResponse(w, http.StatusBadRequest, msgNoText, "")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, msgInvalidBody, err.Error())
		return
	}

	turn, err := s.deps.Pipeline.Ask(r.Context(), req.Prompt)
	if err != nil {
		s.askError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, AskResponse{Text: turn.Reply, Audio: turn.Audio}, s.logger)
}

func (s *Server) askError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrEmptyInput) {
		s.errorResponse(w, http.StatusBadRequest, msgNoText, "")
		return
	}

	var ue *conversation.UpstreamError
	if !errors.As(err, &ue) {
		s.logger.Error("ask failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, msgInternal, err.Error())
		return
	}

	switch ue.Service {
	case conversation.ServiceSynthesis:
		details := ue.Err.Error()
		var se *tts.StatusError
		if errors.As(ue.Err, &se) {
			details = se.Body
		}
		s.logger.Error("speech synthesis failed", "error", ue.Err)
		s.errorResponse(w, http.StatusInternalServerError, msgTTSFailed, details)
	default:
		s.logger.Error("language model call failed", "error", ue.Err)
		s.errorResponse(w, http.StatusInternalServerError, msgModelFailed, upstreamDetail(ue.Err))
	}
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "audio file too large", "")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, msgNoAudio, "")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("audio")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, msgNoAudio, "")
		return
	}
	defer f.Close()

	if hdr.Size == 0 {
		s.errorResponse(w, http.StatusBadRequest, msgNoAudio, "")
		return
	}

	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/webm"
	}
	text, err := s.deps.Pipeline.Transcribe(r.Context(), stt.Audio{
		Filename:    hdr.Filename,
		ContentType: contentType,
		Data:        f,
	})
	if err != nil {
		if errors.Is(err, conversation.ErrEmptyInput) {
			s.errorResponse(w, http.StatusBadRequest, msgNoAudio, "")
			return
		}
		details := err.Error()
		var ue *conversation.UpstreamError
		if errors.As(err, &ue) {
			details = upstreamDetail(ue.Err)
		}
		s.logger.Error("transcription failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, msgWhisperError, details)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TranscribeResponse{Text: text}, s.logger)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggerer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "trigger hub not configured", "")
		return
	}
	n := s.deps.Triggerer.Trigger(r.Context())
	s.logger.Info("manual trigger", "listeners", n)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"listeners": n}, s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Uptime   string                             `json:"uptime"`
	Services map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	Hub      *hub.Stats                         `json:"hub,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.deps.Health != nil {
		resp.Services = s.deps.Health.Status()
		for _, st := range resp.Services {
			if !st.Ready {
				resp.Status = "degraded"
				break
			}
		}
	}
	if s.deps.HubStats != nil {
		st := s.deps.HubStats()
		resp.Hub = &st
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Behique",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

// upstreamDetail extracts the provider's own message from an OpenAI
// error so clients see it as the provider sent it.
func upstreamDetail(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && len(reqErr.Body) > 0 {
		return string(reqErr.Body)
	}
	return err.Error()
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, ErrorResponse{Error: message, Details: details}, s.logger)
}
