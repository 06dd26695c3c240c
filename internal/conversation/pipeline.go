// Package conversation runs one question through retrieval, the
// language model, and speech synthesis.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/behique/internal/config"
	"github.com/nugget/behique/internal/convlog"
	"github.com/nugget/behique/internal/llm"
	"github.com/nugget/behique/internal/retrieval"
	"github.com/nugget/behique/internal/stt"
	"github.com/nugget/behique/internal/tts"
)

// ContextPrefix introduces retrieved reference text in the prompt.
const ContextPrefix = "Relevant book info: "

// Upstream service names carried by [UpstreamError].
const (
	ServiceModel         = "model"
	ServiceSynthesis     = "synthesis"
	ServiceTranscription = "transcription"
)

// ErrEmptyInput is returned for blank input. Nothing upstream is called.
var ErrEmptyInput = errors.New("empty input")

// UpstreamError reports a failed call to an external service. The
// wrapped error carries the upstream detail verbatim.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Recorder persists completed turns.
type Recorder interface {
	Append(ctx context.Context, rec convlog.Record) error
}

// Turn is the result of one successful [Pipeline.Ask].
type Turn struct {
	Input   string
	Context []string
	Reply   string
	Audio   []byte
	Model   string
}

// Config wires a Pipeline. Retriever and Recorder are optional.
type Config struct {
	Persona     string
	Retriever   retrieval.Retriever
	Model       llm.Client
	Synthesizer tts.Synthesizer
	Transcriber stt.Transcriber
	Recorder    Recorder

	ModelTimeout         time.Duration
	SynthesisTimeout     time.Duration
	TranscriptionTimeout time.Duration
	RetrievalTimeout     time.Duration

	Logger *slog.Logger
}

// Pipeline is safe for concurrent use; it holds no per-request state.
type Pipeline struct {
	persona     string
	retriever   retrieval.Retriever
	model       llm.Client
	synth       tts.Synthesizer
	transcriber stt.Transcriber
	recorder    Recorder

	modelTimeout         time.Duration
	synthesisTimeout     time.Duration
	transcriptionTimeout time.Duration
	retrievalTimeout     time.Duration

	logger *slog.Logger
}

// Default per-call timeouts applied when Config leaves them zero.
const (
	DefaultModelTimeout         = 30 * time.Second
	DefaultSynthesisTimeout     = 30 * time.Second
	DefaultTranscriptionTimeout = 60 * time.Second
	DefaultRetrievalTimeout     = 10 * time.Second
)

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Persona == "" {
		cfg.Persona = config.DefaultPersona
	}
	if cfg.Retriever == nil {
		cfg.Retriever = retrieval.None{}
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if cfg.TranscriptionTimeout <= 0 {
		cfg.TranscriptionTimeout = DefaultTranscriptionTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		persona:              cfg.Persona,
		retriever:            cfg.Retriever,
		model:                cfg.Model,
		synth:                cfg.Synthesizer,
		transcriber:          cfg.Transcriber,
		recorder:             cfg.Recorder,
		modelTimeout:         cfg.ModelTimeout,
		synthesisTimeout:     cfg.SynthesisTimeout,
		transcriptionTimeout: cfg.TranscriptionTimeout,
		retrievalTimeout:     cfg.RetrievalTimeout,
		logger:               cfg.Logger,
	}
}

// Messages assembles the model input: persona, then the optional
// context block, then the user message.
func (p *Pipeline) Messages(input string, snippets []string) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: p.persona}}
	if len(snippets) > 0 {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: ContextPrefix + strings.Join(snippets, "\n\n"),
		})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
}

// Ask answers input. The reply is logged and recorded before synthesis,
// so a failed synthesis still leaves a record of the conversation.
func (p *Pipeline) Ask(ctx context.Context, input string) (*Turn, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	snippets := p.retrieve(ctx, input)

	mctx, cancel := context.WithTimeout(ctx, p.modelTimeout)
	resp, err := p.model.Chat(mctx, p.Messages(input, snippets))
	cancel()
	if err != nil {
		return nil, &UpstreamError{Service: ServiceModel, Err: err}
	}

	turn := &Turn{
		Input:   input,
		Context: snippets,
		Reply:   resp.Message.Content,
		Model:   resp.Model,
	}
	p.logger.Info("conversation", "input", turn.Input, "reply", turn.Reply)
	p.record(ctx, turn)

	sctx, cancel := context.WithTimeout(ctx, p.synthesisTimeout)
	audio, err := p.synth.Synthesize(sctx, turn.Reply)
	cancel()
	if err != nil {
		return nil, &UpstreamError{Service: ServiceSynthesis, Err: err}
	}
	turn.Audio = audio
	return turn, nil
}

// Transcribe forwards audio to the transcription service.
func (p *Pipeline) Transcribe(ctx context.Context, audio stt.Audio) (string, error) {
	if audio.Data == nil {
		return "", ErrEmptyInput
	}
	tctx, cancel := context.WithTimeout(ctx, p.transcriptionTimeout)
	defer cancel()

	text, err := p.transcriber.Transcribe(tctx, audio)
	if err != nil {
		if errors.Is(err, stt.ErrNoAudio) {
			return "", ErrEmptyInput
		}
		return "", &UpstreamError{Service: ServiceTranscription, Err: err}
	}
	return text, nil
}

// retrieve degrades every failure to no context.
func (p *Pipeline) retrieve(ctx context.Context, input string) []string {
	rctx, cancel := context.WithTimeout(ctx, p.retrievalTimeout)
	defer cancel()

	snippets, err := p.retriever.Search(rctx, input)
	if err != nil {
		p.logger.Warn("retrieval failed, continuing without context", "error", err)
		return nil
	}
	if len(snippets) > 0 {
		p.logger.Debug("retrieved context", "snippets", len(snippets))
	}
	return snippets
}

func (p *Pipeline) record(ctx context.Context, turn *Turn) {
	if p.recorder == nil {
		return
	}
	// A cancelled request must not lose the record.
	err := p.recorder.Append(context.WithoutCancel(ctx), convlog.Record{
		Input:   turn.Input,
		Context: strings.Join(turn.Context, "\n\n"),
		Reply:   turn.Reply,
		Model:   turn.Model,
	})
	if err != nil {
		p.logger.Warn("failed to record conversation", "error", err)
	}
}
