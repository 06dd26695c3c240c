// Package llm provides the language model client used by the
// conversation pipeline.
package llm

import "context"

// Client is the interface that LLM providers implement.
type Client interface {
	// Chat sends the ordered messages and returns the single reply.
	// Each call is one attempt; callers bound it with ctx.
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
