package minitime

import "context"

// Provider is a model gateway. Implementations translate the neutral
// request/response types to a concrete chat-completion wire format.
type Provider interface {
	// Chat performs a single blocking completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream performs a completion, emitting EventTextDelta events
	// on ch as text arrives. Tool-call deltas are accumulated internally
	// and returned complete on the final response. ChatStream does not
	// close ch; the caller owns the channel.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (*ChatResponse, error)

	// Name identifies the provider for logging and error reporting.
	Name() string
}
