package domain

import "context"

// Completer performs one non-streaming completion. Used for single-shot calls
// such as compaction summaries.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatStreamer starts a streamed completion and returns a channel of chunks.
// The channel is closed when the stream ends or ctx is cancelled.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)
}

// Transport combines the two call shapes a conversation turn needs.
type Transport interface {
	Completer
	ChatStreamer
}
