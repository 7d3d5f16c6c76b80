package domain

// ChatChunk is one incremental unit of a streamed model response, in the
// chat-completions wire shape.
type ChatChunk struct {
	ID      string        `json:"id"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChunkUsage   `json:"usage,omitempty"`
}

// ChunkChoice is a per-choice delta within a chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental fields of a choice.
type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChunkToolCall `json:"tool_calls,omitempty"`
}

// ChunkToolCall is a tool-call fragment. Fragments are keyed by Index, not ID:
// the ID and function name may arrive several fragments after the call starts.
type ChunkToolCall struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function ChunkToolFunction `json:"function"`
}

// ChunkToolFunction carries the function name and an argument text fragment.
type ChunkToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChunkUsage is the usage block of a terminal chunk.
type ChunkUsage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails holds provider-specific prompt token breakdowns.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// StreamEventKind identifies the discrete events the aggregator emits.
type StreamEventKind string

const (
	EventContentDelta   StreamEventKind = "content_delta"
	EventReasoningDelta StreamEventKind = "reasoning_delta"
	EventToolCallStart  StreamEventKind = "tool_call_start"
	EventToolCallDelta  StreamEventKind = "tool_call_delta"
	EventDone           StreamEventKind = "done"
)

// StreamEvent is a discrete event produced while aggregating a model stream.
// Exactly one EventDone fires per stream, even when the stream is aborted.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`

	// Content carries the delta text for content/reasoning events, and the
	// incremental argument text for tool_call_delta events. For
	// tool_call_start it holds every buffered argument fragment seen so far.
	Content string `json:"content,omitempty"`

	// Index is the tool-call slot for tool call events.
	Index      int    `json:"index,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Terminal fields, set on EventDone only.
	FinishReason string `json:"finish_reason,omitempty"`
	Aborted      bool   `json:"aborted,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}
