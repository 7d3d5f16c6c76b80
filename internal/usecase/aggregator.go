package usecase

import (
	"sort"
	"strings"
	"time"

	"forgecli/internal/domain"
)

// maxToolCallSlots bounds the number of tool-call indices the aggregator will
// track. Indices beyond this bound are silently dropped to prevent memory
// exhaustion from malformed streaming deltas.
const maxToolCallSlots = 50

// PartialToolCall accumulates the fragments of one tool call, keyed by its
// stream index. The ID and function name may arrive several fragments after
// argument text starts; fragments preceding them are buffered, not dropped.
type PartialToolCall struct {
	ID      string
	Name    string
	args    strings.Builder
	started bool // tool_call_start emitted
}

// Arguments returns the argument text accumulated so far.
func (p *PartialToolCall) Arguments() string { return p.args.String() }

// StreamState is the per-in-flight-turn accumulator for one model response.
// Created per call and discarded once finalized into a Message.
type StreamState struct {
	role      string
	content   strings.Builder
	reasoning strings.Builder
	calls     map[int]*PartialToolCall

	finishReason string
	usage        domain.Usage
	hasUsage     bool
	doneEmitted  bool
}

// NewStreamState creates an empty accumulator.
func NewStreamState() *StreamState {
	return &StreamState{calls: make(map[int]*PartialToolCall)}
}

// Apply merges one chunk into the state and returns the discrete events it
// produced, in delta arrival order. No speculative events are emitted: a
// tool_call_start fires only once both ID and name are known, carrying every
// buffered argument fragment seen so far.
func (st *StreamState) Apply(chunk domain.ChatChunk) []domain.StreamEvent {
	var events []domain.StreamEvent

	for _, choice := range chunk.Choices {
		d := choice.Delta

		if d.Role != "" {
			st.role = d.Role
		}

		if d.Content != "" {
			st.content.WriteString(d.Content)
			events = append(events, domain.StreamEvent{
				Kind:    domain.EventContentDelta,
				Content: d.Content,
			})
		}

		if d.ReasoningContent != "" {
			st.reasoning.WriteString(d.ReasoningContent)
			events = append(events, domain.StreamEvent{
				Kind:    domain.EventReasoningDelta,
				Content: d.ReasoningContent,
			})
		}

		for _, tc := range d.ToolCalls {
			if ev, ok := st.applyToolCallDelta(tc); ok {
				events = append(events, ev)
			}
		}

		// finish_reason is sticky: last non-null wins.
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			st.finishReason = *choice.FinishReason
		}
	}

	// Usage arrives only on terminal chunks.
	if chunk.Usage != nil {
		st.usage = domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
		if chunk.Usage.PromptTokensDetails != nil {
			st.usage.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
		}
		st.hasUsage = true
	}

	return events
}

func (st *StreamState) applyToolCallDelta(tc domain.ChunkToolCall) (domain.StreamEvent, bool) {
	if tc.Index < 0 || tc.Index >= maxToolCallSlots {
		return domain.StreamEvent{}, false
	}

	pc, ok := st.calls[tc.Index]
	if !ok {
		pc = &PartialToolCall{}
		st.calls[tc.Index] = pc
	}

	if tc.ID != "" {
		pc.ID = tc.ID
	}
	if tc.Function.Name != "" {
		pc.Name = tc.Function.Name
	}

	fragment := tc.Function.Arguments
	if fragment != "" {
		pc.args.WriteString(fragment)
	}

	if !pc.started {
		if pc.ID == "" || pc.Name == "" {
			// Buffered: the identifying pair has not arrived yet.
			return domain.StreamEvent{}, false
		}
		pc.started = true
		return domain.StreamEvent{
			Kind:       domain.EventToolCallStart,
			Index:      tc.Index,
			ToolCallID: pc.ID,
			ToolName:   pc.Name,
			Content:    pc.Arguments(), // every fragment seen so far
		}, true
	}

	if fragment == "" {
		return domain.StreamEvent{}, false
	}
	return domain.StreamEvent{
		Kind:       domain.EventToolCallDelta,
		Index:      tc.Index,
		ToolCallID: pc.ID,
		ToolName:   pc.Name,
		Content:    fragment,
	}, true
}

// Content returns the accumulated visible text.
func (st *StreamState) Content() string { return st.content.String() }

// FinishReason returns the sticky finish reason, empty if none arrived.
func (st *StreamState) FinishReason() string { return st.finishReason }

// Usage returns the usage captured from terminal chunks.
func (st *StreamState) Usage() domain.Usage { return st.usage }

// DoneEvent produces the single terminal event for this stream. It panics on
// a second call: exactly one done event must fire per stream so downstream
// state is finalized exactly once.
func (st *StreamState) DoneEvent(aborted bool) domain.StreamEvent {
	if st.doneEmitted {
		panic("stream state: done event emitted twice")
	}
	st.doneEmitted = true
	ev := domain.StreamEvent{
		Kind:         domain.EventDone,
		FinishReason: st.finishReason,
		Aborted:      aborted,
	}
	if st.hasUsage {
		u := st.usage
		ev.Usage = &u
	}
	return ev
}

// Finalize builds the assistant message from the accumulated state. Tool
// calls are ordered by stream index.
func (st *StreamState) Finalize() domain.Message {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   st.content.String(),
		Reasoning: st.reasoning.String(),
		Timestamp: time.Now(),
	}
	if st.role != "" {
		msg.Role = st.role
	}

	if len(st.calls) > 0 {
		indices := make([]int, 0, len(st.calls))
		for idx := range st.calls {
			indices = append(indices, idx)
		}
		sort.Ints(indices)

		msg.ToolCalls = make([]domain.ToolCall, 0, len(indices))
		for _, idx := range indices {
			pc := st.calls[idx]
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:        pc.ID,
				Name:      pc.Name,
				Arguments: pc.Arguments(),
				Status:    domain.ToolCallPending,
			})
		}
	}

	return msg
}
