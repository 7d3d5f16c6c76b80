package llm

import (
	"encoding/json"
	"time"

	"forgecli/internal/domain"
)

// --- chat-completions wire types ---

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StreamOpts  *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage uses *string for content so an assistant message that carried
// only tool calls serializes with content null, as the protocol requires.
type wireMessage struct {
	Role             string         `json:"role"`
	Content          *string        `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	Name             string         `json:"name,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireCallFunction `json:"function"`
}

type wireCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Created int64              `json:"created"`
	Choices []wireChoice       `json:"choices"`
	Usage   *domain.ChunkUsage `json:"usage,omitempty"`
}

type wireChoice struct {
	Index        int             `json:"index"`
	Message      wireRespMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type wireRespMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
}

// toWireRequest converts a domain request into the wire shape, preserving the
// tool-call ordering contract: an assistant message's tool_calls array is
// carried verbatim, and tool-role messages map their call ID to tool_call_id.
func toWireRequest(req domain.ChatRequest) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:             m.Role,
			ReasoningContent: m.Reasoning,
			Name:             m.Name,
			ToolCallID:       m.ToolCallID,
		}

		// Content null only for assistant messages that carry tool calls and
		// no text; everything else round-trips as a plain string.
		if m.Content != "" || len(m.ToolCalls) == 0 || m.Role != domain.RoleAssistant {
			content := m.Content
			wm.Content = &content
		}

		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			wm.ToolCalls = make([]wireToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				wm.ToolCalls[i] = wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireCallFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
		}

		msgs = append(msgs, wm)
	}

	wr := wireRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
	}
	if req.Stream {
		wr.StreamOpts = &streamOpts{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		wr.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		wr.Temperature = &req.Temperature
	}

	if len(req.Tools) > 0 {
		wr.Tools = make([]wireTool, len(req.Tools))
		for i, t := range req.Tools {
			wr.Tools[i] = wireTool{
				Type: "function",
				Function: wireToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	return wr
}

func fromWireResponse(resp wireResponse) *domain.ChatResponse {
	result := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		CreatedAt: time.Unix(resp.Created, 0),
	}
	if resp.Usage != nil {
		result.Usage = usageFromChunk(resp.Usage)
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		msg := domain.Message{
			Role:      choice.Message.Role,
			Content:   choice.Message.Content,
			Reasoning: choice.Message.ReasoningContent,
			Timestamp: result.CreatedAt,
		}
		if len(choice.Message.ToolCalls) > 0 {
			msg.ToolCalls = make([]domain.ToolCall, len(choice.Message.ToolCalls))
			for i, tc := range choice.Message.ToolCalls {
				msg.ToolCalls[i] = domain.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
					Status:    domain.ToolCallPending,
				}
			}
		}
		result.Message = msg
		result.FinishReason = choice.FinishReason
	}

	return result
}

// usageFromChunk maps a wire usage block into domain usage, including the
// provider-specific cached-token count.
func usageFromChunk(u *domain.ChunkUsage) domain.Usage {
	out := domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
