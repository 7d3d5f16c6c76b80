package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallStatus tracks the execution lifecycle of a tool call.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall represents an LLM's request to invoke a tool. Arguments is the
// serialized argument text; it is not guaranteed to be valid JSON until the
// stream that produced it has ended.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments"`
	Status    ToolCallStatus `json:"status,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string            `json:"tool_call_id"`
	Content    string            `json:"content"`
	IsError    bool              `json:"is_error"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolExecutor abstracts tool lookup and execution. The orchestrator is
// agnostic to tool behavior; it only consumes this interface.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}
