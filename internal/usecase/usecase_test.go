package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forgecli/internal/domain"
)

// --- Mocks ---

func newTestLogger() *slog.Logger { return slog.Default() }

func strPtr(s string) *string { return &s }

// scriptedTransport plays back one chunk script per StreamChat call and one
// response per Complete call.
type scriptedTransport struct {
	mu        sync.Mutex
	scripts   [][]domain.ChatChunk
	responses []domain.ChatResponse
	streamIdx int
	callIdx   int

	// hold makes StreamChat return a channel that never produces or closes,
	// for cancellation tests.
	hold bool
	// holdAfter delivers the script's chunks but never closes the channel,
	// for cancellation after partial output.
	holdAfter bool

	lastRequest domain.ChatRequest
}

func (s *scriptedTransport) StreamChat(_ context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequest = req

	if s.hold {
		return make(chan domain.ChatChunk), nil
	}

	var script []domain.ChatChunk
	if s.streamIdx < len(s.scripts) {
		script = s.scripts[s.streamIdx]
	}
	s.streamIdx++

	ch := make(chan domain.ChatChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	if !s.holdAfter {
		close(ch)
	}
	return ch, nil
}

func (s *scriptedTransport) Complete(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequest = req

	if s.callIdx >= len(s.responses) {
		return &domain.ChatResponse{
			Message: domain.Message{Role: domain.RoleAssistant, Content: "fallback"},
		}, nil
	}
	resp := s.responses[s.callIdx]
	s.callIdx++
	return &resp, nil
}

func (s *scriptedTransport) StreamCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamIdx
}

// textChunk is a chunk carrying one content delta.
func textChunk(content string) domain.ChatChunk {
	return domain.ChatChunk{
		Choices: []domain.ChunkChoice{{Delta: domain.ChunkDelta{Content: content}}},
	}
}

// finishChunk is a terminal chunk with a finish reason.
func finishChunk(reason string) domain.ChatChunk {
	return domain.ChatChunk{
		Choices: []domain.ChunkChoice{{FinishReason: strPtr(reason)}},
	}
}

// toolCallChunk carries one tool-call delta fragment.
func toolCallChunk(index int, id, name, args string) domain.ChatChunk {
	return domain.ChatChunk{
		Choices: []domain.ChunkChoice{{
			Delta: domain.ChunkDelta{
				ToolCalls: []domain.ChunkToolCall{{
					Index:    index,
					ID:       id,
					Function: domain.ChunkToolFunction{Name: name, Arguments: args},
				}},
			},
		}},
	}
}

type mockToolExecutor struct {
	tools map[string]domain.Tool
}

func (m *mockToolExecutor) Get(name string) (domain.Tool, error) {
	t, ok := m.tools[name]
	if !ok {
		return nil, domain.NewDomainError("mockToolExecutor.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (m *mockToolExecutor) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(m.tools))
	for _, t := range m.tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

type staticTool struct {
	name   string
	result string

	mu       sync.Mutex
	received []json.RawMessage
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "static test tool" }
func (t *staticTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description()}
}
func (t *staticTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.received = append(t.received, params)
	t.mu.Unlock()
	return &domain.ToolResult{Content: t.result}, nil
}

func (t *staticTool) Received() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]json.RawMessage(nil), t.received...)
}

type errorTool struct {
	name string
}

func (t *errorTool) Name() string              { return t.name }
func (t *errorTool) Description() string       { return "error test tool" }
func (t *errorTool) Schema() domain.ToolSchema { return domain.ToolSchema{Name: t.name} }
func (t *errorTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return nil, fmt.Errorf("command exited with status 1")
}

type slowTool struct {
	name  string
	delay time.Duration
}

func (t *slowTool) Name() string              { return t.name }
func (t *slowTool) Description() string       { return "slow test tool" }
func (t *slowTool) Schema() domain.ToolSchema { return domain.ToolSchema{Name: t.name} }
func (t *slowTool) Execute(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	select {
	case <-time.After(t.delay):
		return &domain.ToolResult{Content: "finally"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
