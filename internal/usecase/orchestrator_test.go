package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"forgecli/internal/domain"
)

func newTestOrchestrator(transport domain.Transport, tools domain.ToolExecutor, maxIter int) *Orchestrator {
	return NewOrchestrator(OrchestratorDeps{
		Transport:     transport,
		Tools:         tools,
		Logger:        newTestLogger(),
		MaxIterations: maxIter,
		ToolTimeout:   time.Second,
		FlushInterval: time.Millisecond,
	})
}

func TestRunTurnSimpleResponse(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{textChunk("Hello!"), finishChunk("stop")},
		},
	}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{}}, 10)

	session := NewSession(100000)
	result, err := orch.RunTurn(context.Background(), session, "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if result.Content != "Hello!" {
		t.Errorf("content = %q", result.Content)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1 (no continuations)", result.Iterations)
	}
	if result.StopReason != StopCompleted {
		t.Errorf("stop reason = %q", result.StopReason)
	}

	// Exactly one assistant message appended after the user message.
	msgs := session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "Hello!" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
}

func TestRunTurnToolLoopContinuationOrdering(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "lookup", `{"q":"a"}`),
				toolCallChunk(1, "call_2", "lookup", `{"q":"b"}`),
				finishChunk("tool_calls"),
			},
			{textChunk("done"), finishChunk("stop")},
		},
	}
	tool := &staticTool{name: "lookup", result: "found"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 10)

	session := NewSession(100000)
	result, err := orch.RunTurn(context.Background(), session, "look things up")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}

	// The continuation must be: assistant with tool_calls, then one tool-role
	// message per call ID in order, then the final assistant message.
	msgs := session.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || len(msgs[1].ToolCalls) != 2 {
		t.Fatalf("msgs[1] = %+v, want assistant with 2 tool calls", msgs[1])
	}
	if msgs[2].Role != domain.RoleTool || msgs[2].ToolCallID != "call_1" {
		t.Errorf("msgs[2] = role %q id %q, want tool/call_1", msgs[2].Role, msgs[2].ToolCallID)
	}
	if msgs[3].Role != domain.RoleTool || msgs[3].ToolCallID != "call_2" {
		t.Errorf("msgs[3] = role %q id %q, want tool/call_2", msgs[3].Role, msgs[3].ToolCallID)
	}
	if msgs[4].Role != domain.RoleAssistant || msgs[4].Content != "done" {
		t.Errorf("msgs[4] = %+v", msgs[4])
	}
}

func TestRunTurnFailingToolFeedsErrorBack(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "bash", `{"command":"false"}`),
				finishChunk("tool_calls"),
			},
			{textChunk("the command failed"), finishChunk("stop")},
		},
	}
	orch := newTestOrchestrator(transport, &mockToolExecutor{
		tools: map[string]domain.Tool{"bash": &errorTool{name: "bash"}},
	}, 10)

	session := NewSession(100000)
	_, err := orch.RunTurn(context.Background(), session, "run it")
	if err != nil {
		t.Fatalf("RunTurn: %v (tool failures must not abort the turn)", err)
	}

	msgs := session.Messages()
	toolMsg := msgs[2]
	if toolMsg.Role != domain.RoleTool {
		t.Fatalf("msgs[2] role = %q", toolMsg.Role)
	}
	if !strings.HasPrefix(toolMsg.Content, "Error:") {
		t.Errorf("tool message = %q, want Error: prefix", toolMsg.Content)
	}
	// A second model call must have happened.
	if transport.StreamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2", transport.StreamCalls())
	}
}

func TestRunTurnUnknownToolFeedsErrorBack(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "no_such_tool", `{}`),
				finishChunk("tool_calls"),
			},
			{textChunk("ok"), finishChunk("stop")},
		},
	}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{}}, 10)

	session := NewSession(100000)
	if _, err := orch.RunTurn(context.Background(), session, "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	toolMsg := session.Messages()[2]
	if !strings.HasPrefix(toolMsg.Content, "Error:") {
		t.Errorf("tool message = %q", toolMsg.Content)
	}
}

func TestRunTurnMaxIterations(t *testing.T) {
	// Every stream requests another tool call.
	script := []domain.ChatChunk{
		toolCallChunk(0, "call_1", "lookup", `{}`),
		finishChunk("tool_calls"),
	}
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{script, script, script, script, script},
	}
	tool := &staticTool{name: "lookup", result: "more"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 3)

	session := NewSession(100000)
	result, err := orch.RunTurn(context.Background(), session, "loop forever")
	if err != nil {
		t.Fatalf("RunTurn: %v (max iterations is terminal, not an error)", err)
	}
	if result.StopReason != StopMaxIterations {
		t.Errorf("stop reason = %q, want %q", result.StopReason, StopMaxIterations)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
}

func TestRunTurnTextCompoundsAcrossContinuations(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				textChunk("Let me check.\n\n\n"),
				toolCallChunk(0, "call_1", "lookup", `{}`),
				finishChunk("tool_calls"),
			},
			{textChunk("\n\nFound it."), finishChunk("stop")},
		},
	}
	tool := &staticTool{name: "lookup", result: "data"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 10)

	session := NewSession(100000)
	result, err := orch.RunTurn(context.Background(), session, "check")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	// Appended, not replaced, with at most one blank line at the join.
	if result.Content != "Let me check.\n\nFound it." {
		t.Errorf("content = %q", result.Content)
	}
}

func TestRunTurnMalformedArgumentsDegradeToEmptyObject(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "lookup", `{"broken": tru`),
				finishChunk("tool_calls"),
			},
			{textChunk("ok"), finishChunk("stop")},
		},
	}
	tool := &staticTool{name: "lookup", result: "r"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 10)

	session := NewSession(100000)
	if _, err := orch.RunTurn(context.Background(), session, "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	received := tool.Received()
	if len(received) != 1 {
		t.Fatalf("tool executed %d times, want 1", len(received))
	}
	if string(received[0]) != "{}" {
		t.Errorf("tool received %q, want empty object", received[0])
	}
}

func TestRunTurnStripsNullArguments(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "lookup", `{"path":null,"depth":2}`),
				finishChunk("tool_calls"),
			},
			{textChunk("ok"), finishChunk("stop")},
		},
	}
	tool := &staticTool{name: "lookup", result: "r"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 10)

	session := NewSession(100000)
	if _, err := orch.RunTurn(context.Background(), session, "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(tool.Received()[0], &got); err != nil {
		t.Fatalf("unmarshal received params: %v", err)
	}
	if _, ok := got["path"]; ok {
		t.Error("null field should have been stripped")
	}
	if got["depth"] != float64(2) {
		t.Errorf("depth = %v", got["depth"])
	}
}

func TestRunTurnToolTimeout(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "slow", `{}`),
				finishChunk("tool_calls"),
			},
			{textChunk("gave up"), finishChunk("stop")},
		},
	}
	orch := NewOrchestrator(OrchestratorDeps{
		Transport:     transport,
		Tools:         &mockToolExecutor{tools: map[string]domain.Tool{"slow": &slowTool{name: "slow", delay: time.Minute}}},
		Logger:        newTestLogger(),
		MaxIterations: 10,
		ToolTimeout:   20 * time.Millisecond,
		FlushInterval: time.Millisecond,
	})

	session := NewSession(100000)
	start := time.Now()
	_, err := orch.RunTurn(context.Background(), session, "go")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("turn took %s, timeout did not apply", elapsed)
	}

	toolMsg := session.Messages()[2]
	if !strings.HasPrefix(toolMsg.Content, "Error:") || !strings.Contains(toolMsg.Content, "timed out") {
		t.Errorf("tool message = %q", toolMsg.Content)
	}
}

func TestRunTurnCancellationSingleDoneEvent(t *testing.T) {
	transport := &scriptedTransport{hold: true}

	var mu sync.Mutex
	var doneEvents []domain.StreamEvent

	orch := NewOrchestrator(OrchestratorDeps{
		Transport:     transport,
		Tools:         &mockToolExecutor{tools: map[string]domain.Tool{}},
		Logger:        newTestLogger(),
		MaxIterations: 10,
		ToolTimeout:   time.Second,
		FlushInterval: time.Millisecond,
		OnEvent: func(ev domain.StreamEvent) {
			if ev.Kind == domain.EventDone {
				mu.Lock()
				doneEvents = append(doneEvents, ev)
				mu.Unlock()
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	session := NewSession(100000)
	result, err := orch.RunTurn(ctx, session, "stream forever")
	if err == nil {
		t.Fatal("expected context error from aborted turn")
	}
	if result == nil || !result.Aborted {
		t.Fatalf("result = %+v, want aborted", result)
	}
	if result.StopReason != StopAborted {
		t.Errorf("stop reason = %q", result.StopReason)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(doneEvents) != 1 {
		t.Fatalf("done events = %d, want exactly 1", len(doneEvents))
	}
	if !doneEvents[0].Aborted {
		t.Error("done event should be marked aborted")
	}
}

func TestRunTurnSessionLockSerializesTurns(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{textChunk("one"), finishChunk("stop")},
			{textChunk("two"), finishChunk("stop")},
		},
	}
	locker := NewSessionLocker()
	orch := NewOrchestrator(OrchestratorDeps{
		Transport:     transport,
		Tools:         &mockToolExecutor{tools: map[string]domain.Tool{}},
		Logger:        newTestLogger(),
		MaxIterations: 10,
		ToolTimeout:   time.Second,
		FlushInterval: time.Millisecond,
		Locker:        locker,
	})

	session := NewSession(100000)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := orch.RunTurn(context.Background(), session, "msg"); err != nil {
				t.Errorf("RunTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	if locker.ActiveCount() != 0 {
		t.Errorf("active locks = %d after turns finished", locker.ActiveCount())
	}
	// Both turns completed without interleaving corruption.
	if got := session.MessageCount(); got != 4 {
		t.Errorf("message count = %d, want 4", got)
	}
}

func TestJoinVisible(t *testing.T) {
	tests := []struct {
		name string
		acc  string
		next string
		want string
	}{
		{"empty acc", "", "hello", "hello"},
		{"empty next", "hello", "", "hello"},
		{"whitespace next", "hello", "\n\n  \n", "hello"},
		{"normal join", "first", "second", "first\n\nsecond"},
		{"trailing newlines collapsed", "first\n\n\n", "second", "first\n\nsecond"},
		{"leading newlines collapsed", "first", "\n\n\nsecond", "first\n\nsecond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinVisible(tt.acc, tt.next); got != tt.want {
				t.Errorf("joinVisible(%q, %q) = %q, want %q", tt.acc, tt.next, got, tt.want)
			}
		})
	}
}

func TestSanitizeArguments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "{}"},
		{"whitespace", "  \n ", "{}"},
		{"malformed", `{"a": tru`, "{}"},
		{"array not object", `[1,2]`, "{}"},
		{"valid", `{"a":1}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(sanitizeArguments(tt.in)); got != tt.want {
				t.Errorf("sanitizeArguments(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRunTurnCancelledMidToolCallsKeepsTranscriptWellFormed(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "lookup", `{"q":"a"}`),
				toolCallChunk(1, "call_2", "lookup", `{"q":"b"}`),
			},
		},
		holdAfter: true,
	}
	tool := &staticTool{name: "lookup", result: "found"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	session := NewSession(100000)
	result, err := orch.RunTurn(ctx, session, "look things up")
	if err == nil {
		t.Fatal("expected context error")
	}
	if !result.Aborted {
		t.Error("result should be aborted")
	}
	if len(tool.Received()) != 0 {
		t.Error("cancelled calls must not execute")
	}

	// The transcript must still pair the assistant's tool calls with one
	// tool-role reply each, or the next model call is rejected.
	msgs := session.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || len(msgs[1].ToolCalls) != 2 {
		t.Fatalf("msgs[1] = %+v, want assistant with 2 tool calls", msgs[1])
	}
	for i, call := range msgs[1].ToolCalls {
		if call.Status != domain.ToolCallError {
			t.Errorf("call %d status = %q, want error", i, call.Status)
		}
		reply := msgs[2+i]
		if reply.Role != domain.RoleTool || reply.ToolCallID != call.ID {
			t.Errorf("msgs[%d] = role %q id %q, want tool/%s", 2+i, reply.Role, reply.ToolCallID, call.ID)
		}
		if !strings.Contains(reply.Content, "cancelled") {
			t.Errorf("reply content = %q", reply.Content)
		}
	}
}

func TestRunTurnRecordsToolCallStatusAndResult(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				toolCallChunk(0, "call_1", "lookup", `{"q":"a"}`),
				toolCallChunk(1, "call_2", "bash", `{"command":"false"}`),
				finishChunk("tool_calls"),
			},
			{textChunk("done"), finishChunk("stop")},
		},
	}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{
		"lookup": &staticTool{name: "lookup", result: "found"},
		"bash":   &errorTool{name: "bash"},
	}}, 10)

	session := NewSession(100000)
	if _, err := orch.RunTurn(context.Background(), session, "go"); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs := session.Messages()
	calls := msgs[1].ToolCalls
	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].Status != domain.ToolCallSuccess || calls[0].Result != "found" {
		t.Errorf("call_1 = status %q result %q, want success/found", calls[0].Status, calls[0].Result)
	}
	if calls[1].Status != domain.ToolCallError || !strings.HasPrefix(calls[1].Result, "Error:") {
		t.Errorf("call_2 = status %q result %q, want error with prefix", calls[1].Status, calls[1].Result)
	}
}

func TestRunTurnDropsCallsWithoutToolCallsFinish(t *testing.T) {
	transport := &scriptedTransport{
		scripts: [][]domain.ChatChunk{
			{
				textChunk("never mind"),
				toolCallChunk(0, "call_1", "lookup", `{"q":"a"}`),
				finishChunk("stop"),
			},
		},
	}
	tool := &staticTool{name: "lookup", result: "found"}
	orch := newTestOrchestrator(transport, &mockToolExecutor{tools: map[string]domain.Tool{"lookup": tool}}, 10)

	session := NewSession(100000)
	result, err := orch.RunTurn(context.Background(), session, "maybe look it up")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.StopReason != StopCompleted {
		t.Errorf("stop reason = %q", result.StopReason)
	}
	if len(tool.Received()) != 0 {
		t.Error("calls without a tool_calls finish must not execute")
	}

	msgs := session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 0 {
		t.Errorf("assistant message still carries %d unexecuted tool calls", len(msgs[1].ToolCalls))
	}
}
