package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forgecli/internal/domain"
	"forgecli/internal/infra/tracer"
)

// turnPhase is the explicit state of the tool-execution loop. The recursive
// "continue after tools" control flow is expressed as a loop over these
// phases with an iteration counter, bounding depth independent of the stack.
type turnPhase int

const (
	phaseStreaming turnPhase = iota
	phaseExecuting
	phaseContinuing
	phaseDone
)

// Stop reasons reported in TurnResult.
const (
	StopCompleted     = "stop"
	StopMaxIterations = "max_iterations"
	StopAborted       = "aborted"
)

// OrchestratorDeps holds injected dependencies for the tool orchestrator.
type OrchestratorDeps struct {
	Transport domain.Transport
	Tools     domain.ToolExecutor
	Logger    *slog.Logger

	MaxIterations int           // cap on model calls per turn, default 10
	ToolTimeout   time.Duration // per-tool execution bound, default 60s
	FlushInterval time.Duration // UI update coalescing interval, default 100ms

	Locker *SessionLocker // optional, nil = no session locking

	// OnEvent receives every discrete stream event, in order. Optional.
	OnEvent func(domain.StreamEvent)
	// OnUpdate receives the coalesced visible text at FlushInterval
	// granularity rather than per token. Optional.
	OnUpdate func(text string)
}

// Orchestrator drives one conversation turn: stream the model response,
// execute requested tool calls, re-enter the model with a continuation, and
// repeat until a final answer or the iteration cap.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an orchestrator with defaults applied.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 10
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = 60 * time.Second
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = 100 * time.Millisecond
	}
	return &Orchestrator{deps: deps}
}

// TurnResult is the terminal outcome of one turn.
type TurnResult struct {
	Content    string
	Usage      domain.Usage
	Iterations int
	Aborted    bool
	StopReason string
}

// RunTurn processes a single user message through the full tool loop.
//
// Only authentication failures and exhausted retries abort the turn; tool
// failures are reported to the model in-band and never fail the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, session *Session, userMsg string) (*TurnResult, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run_turn")
	defer span.End()

	if o.deps.Locker != nil {
		unlock, err := o.deps.Locker.Lock(ctx, session.ID)
		if err != nil {
			return nil, domain.WrapOp("Orchestrator.RunTurn", err)
		}
		defer unlock()
	}

	ctx = domain.ContextWithSessionID(ctx, session.ID)

	session.AddMessage(domain.Message{
		Role:      domain.RoleUser,
		Content:   userMsg,
		Timestamp: time.Now(),
	})

	flusher := newUpdateFlusher(o.deps.OnUpdate, o.deps.FlushInterval)

	var visible string
	var totalUsage domain.Usage
	iterations := 0
	phase := phaseStreaming

	for phase != phaseDone {
		if iterations >= o.deps.MaxIterations {
			// Runaway tool loop: terminal result, not an error.
			flusher.flush()
			tracer.RecordError(span, domain.ErrMaxIterations)
			return &TurnResult{
				Content:    visible,
				Usage:      totalUsage,
				Iterations: iterations,
				StopReason: StopMaxIterations,
			}, nil
		}

		span.AddEvent("orchestrator.iteration", trace.WithAttributes(tracer.IntAttr("iteration", iterations)))

		// STREAMING: drive one model call to completion.
		msg, state, aborted, err := o.streamOnce(ctx, session, iterations, flusher)
		iterations++
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}

		totalUsage.Add(state.Usage())
		visible = joinVisible(visible, msg.Content)

		if aborted {
			o.closeAbortedMessage(session, msg)
			flusher.flush()
			return &TurnResult{
				Content:    visible,
				Usage:      totalUsage,
				Iterations: iterations,
				Aborted:    true,
				StopReason: StopAborted,
			}, ctx.Err()
		}

		if state.FinishReason() != "tool_calls" || len(msg.ToolCalls) == 0 {
			// Calls buffered without a tool_calls finish were never requested
			// for execution; drop them so the transcript stays well formed.
			msg.ToolCalls = nil
			session.AddMessage(msg)
			phase = phaseDone
			continue
		}
		phase = phaseExecuting

		// EXECUTING: run the batch sequentially. Later tool arguments may
		// depend on files written by earlier ones. Each call's status and
		// result are recorded on the assistant message before it is stored.
		toolMsgs := make([]domain.Message, 0, len(msg.ToolCalls))
		for i := range msg.ToolCalls {
			msg.ToolCalls[i].Status = domain.ToolCallRunning
			toolMsg, ok := o.executeToolCall(ctx, msg.ToolCalls[i])
			if ok {
				msg.ToolCalls[i].Status = domain.ToolCallSuccess
			} else {
				msg.ToolCalls[i].Status = domain.ToolCallError
			}
			msg.ToolCalls[i].Result = toolMsg.Content
			toolMsgs = append(toolMsgs, toolMsg)
		}

		// CONTINUING: store the assistant message followed by one tool-role
		// message per call ID, in order. That is the exact continuation the
		// wire protocol requires.
		session.AddMessage(msg)
		for _, toolMsg := range toolMsgs {
			session.AddMessage(toolMsg)
		}
		phase = phaseStreaming
	}

	flusher.flush()
	tracer.SetOK(span)

	o.deps.Logger.Debug("turn completed",
		"iterations", iterations,
		"tokens", totalUsage.TotalTokens,
	)

	return &TurnResult{
		Content:    visible,
		Usage:      totalUsage,
		Iterations: iterations,
		StopReason: StopCompleted,
	}, nil
}

// streamOnce performs one model call, aggregating the chunk stream into a
// message. Exactly one done event fires, even when the stream is aborted.
func (o *Orchestrator) streamOnce(ctx context.Context, session *Session, iteration int, flusher *updateFlusher) (domain.Message, *StreamState, bool, error) {
	req := domain.ChatRequest{
		Messages: session.Messages(),
		Tools:    o.deps.Tools.Schemas(),
		Stream:   true,
	}

	ch, err := o.deps.Transport.StreamChat(ctx, req)
	if err != nil {
		return domain.Message{}, nil, false, err
	}

	state := NewStreamState()
	aborted := false

chunkLoop:
	for {
		select {
		case <-ctx.Done():
			aborted = true
			break chunkLoop
		case chunk, ok := <-ch:
			if !ok {
				break chunkLoop
			}
			for _, ev := range state.Apply(chunk) {
				o.emit(ev, flusher)
			}
		}
	}

	done := state.DoneEvent(aborted)
	o.emit(done, flusher)

	o.deps.Logger.Debug("model stream finished",
		"iteration", iteration,
		"finish_reason", state.FinishReason(),
		"aborted", aborted,
	)

	return state.Finalize(), state, aborted, nil
}

func (o *Orchestrator) emit(ev domain.StreamEvent, flusher *updateFlusher) {
	if o.deps.OnEvent != nil {
		o.deps.OnEvent(ev)
	}
	switch ev.Kind {
	case domain.EventContentDelta:
		flusher.add(ev.Content)
	case domain.EventDone:
		flusher.flush()
	}
}

// closeAbortedMessage stores a cancelled stream's final message. Buffered tool
// calls were never executed, so each gets an error status and one synthetic
// tool-role reply; a tool-calling assistant message with no replies would be
// rejected by the backend on the next turn.
func (o *Orchestrator) closeAbortedMessage(session *Session, msg domain.Message) {
	const cancelled = "Error: cancelled before execution"
	for i := range msg.ToolCalls {
		msg.ToolCalls[i].Status = domain.ToolCallError
		msg.ToolCalls[i].Result = cancelled
	}
	session.AddMessage(msg)
	for _, call := range msg.ToolCalls {
		session.AddMessage(domain.Message{
			Role:       domain.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    cancelled,
			Timestamp:  time.Now(),
		})
	}
}

// executeToolCall runs a single tool call and returns its tool-role message
// plus whether it succeeded. Failures degrade to an "Error:"-prefixed result;
// they never abort the turn.
func (o *Orchestrator) executeToolCall(ctx context.Context, call domain.ToolCall) (domain.Message, bool) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	toolMsg := func(content string, isErr bool) domain.Message {
		if isErr && !strings.HasPrefix(content, "Error:") {
			content = "Error: " + content
		}
		return domain.Message{
			Role:       domain.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    content,
			Timestamp:  time.Now(),
		}
	}

	tool, err := o.deps.Tools.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return toolMsg(err.Error(), true), false
	}

	params := sanitizeArguments(call.Arguments)

	tctx, cancel := context.WithTimeout(ctx, o.deps.ToolTimeout)
	defer cancel()

	type outcome struct {
		result *domain.ToolResult
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, execErr := tool.Execute(tctx, params)
		resCh <- outcome{result, execErr}
	}()

	select {
	case <-tctx.Done():
		// Timeout yields an error result instead of hanging the turn.
		err := domain.NewDomainError("Orchestrator.executeToolCall", domain.ErrToolTimeout, call.Name)
		tracer.RecordError(span, err)
		o.deps.Logger.Warn("tool timed out", "tool", call.Name, "timeout", o.deps.ToolTimeout)
		return toolMsg(fmt.Sprintf("tool %q timed out after %s", call.Name, o.deps.ToolTimeout), true), false
	case out := <-resCh:
		if out.err != nil {
			tracer.RecordError(span, out.err)
			o.deps.Logger.Warn("tool failed", "tool", call.Name, "error", out.err)
			return toolMsg(out.err.Error(), true), false
		}
		if out.result.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", out.result.Content))
			return toolMsg(out.result.Content, true), false
		}
		tracer.SetOK(span)
		return toolMsg(out.result.Content, false), true
	}
}

// sanitizeArguments parses accumulated argument text defensively: malformed
// JSON degrades to an empty object rather than failing the turn, and
// null-valued optional fields are stripped before schema validation.
func sanitizeArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return json.RawMessage("{}")
	}

	for k, v := range parsed {
		if v == nil {
			delete(parsed, k)
		}
	}

	clean, err := json.Marshal(parsed)
	if err != nil {
		return json.RawMessage("{}")
	}
	return clean
}

// joinVisible appends the continuation's text to prior visible text with
// at-most-one-blank-line whitespace normalization at the join.
func joinVisible(acc, next string) string {
	next = strings.TrimLeft(next, "\n")
	if strings.TrimSpace(next) == "" {
		return acc
	}
	if strings.TrimSpace(acc) == "" {
		return next
	}
	return strings.TrimRight(acc, "\n") + "\n\n" + next
}

// updateFlusher coalesces UI-facing text updates at a fixed interval rather
// than per token, bounding update overhead.
type updateFlusher struct {
	fn       func(string)
	interval time.Duration
	last     time.Time
	buf      strings.Builder
}

func newUpdateFlusher(fn func(string), interval time.Duration) *updateFlusher {
	return &updateFlusher{fn: fn, interval: interval}
}

func (f *updateFlusher) add(text string) {
	if f.fn == nil {
		return
	}
	f.buf.WriteString(text)
	if time.Since(f.last) >= f.interval {
		f.flush()
	}
}

func (f *updateFlusher) flush() {
	if f.fn == nil || f.buf.Len() == 0 {
		return
	}
	f.fn(f.buf.String())
	f.buf.Reset()
	f.last = time.Now()
}
