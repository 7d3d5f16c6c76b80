package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"forgecli/internal/domain"
	"forgecli/internal/infra/config"
	"forgecli/internal/infra/tracer"
)

// Fixed token overheads added on top of raw text estimates. They account for
// the wire framing the estimator never sees: system scaffolding, per-message
// role envelopes, and tool-call JSON structure.
const (
	baseOverheadTokens        = 800
	perMessageOverheadTokens  = 4
	perToolCallOverheadTokens = 10
)

// prunedOutputPlaceholder replaces old tool outputs before summarization.
const prunedOutputPlaceholder = "[tool output pruned during compaction]"

// compactionFailureNotice is shown to the user when summarization fails. The
// conversation continues uncompacted.
const compactionFailureNotice = "Context compaction failed; continuing with the full conversation history."

// summaryMessageName tags the synthetic system message carrying the summary.
const summaryMessageName = "context_compaction"

// ContextUsage reports the estimated fullness of a session's context window.
type ContextUsage struct {
	Tokens int
	Window int
	Ratio  float64
}

// CompactionResult reports the outcome of a compaction attempt.
type CompactionResult struct {
	Compacted bool
	// Notice is user-facing text describing the outcome, set when the
	// attempt was skipped or degraded.
	Notice string
	// Continuation is the prompt text to seed the next model call with
	// after a successful compaction.
	Continuation string
	Before       int
	After        int
}

type cachedEstimate struct {
	usage     ContextUsage
	messages  int
	expiresAt time.Time
}

// CompactionEngine estimates context usage and, when the window fills up,
// replaces the conversation prefix with a model-written summary.
type CompactionEngine struct {
	llm    domain.Completer
	est    TokenEstimator
	cfg    config.CompactionConfig
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	cache    map[string]cachedEstimate

	now func() time.Time
}

// NewCompactionEngine wires a completer and token estimator into a compaction
// engine with the given policy.
func NewCompactionEngine(llm domain.Completer, est TokenEstimator, cfg config.CompactionConfig, logger *slog.Logger) *CompactionEngine {
	return &CompactionEngine{
		llm:      llm,
		est:      est,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]bool),
		cache:    make(map[string]cachedEstimate),
		now:      time.Now,
	}
}

// EstimateUsage returns the estimated token usage for the session. Estimates
// are cached per session for the configured TTL; the cache also invalidates
// when the message count changes.
func (e *CompactionEngine) EstimateUsage(s *Session) ContextUsage {
	count := s.MessageCount()

	e.mu.Lock()
	if c, ok := e.cache[s.ID]; ok && c.messages == count && e.now().Before(c.expiresAt) {
		e.mu.Unlock()
		return c.usage
	}
	e.mu.Unlock()

	tokens := baseOverheadTokens
	for _, msg := range s.Messages() {
		tokens += perMessageOverheadTokens
		tokens += e.est.EstimateText(msg.Content)
		tokens += e.est.EstimateText(msg.Reasoning)
		for _, call := range msg.ToolCalls {
			tokens += perToolCallOverheadTokens
			tokens += e.est.EstimateText(call.Name)
			tokens += e.est.EstimateText(call.Arguments)
			tokens += e.est.EstimateText(call.Result)
		}
	}

	window := s.Window()
	usage := ContextUsage{Tokens: tokens, Window: window}
	if window > 0 {
		usage.Ratio = float64(tokens) / float64(window)
	}

	e.mu.Lock()
	e.cache[s.ID] = cachedEstimate{
		usage:     usage,
		messages:  count,
		expiresAt: e.now().Add(e.cfg.CacheTTL),
	}
	e.mu.Unlock()

	return usage
}

// ShouldCompact reports whether usage has crossed the automatic trigger.
func (e *CompactionEngine) ShouldCompact(s *Session) bool {
	return e.EstimateUsage(s).Ratio >= e.cfg.TriggerRatio
}

// InWarningBand reports whether usage is high enough to warn about but below
// the automatic trigger.
func (e *CompactionEngine) InWarningBand(s *Session) bool {
	r := e.EstimateUsage(s).Ratio
	return r >= e.cfg.WarnRatio && r < e.cfg.TriggerRatio
}

// Compact summarizes the conversation prefix and replaces it with a single
// synthetic system message, keeping the most recent messages verbatim.
//
// Summarization failure is not an error: the result carries a user-facing
// notice and the history is left untouched. Concurrent calls for the same
// session are rejected with ErrCompactionInFlight.
func (e *CompactionEngine) Compact(ctx context.Context, s *Session, manual bool) (*CompactionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "compaction.compact")
	defer span.End()

	e.mu.Lock()
	if e.inflight[s.ID] {
		e.mu.Unlock()
		err := domain.WrapOp("CompactionEngine.Compact", domain.ErrCompactionInFlight)
		tracer.RecordError(span, err)
		return nil, err
	}
	e.inflight[s.ID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, s.ID)
		e.mu.Unlock()
	}()

	before := e.EstimateUsage(s)

	if s.MessageCount() <= e.cfg.Retention {
		res := &CompactionResult{Before: before.Tokens, After: before.Tokens}
		if manual {
			res.Notice = fmt.Sprintf("Nothing to compact: only %d messages in history.", s.MessageCount())
		}
		return res, nil
	}

	msgs := s.Messages()
	toCompact := msgs[:len(msgs)-e.cfg.Retention]
	pruneOldToolOutputs(toCompact, e.cfg.KeepToolOutputs)

	prompt := buildSummaryPrompt(toCompact)

	resp, err := e.llm.Complete(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: summarizerSystemPrompt},
			{Role: domain.RoleUser, Content: prompt},
		},
		MaxTokens:   e.cfg.MaxSummaryToken,
		Temperature: 0.2,
	})
	if err != nil {
		e.logger.Warn("compaction summarization failed", "session", s.ID, "error", err)
		tracer.RecordError(span, err)
		return &CompactionResult{
			Notice: compactionFailureNotice,
			Before: before.Tokens,
			After:  before.Tokens,
		}, nil
	}

	summary := domain.Message{
		Role:      domain.RoleSystem,
		Name:      summaryMessageName,
		Content:   "Conversation summary (earlier messages were compacted):\n\n" + resp.Message.Content,
		Timestamp: e.now(),
	}
	s.ReplacePrefix(summary, e.cfg.Retention)

	e.mu.Lock()
	delete(e.cache, s.ID)
	e.mu.Unlock()

	after := e.EstimateUsage(s)

	e.logger.Info("context compacted",
		"session", s.ID,
		"before_tokens", before.Tokens,
		"after_tokens", after.Tokens,
		"manual", manual,
	)
	tracer.SetOK(span)

	return &CompactionResult{
		Compacted:    true,
		Continuation: continuationPrompt(manual),
		Before:       before.Tokens,
		After:        after.Tokens,
	}, nil
}

// pruneOldToolOutputs replaces tool outputs with a placeholder, except in the
// last keep tool-bearing messages. Operates on the caller's copy in place.
func pruneOldToolOutputs(msgs []domain.Message, keep int) {
	toolBearing := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		bearing := m.Role == domain.RoleTool || len(m.ToolCalls) > 0
		if !bearing {
			continue
		}
		toolBearing++
		if toolBearing <= keep {
			continue
		}
		if m.Role == domain.RoleTool && m.Content != "" {
			m.Content = prunedOutputPlaceholder
		}
		// The ToolCalls backing array is shared with the session; copy before
		// mutating so a failed summarization leaves history intact.
		m.ToolCalls = append([]domain.ToolCall(nil), m.ToolCalls...)
		for j := range m.ToolCalls {
			if m.ToolCalls[j].Result != "" {
				m.ToolCalls[j].Result = prunedOutputPlaceholder
			}
		}
	}
}

const summarizerSystemPrompt = `You are a conversation summarizer for a coding assistant. Produce a faithful, structured summary of the transcript you are given. Preserve technical detail exactly: file paths, commands, error messages, and decisions.`

func buildSummaryPrompt(msgs []domain.Message) string {
	var b strings.Builder

	b.WriteString("Summarize the following conversation transcript. Structure the summary under these headings:\n")
	b.WriteString("1. User intents: what the user asked for, in order.\n")
	b.WriteString("2. Key concepts: technical concepts, tools, and conventions in play.\n")
	b.WriteString("3. Files and code: files read or modified, with the relevant changes.\n")
	b.WriteString("4. Errors and fixes: problems hit and how they were resolved.\n")
	b.WriteString("5. Pending work: tasks started but not finished.\n")
	b.WriteString("6. User messages: the literal text of every user message, in order.\n\n")
	b.WriteString("Transcript:\n\n")

	for _, m := range msgs {
		b.WriteString("[")
		b.WriteString(m.Role)
		b.WriteString("]")
		if m.Name != "" {
			b.WriteString(" (")
			b.WriteString(m.Name)
			b.WriteString(")")
		}
		b.WriteString("\n")
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		for _, call := range m.ToolCalls {
			fmt.Fprintf(&b, "tool call %s(%s)\n", call.Name, call.Arguments)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func continuationPrompt(manual bool) string {
	if manual {
		return "The conversation history was compacted at your request. Ask the user what they would like to focus on next."
	}
	return "The conversation history was compacted automatically to stay within the context window. Continue the task described in the summary above without asking the user to repeat anything."
}
