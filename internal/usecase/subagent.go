package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forgecli/internal/domain"
)

// OrchestratorFactory builds an independent orchestrator and session for one
// sub-agent task. Each task gets its own nested tool loop with no shared
// conversation state.
type OrchestratorFactory func() (*Orchestrator, *Session)

// SubAgentManager dispatches isolated agent tasks. Unlike tools within a
// batch, sub-agent tasks may run concurrently; a semaphore bounds how many.
type SubAgentManager struct {
	factory OrchestratorFactory
	logger  *slog.Logger
	timeout time.Duration

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewSubAgentManager creates a manager allowing at most maxConcurrent tasks.
func NewSubAgentManager(factory OrchestratorFactory, maxConcurrent int, timeout time.Duration, logger *slog.Logger) *SubAgentManager {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &SubAgentManager{
		factory: factory,
		logger:  logger,
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Run executes one sub-agent task to completion and returns its final text.
// Blocks while the concurrency limit is saturated.
func (m *SubAgentManager) Run(ctx context.Context, task string) (string, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("subagent dispatch: %w", ctx.Err())
	}
	defer func() { <-m.sem }()

	m.wg.Add(1)
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	orch, session := m.factory()

	m.logger.Debug("subagent started", "session", session.ID)

	result, err := orch.RunTurn(ctx, session, task)
	if err != nil {
		return "", domain.WrapOp("SubAgentManager.Run", err)
	}

	m.logger.Debug("subagent finished",
		"session", session.ID,
		"iterations", result.Iterations,
		"stop_reason", result.StopReason,
	)

	if result.StopReason == StopMaxIterations {
		return result.Content + "\n\n[subagent stopped at iteration limit]", nil
	}
	return result.Content, nil
}

// Wait blocks until all in-flight tasks complete. Intended for shutdown.
func (m *SubAgentManager) Wait() {
	m.wg.Wait()
}
