package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"forgecli/internal/domain"
)

// TaskRunner executes one isolated agent task to completion. Implemented by
// the sub-agent manager in the usecase layer.
type TaskRunner interface {
	Run(ctx context.Context, task string) (string, error)
}

// SubAgentTool dispatches tasks to independent nested agent loops. Unlike
// other tools, multiple tasks in one call run concurrently.
type SubAgentTool struct {
	runner TaskRunner
	logger *slog.Logger
}

// NewSubAgentTool creates a subagent tool backed by the given runner.
func NewSubAgentTool(runner TaskRunner, logger *slog.Logger) *SubAgentTool {
	return &SubAgentTool{runner: runner, logger: logger}
}

func (t *SubAgentTool) Name() string { return "subagent" }
func (t *SubAgentTool) Description() string {
	return "Delegate one or more independent tasks to sub-agents that run their own tool loops"
}

func (t *SubAgentTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tasks": {
					"type": "array",
					"items": {"type": "string"},
					"minItems": 1,
					"description": "Self-contained task descriptions, one per sub-agent"
				}
			},
			"required": ["tasks"]
		}`),
	}
}

type subAgentParams struct {
	Tasks []string `json:"tasks"`
}

func (t *SubAgentTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.subagent", t.logger, params,
		func(ctx context.Context, span trace.Span, p subAgentParams) (any, error) {
			if len(p.Tasks) == 0 {
				return ErrResult("tasks must not be empty")
			}

			results := make([]string, len(p.Tasks))
			var wg sync.WaitGroup
			for i, task := range p.Tasks {
				wg.Add(1)
				go func(i int, task string) {
					defer wg.Done()
					out, err := t.runner.Run(ctx, task)
					if err != nil {
						out = "Error: " + err.Error()
					}
					results[i] = out
				}(i, task)
			}
			wg.Wait()

			report := struct {
				Results []string `json:"results"`
			}{Results: results}
			return report, nil
		},
	)
}
