package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"forgecli/internal/domain"
)

// BashTool executes shell command lines inside the workspace. When an
// allowlist is set, the base name of the first token must be on it.
type BashTool struct {
	workspace       *Workspace
	allowedCommands map[string]bool
	logger          *slog.Logger
}

// NewBashTool creates a bash tool rooted at the given workspace. An empty
// allowed list permits every command.
func NewBashTool(workspace *Workspace, allowed []string, logger *slog.Logger) *BashTool {
	m := make(map[string]bool, len(allowed))
	for _, cmd := range allowed {
		m[cmd] = true
	}
	return &BashTool{workspace: workspace, allowedCommands: m, logger: logger}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Execute a bash command line inside the workspace"
}

func (t *BashTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The command line to execute"},
				"workdir": {"type": "string", "description": "Working directory relative to the workspace root (optional)"}
			},
			"required": ["command"]
		}`),
	}
}

type bashParams struct {
	Command string `json:"command"`
	WorkDir string `json:"workdir,omitempty"`
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.bash", t.logger, params,
		func(ctx context.Context, span trace.Span, p bashParams) (any, error) {
			if p.Command == "" {
				return ErrResult("command must not be empty")
			}
			if err := t.validateCommand(p.Command); err != nil {
				return nil, err
			}

			workDir, err := t.workspace.Resolve(p.WorkDir)
			if err != nil {
				return nil, err
			}

			cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
			cmd.Dir = workDir

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()

			output := stdout.String()
			if stderr.Len() > 0 {
				output += "\nSTDERR:\n" + stderr.String()
			}

			if runErr != nil {
				t.logger.Debug("bash command failed", "command", p.Command, "error", runErr)
				return nil, fmt.Errorf("command failed: %v\n%s", runErr, output)
			}

			t.logger.Debug("bash command completed", "command", p.Command)
			return output, nil
		},
	)
}

// validateCommand checks the base name of the command line's first token
// against the allowlist.
func (t *BashTool) validateCommand(command string) error {
	if len(t.allowedCommands) == 0 {
		return nil
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	base := filepath.Base(fields[0])
	if !t.allowedCommands[base] {
		return domain.NewDomainError("BashTool.validateCommand", domain.ErrCommandNotAllowed,
			fmt.Sprintf("command %q (base: %q)", command, base))
	}
	return nil
}
