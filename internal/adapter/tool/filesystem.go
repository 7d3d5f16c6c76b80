package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"forgecli/internal/domain"
	"forgecli/internal/infra/tracer"
)

// FilesystemTool provides workspace-confined file read/write/list operations.
type FilesystemTool struct {
	workspace *Workspace
	logger    *slog.Logger
}

// NewFilesystemTool creates a filesystem tool rooted at the given workspace.
func NewFilesystemTool(workspace *Workspace, logger *slog.Logger) *FilesystemTool {
	return &FilesystemTool{workspace: workspace, logger: logger}
}

func (t *FilesystemTool) Name() string { return "filesystem" }
func (t *FilesystemTool) Description() string {
	return "Read, write, and list files within the workspace"
}

func (t *FilesystemTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["read", "write", "list"], "description": "The file operation to perform"},
				"path": {"type": "string", "description": "File or directory path"},
				"content": {"type": "string", "description": "Content to write (only for write action)"}
			},
			"required": ["action"]
		}`),
	}
}

type filesystemParams struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (t *FilesystemTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.filesystem", t.logger, params,
		func(ctx context.Context, span trace.Span, p filesystemParams) (any, error) {
			span.SetAttributes(tracer.StringAttr("tool.action", p.Action))
			switch p.Action {
			case "read":
				return t.readFile(p)
			case "write":
				return t.writeFile(p)
			case "list":
				return t.listDir(p)
			default:
				return ErrResult("unknown action %q, expected one of: list, read, write", p.Action)
			}
		},
	)
}

func (t *FilesystemTool) readFile(p filesystemParams) (any, error) {
	resolved, err := t.workspace.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	t.logger.Debug("filesystem read", "path", resolved, "size", len(data))
	return TextResult(string(data)), nil
}

func (t *FilesystemTool) writeFile(p filesystemParams) (any, error) {
	resolved, err := t.workspace.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	t.logger.Debug("filesystem write", "path", resolved, "size", len(p.Content))
	return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)), nil
}

func (t *FilesystemTool) listDir(p filesystemParams) (any, error) {
	resolved, err := t.workspace.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return TextResult(strings.Join(names, "\n")), nil
}
