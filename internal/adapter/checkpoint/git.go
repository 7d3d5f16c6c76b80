// Package checkpoint snapshots the working tree once per turn by shelling
// out to git. Every snapshot lives on its own branch so undo/redo are plain
// checkouts.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"forgecli/internal/domain"
)

// GitStore implements domain.CheckpointStore on top of the git executable.
// Exit codes determine success; stdout and stderr are diagnostic only.
type GitStore struct {
	workDir string
	prefix  string
	logger  *slog.Logger
}

// NewGitStore creates a checkpoint store for the given working directory.
// Branches are named <prefix><sessionID>-<turnIndex>.
func NewGitStore(workDir, prefix string, logger *slog.Logger) *GitStore {
	return &GitStore{workDir: workDir, prefix: prefix, logger: logger}
}

func (g *GitStore) branchName(sessionID string, turnIndex int) string {
	return fmt.Sprintf("%s%s-%d", g.prefix, sessionID, turnIndex)
}

// git runs one git command in the working directory and returns trimmed
// stdout.
func (g *GitStore) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitStore) isRepository(ctx context.Context) bool {
	out, err := g.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (g *GitStore) currentBranch(ctx context.Context) (string, error) {
	return g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateCheckpoint commits all working-tree changes on a dedicated branch and
// switches back. Best-effort: any failure logs, attempts to restore the
// original branch, and returns false. It never raises.
func (g *GitStore) CreateCheckpoint(ctx context.Context, sessionID string, turnIndex int, summary string) bool {
	if !g.isRepository(ctx) {
		g.logger.Debug("checkpoint skipped: not a repository", "dir", g.workDir)
		return false
	}

	original, err := g.currentBranch(ctx)
	if err != nil {
		g.logger.Warn("checkpoint failed", "error", err)
		return false
	}

	branch := g.branchName(sessionID, turnIndex)

	restore := func() {
		if _, err := g.git(ctx, "checkout", original); err != nil {
			g.logger.Warn("checkpoint: failed to restore branch", "branch", original, "error", err)
		}
	}

	if _, err := g.git(ctx, "checkout", "-B", branch); err != nil {
		g.logger.Warn("checkpoint failed", "step", "branch", "error", err)
		restore()
		return false
	}
	if _, err := g.git(ctx, "add", "-A"); err != nil {
		g.logger.Warn("checkpoint failed", "step", "stage", "error", err)
		restore()
		return false
	}
	msg := fmt.Sprintf("checkpoint: turn %d\n\n%s", turnIndex, summary)
	if _, err := g.git(ctx, "commit", "--allow-empty", "-m", msg); err != nil {
		g.logger.Warn("checkpoint failed", "step", "commit", "error", err)
		restore()
		return false
	}
	if _, err := g.git(ctx, "checkout", original); err != nil {
		g.logger.Warn("checkpoint failed", "step", "restore", "error", err)
		return false
	}

	g.logger.Debug("checkpoint created", "branch", branch)
	return true
}

// ListCheckpoints enumerates the session's checkpoint branches, parsing the
// naming convention back into turn indices, sorted ascending.
func (g *GitStore) ListCheckpoints(ctx context.Context, sessionID string) ([]domain.Checkpoint, error) {
	if !g.isRepository(ctx) {
		return nil, domain.WrapOp("GitStore.ListCheckpoints", domain.ErrNotRepository)
	}

	out, err := g.git(ctx, "branch", "--list", "--format", "%(refname:short)")
	if err != nil {
		return nil, domain.WrapOp("GitStore.ListCheckpoints", err)
	}

	want := g.prefix + sessionID + "-"
	var checkpoints []domain.Checkpoint
	for _, line := range strings.Split(out, "\n") {
		branch := strings.TrimSpace(line)
		if !strings.HasPrefix(branch, want) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(branch, want))
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, domain.Checkpoint{
			SessionID: sessionID,
			TurnIndex: idx,
			Branch:    branch,
		})
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].TurnIndex < checkpoints[j].TurnIndex
	})
	return checkpoints, nil
}

// Undo checks out the branch for the given turn directly. Uncommitted
// changes on the current branch are lost; callers must checkpoint first.
func (g *GitStore) Undo(ctx context.Context, sessionID string, turnIndex int) error {
	return g.checkout(ctx, "GitStore.Undo", sessionID, turnIndex)
}

// Redo is a direct checkout of the matching branch, same as Undo.
func (g *GitStore) Redo(ctx context.Context, sessionID string, turnIndex int) error {
	return g.checkout(ctx, "GitStore.Redo", sessionID, turnIndex)
}

func (g *GitStore) checkout(ctx context.Context, op, sessionID string, turnIndex int) error {
	if !g.isRepository(ctx) {
		return domain.WrapOp(op, domain.ErrNotRepository)
	}

	branch := g.branchName(sessionID, turnIndex)
	if _, err := g.git(ctx, "rev-parse", "--verify", "refs/heads/"+branch); err != nil {
		return domain.NewDomainError(op, domain.ErrCheckpointNotFound, branch)
	}
	if _, err := g.git(ctx, "checkout", branch); err != nil {
		return domain.WrapOp(op, err)
	}
	return nil
}

// Cleanup deletes all of the session's checkpoint branches. If one of them is
// currently checked out, it moves to the previous branch first.
func (g *GitStore) Cleanup(ctx context.Context, sessionID string) error {
	if !g.isRepository(ctx) {
		return domain.WrapOp("GitStore.Cleanup", domain.ErrNotRepository)
	}

	checkpoints, err := g.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		return nil
	}

	current, err := g.currentBranch(ctx)
	if err != nil {
		return domain.WrapOp("GitStore.Cleanup", err)
	}
	for _, cp := range checkpoints {
		if cp.Branch == current {
			if _, err := g.git(ctx, "checkout", "-"); err != nil {
				return domain.WrapOp("GitStore.Cleanup", err)
			}
			break
		}
	}

	for _, cp := range checkpoints {
		if _, err := g.git(ctx, "branch", "-D", cp.Branch); err != nil {
			g.logger.Warn("cleanup: failed to delete branch", "branch", cp.Branch, "error", err)
		}
	}
	return nil
}
