package domain

import "context"

// Checkpoint is a saved working-tree snapshot tied to a specific turn.
type Checkpoint struct {
	SessionID string `json:"session_id"`
	TurnIndex int    `json:"turn_index"`
	Branch    string `json:"branch"`
}

// CheckpointStore snapshots the working tree per turn. Checkpointing is
// best-effort: a working directory that is not a repository is not an error.
type CheckpointStore interface {
	// CreateCheckpoint commits all working-tree changes on a dedicated branch
	// and returns to the prior branch. Returns false (without error) when the
	// directory is not a repository or any step fails.
	CreateCheckpoint(ctx context.Context, sessionID string, turnIndex int, summary string) bool

	// ListCheckpoints enumerates the session's checkpoints, sorted by turn
	// index ascending.
	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// Undo checks out the branch for the given turn. Uncommitted changes on
	// the current branch are lost; callers must checkpoint first.
	Undo(ctx context.Context, sessionID string, turnIndex int) error

	// Redo is identical to Undo: a direct checkout of the matching branch.
	Redo(ctx context.Context, sessionID string, turnIndex int) error

	// Cleanup deletes all of the session's checkpoint branches, moving off
	// them first if one is currently checked out.
	Cleanup(ctx context.Context, sessionID string) error
}
