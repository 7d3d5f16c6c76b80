package domain

import "fmt"

// Sentinel errors for the domain layer.
//
// Only ErrAuthInvalid and ErrRetryExhausted abort a turn; every other
// subsystem failure degrades gracefully in-band.
var (
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrRetryExhausted  = fmt.Errorf("retry attempts exhausted")
	ErrContextOverflow = fmt.Errorf("context window exceeded")

	ErrToolNotFound      = fmt.Errorf("tool not found")
	ErrToolTimeout       = fmt.Errorf("tool execution timed out")
	ErrPathNotPermitted  = fmt.Errorf("path outside the workspace")
	ErrCommandNotAllowed = fmt.Errorf("command not in allowlist")

	ErrMaxIterations   = fmt.Errorf("turn reached max tool iterations")
	ErrSessionNotFound = fmt.Errorf("session not found")

	ErrCompactionInFlight = fmt.Errorf("compaction already running for session")
	ErrNotRepository      = fmt.Errorf("working directory is not a repository")
	ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp wraps an error with an operation name unless it is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DomainError{Op: op, Err: err}
}
