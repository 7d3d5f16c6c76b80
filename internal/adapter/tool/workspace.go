package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"forgecli/internal/domain"
)

// Workspace confines tool file access to a single root directory.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at the given directory. The root is
// cleaned and made absolute.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: filepath.Clean(abs)}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Resolve turns a tool-supplied path into an absolute path inside the
// workspace. Relative paths are joined to the root; anything escaping the
// root is rejected.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" || path == "." {
		return w.root, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.root, path)
	}
	path = filepath.Clean(path)

	if path != w.root && !strings.HasPrefix(path, w.root+string(filepath.Separator)) {
		return "", domain.NewDomainError("Workspace.Resolve", domain.ErrPathNotPermitted, path)
	}
	return path, nil
}
