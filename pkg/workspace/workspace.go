// Package workspace provides per-subject scratch directories for matcher runs.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a directory owned by a single subject run.
type Workspace struct {
	// Dir is the absolute path of the directory
	Dir string

	// SubjectID is the subject the directory was created for
	SubjectID string
}

// Acquire creates a fresh directory root/<subjectID>-<uuid>. An empty root
// means the system temporary directory.
func Acquire(root, subjectID string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	dir, err := filepath.Abs(filepath.Join(root, subjectID+"-"+uuid.NewString()))
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{Dir: dir, SubjectID: subjectID}, nil
}

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Release removes the workspace and everything in it.
func (w *Workspace) Release() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
