// Package workspace manages the per-submission scratch directories.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codesandbox/pkg/errors"

	"github.com/google/uuid"
)

const dirPrefix = "ws-"

// Workspace is a private directory owned by exactly one submission.
type Workspace struct {
	ID  string
	Dir string
}

// Path returns the absolute path of a file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Manager creates, fills and destroys workspaces under one root.
type Manager struct {
	root string

	mu   sync.Mutex
	live map[string]struct{}
}

// NewManager prepares root and returns a manager for it.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "codesandbox")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceCreateFailed, "resolve workspace root")
	}
	if err := os.MkdirAll(abs, 0o711); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceCreateFailed, "create workspace root")
	}
	return &Manager{root: abs, live: make(map[string]struct{})}, nil
}

// Root returns the directory holding all workspaces.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh, uniquely named workspace.
// The name comes from a random token, never from submission content.
func (m *Manager) Create() (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.root, dirPrefix+id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, errors.WorkspaceCreateFailed, "create workspace")
	}

	m.mu.Lock()
	m.live[dir] = struct{}{}
	m.mu.Unlock()
	return &Workspace{ID: id, Dir: dir}, nil
}

// Write stores content as a regular file directly inside the workspace.
func (m *Manager) Write(ws *Workspace, name, content string) error {
	if ws == nil {
		return errors.New(errors.WorkspaceWriteFailed).WithMessage("workspace is nil")
	}
	if err := validateFileName(name); err != nil {
		return err
	}
	f, err := os.OpenFile(ws.Path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC|noFollow, 0o600)
	if err != nil {
		return errors.Wrapf(err, errors.WorkspaceWriteFailed, "open %s", name)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, errors.WorkspaceWriteFailed, "write %s", name)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, errors.WorkspaceWriteFailed, "close %s", name)
	}
	return nil
}

// Destroy removes the workspace recursively. Calling it again is a no-op.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if filepath.Dir(ws.Dir) != m.root || !strings.HasPrefix(filepath.Base(ws.Dir), dirPrefix) {
		return errors.New(errors.InvalidParams).WithMessagef("workspace %s is outside %s", ws.Dir, m.root)
	}

	err := os.RemoveAll(ws.Dir)
	if err != nil {
		// Programs may drop permissions on what they create.
		makeOwnerWritable(ws.Dir)
		err = os.RemoveAll(ws.Dir)
	}
	if err != nil {
		return errors.Wrapf(err, errors.InternalServerError, "remove workspace")
	}

	m.mu.Lock()
	delete(m.live, ws.Dir)
	m.mu.Unlock()
	return nil
}

// Live returns the number of created but not yet destroyed workspaces.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func validateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errors.New(errors.InvalidFileName).WithMessagef("invalid file name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.New(errors.InvalidFileName).WithMessagef("invalid file name %q", name)
	}
	return nil
}

func makeOwnerWritable(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if d != nil && d.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
}
