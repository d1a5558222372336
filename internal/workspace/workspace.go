// Package workspace allocates the isolated per-request scratch directory
// and guarantees its removal on every exit path.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrWorkspace marks scratch-directory failures. Repeated occurrences
// across requests point at disk exhaustion and are logged loudly by the
// orchestrator rather than swallowed.
var ErrWorkspace = errors.New("workspace error")

type Manager struct {
	root string
}

// NewManager prepares the workspace root. Anything left under it from a
// previous process is removed: interrupted requests must not leak files.
func NewManager(root string) (*Manager, error) {
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("%w: sweep %s: %v", ErrWorkspace, root, err)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %v", ErrWorkspace, root, err)
	}
	return &Manager{root: root}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Acquire creates an empty, request-unique directory. The handle must be
// released exactly when the request finishes; Release is idempotent so a
// deferred call is always safe.
func (m *Manager) Acquire(requestID string) (*Handle, error) {
	dir := filepath.Join(m.root, requestID)
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrWorkspace, dir, err)
	}
	return &Handle{dir: dir}, nil
}

// Handle is an exclusively owned, request-scoped directory.
type Handle struct {
	dir  string
	once sync.Once
	err  error
}

func (h *Handle) Dir() string {
	return h.dir
}

// Path returns the path of a named file inside the workspace.
func (h *Handle) Path(name string) string {
	return filepath.Join(h.dir, name)
}

// Release removes the directory and everything under it.
func (h *Handle) Release() error {
	h.once.Do(func() {
		if err := os.RemoveAll(h.dir); err != nil {
			h.err = fmt.Errorf("%w: remove %s: %v", ErrWorkspace, h.dir, err)
		}
	})
	return h.err
}
