// Package workspace manages the ephemeral, permission-restricted directories
// that hold one request's extracted tree and conversion output. A workspace
// is acquired before extraction begins and released unconditionally when the
// request ends, whatever the outcome.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/doccmill/idgen"
)

// DirMode is the permission mode for workspace directories: owner-only.
const DirMode os.FileMode = 0o700

// FileMode is the permission mode for files written into a workspace.
// Never executable.
const FileMode os.FileMode = 0o600

// Workspace is one request's isolated directory tree. The root is the only
// writable location the extractor and executor may touch for that request.
type Workspace struct {
	Token string // unguessable directory token, unique per request
	Root  string // absolute path of the workspace directory

	releaseOnce sync.Once
	manager     *Manager
}

// Path joins elem onto the workspace root. It does not validate containment;
// callers handling untrusted names must go through archsafe.SafePath.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Root}, elem...)...)
}

// Manager creates and destroys workspaces under a common base directory.
// Two concurrent requests never share a workspace: every Acquire produces a
// fresh directory named with a random token.
type Manager struct {
	base   string
	prefix string
	newTok idgen.Generator
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenGenerator overrides the workspace token generator.
func WithTokenGenerator(gen idgen.Generator) Option {
	return func(m *Manager) { m.newTok = gen }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a workspace manager rooted at base. Directories are
// named "<prefix>-<token>"; the prefix scopes the startup sweep so it never
// touches directories this service did not create.
func NewManager(base, prefix string, opts ...Option) *Manager {
	m := &Manager{
		base:   base,
		prefix: prefix,
		newTok: idgen.NanoID(22),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire creates a fresh workspace directory with owner-only permissions.
// The returned workspace must be released exactly once; Release is
// idempotent so defer w.Release() composes with explicit early release.
func (m *Manager) Acquire() (*Workspace, error) {
	token := m.prefix + "-" + m.newTok()
	root := filepath.Join(m.base, token)

	if err := os.MkdirAll(m.base, DirMode); err != nil {
		return nil, fmt.Errorf("workspace base %s: %w", m.base, err)
	}
	// O_EXCL semantics: the token is random, a collision means something is
	// squatting in our base directory and we must not reuse it.
	if err := os.Mkdir(root, DirMode); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", token, err)
	}

	m.logger.Debug("workspace acquired", "workspace", token, "root", root)
	return &Workspace{Token: token, Root: root, manager: m}, nil
}

// Release removes the workspace tree. Safe to call more than once; only the
// first call does work. Removal errors are logged, not returned, so cleanup
// on a failure path never masks the original error.
func (w *Workspace) Release() {
	w.releaseOnce.Do(func() {
		if err := os.RemoveAll(w.Root); err != nil {
			w.logger().Error("workspace release failed", "workspace", w.Token, "error", err)
			return
		}
		w.logger().Debug("workspace released", "workspace", w.Token)
	})
}

func (w *Workspace) logger() *slog.Logger {
	if w.manager != nil {
		return w.manager.logger
	}
	return slog.Default()
}

// Sweep removes orphaned workspace directories left behind by an abnormal
// process termination. Only directories carrying the manager's prefix and
// older than minAge are removed; minAge keeps a sweep during rolling restart
// from deleting a workspace another live process just acquired.
// Returns the number of directories removed.
func (m *Manager) Sweep(minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workspace base %s: %w", m.base, err)
	}

	cutoff := time.Now().Add(-minAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.prefix+"-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.base, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Error("sweep: remove orphan failed", "workspace", e.Name(), "error", err)
			continue
		}
		m.logger.Info("sweep: removed orphaned workspace", "workspace", e.Name())
		removed++
	}
	return removed, nil
}
