// Package sandbox bounds every execution: a workspace path boundary, a
// wall-clock timeout, and a shared counting semaphore for spawned
// processes. Violations yield SANDBOX_VIOLATION, never a partial result.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ViolationError reports a sandbox boundary breach.
type ViolationError struct {
	Op   string // "read", "write", "output", "subprocess"
	Path string
	Rule string
}

func (e *ViolationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sandbox violation: %s %q: %s", e.Op, e.Path, e.Rule)
	}
	return fmt.Sprintf("sandbox violation: %s: %s", e.Op, e.Rule)
}

// Enforcer wraps dispatch with resource ceilings and path restriction.
// One enforcer is shared by all requests; the subprocess semaphore is the
// only mutable state.
type Enforcer struct {
	limits    Limits
	workspace string
	readPaths []string
	procs     chan struct{}
}

// NewEnforcer builds an enforcer rooted at workspace. Read access covers
// the workspace plus allowedRead; write access is workspace-only. All
// paths are resolved to absolute form up front.
func NewEnforcer(workspace string, allowedRead []string, limits Limits) (*Enforcer, error) {
	absWS, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace root: %w", err)
	}
	if absWS, err = resolveSymlinks(absWS); err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace root: %w", err)
	}

	reads := make([]string, 0, len(allowedRead)+1)
	reads = append(reads, absWS)
	for _, p := range allowedRead {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolve read path %q: %w", p, err)
		}
		if abs, err = resolveSymlinks(abs); err != nil {
			return nil, fmt.Errorf("sandbox: resolve read path %q: %w", p, err)
		}
		reads = append(reads, abs)
	}

	if limits.MaxSubprocesses <= 0 {
		limits.MaxSubprocesses = DefaultLimits().MaxSubprocesses
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits().Timeout
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = DefaultLimits().MaxOutputBytes
	}

	return &Enforcer{
		limits:    limits,
		workspace: absWS,
		readPaths: reads,
		procs:     make(chan struct{}, limits.MaxSubprocesses),
	}, nil
}

// WorkspaceRoot returns the absolute workspace root.
func (e *Enforcer) WorkspaceRoot() string {
	return e.workspace
}

// Limits returns the configured ceilings.
func (e *Enforcer) Limits() Limits {
	return e.limits
}

// CheckWrite permits writes only inside the workspace root.
func (e *Enforcer) CheckWrite(path string) error {
	abs, err := e.resolve(path)
	if err != nil {
		return &ViolationError{Op: "write", Path: path, Rule: err.Error()}
	}
	if !within(abs, e.workspace) {
		return &ViolationError{Op: "write", Path: path, Rule: "outside workspace root"}
	}
	return nil
}

// CheckRead permits reads inside the workspace or any allowed read path.
func (e *Enforcer) CheckRead(path string) error {
	abs, err := e.resolve(path)
	if err != nil {
		return &ViolationError{Op: "read", Path: path, Rule: err.Error()}
	}
	for _, root := range e.readPaths {
		if within(abs, root) {
			return nil
		}
	}
	return &ViolationError{Op: "read", Path: path, Rule: "outside workspace and allowed read paths"}
}

// CheckOutputSize rejects backend output larger than the ceiling.
func (e *Enforcer) CheckOutputSize(n int64) error {
	if n > e.limits.MaxOutputBytes {
		return &ViolationError{
			Op:   "output",
			Rule: fmt.Sprintf("%d bytes exceeds %d byte ceiling", n, e.limits.MaxOutputBytes),
		}
	}
	return nil
}

// AcquireProcess takes a slot from the shared subprocess semaphore,
// blocking until one frees or ctx is done. The returned release function
// must be called exactly once.
func (e *Enforcer) AcquireProcess(ctx context.Context) (func(), error) {
	select {
	case e.procs <- struct{}{}:
		return func() { <-e.procs }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithDeadline derives the execution context carrying the wall-clock
// ceiling. The dispatcher runs the backend under this context; expiry
// cancels the underlying call and surfaces as TIMEOUT.
func (e *Enforcer) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.limits.Timeout)
}

// resolve cleans a path to absolute form and expands symlinks. Relative
// paths are anchored at the workspace root, so "./tmp.txt" from a caller
// means a workspace file. Symlinks must be expanded before the prefix
// check, otherwise a link inside the workspace pointing outside would
// pass it.
func (e *Enforcer) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.workspace, path)
	}
	return resolveSymlinks(filepath.Clean(path))
}

// resolveSymlinks expands symlinks in the deepest existing ancestor of
// abs and rejoins the remainder. Write targets often do not exist yet,
// but a symlinked parent directory still counts as its destination.
func resolveSymlinks(abs string) (string, error) {
	dir := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent
	}
}

// within reports whether abs is root itself or a descendant of it.
func within(abs, root string) bool {
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}
