package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// ResourceLimits bounds one code-module process.
type ResourceLimits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
	// ModuleRoots lists directories modules may be loaded from. Empty means any.
	ModuleRoots []string `json:"module_roots,omitempty"`
	DenyPaths   []string `json:"deny_paths,omitempty"`
}

// ValidateModulePath rejects module paths that fall under a deny rule or
// outside every configured module root. Deny rules win; a malformed deny rule
// rejects everything.
func (r ResourceLimits) ValidateModulePath(path string) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid module path %q: %v", path, err)
	}

	for _, deny := range r.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"module path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "module path %q is denied", path)
		}
	}

	if len(r.ModuleRoots) == 0 {
		return nil
	}
	for _, root := range r.ModuleRoots {
		base, err := resolveCleanPath(root)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "module path %q is outside the code directory", path)
}

// resolveCleanPath makes path absolute and resolves symlinks on its longest
// existing prefix, so paths that do not exist yet compare consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(resolved, rel), nil
		}
		dir = parent
	}
	return abs, nil
}

// isUnderPath reports whether path equals base or lies beneath it.
// /tmpevil is not under /tmp.
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Caps describes what an isolator can enforce beyond the timeout.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
}

// Isolator wraps a command so it runs under limits. Callers run the returned
// command, never the original, and always call cleanup afterwards.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// cloneCommand copies cmd onto exec.CommandContext bound to a context that
// also carries limits.Timeout. The process is killed on cancellation and pipes
// get five seconds to drain.
func cloneCommand(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (*exec.Cmd, context.CancelFunc) {
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 5 * time.Second
	return wrapped, cancel
}
