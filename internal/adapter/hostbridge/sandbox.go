package hostbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentdispatch/internal/domain"
)

// Sandbox confines paths to a root directory.
type Sandbox struct {
	root string // absolute, symlink-resolved
}

// NewSandbox creates a sandbox rooted at the given directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve maps a relative or absolute path to a location inside the root.
// Symlinks are resolved before the containment check; a path that does not
// exist yet is checked through its parent.
func (s *Sandbox) Resolve(requested string) (string, error) {
	if requested == "" || requested == "." {
		return s.root, nil
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.root, requested)
	}
	abs := filepath.Clean(requested)

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox, perr.Error())
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}

	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) {
		return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("%q resolves outside %q", requested, s.root))
	}
	return resolved, nil
}

// Rel returns path relative to the root, for display.
func (s *Sandbox) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
