// Package workspace confines filesystem access to a single working root.
//
// Every path a tool receives is relative to the root. Resolve joins it with
// the root, canonicalizes the result (symlinks included) and rejects anything
// that lands outside, before the caller touches the filesystem.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned (wrapped in *EscapeError) when a path resolves
// outside the working root.
var ErrOutsideRoot = errors.New("path is outside the permitted working directory")

// maxLinkHops bounds how many dangling links canonicalize follows.
const maxLinkHops = 40

// EscapeError reports the caller-supplied path that failed containment.
type EscapeError struct {
	Path     string // as supplied by the caller
	Resolved string // canonical form that was rejected
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("%q resolves to %q: %v", e.Path, e.Resolved, ErrOutsideRoot)
}

func (e *EscapeError) Unwrap() error { return ErrOutsideRoot }

// Root is an absolute, symlink-free working directory. It is immutable
// after New returns and safe for concurrent use.
type Root struct {
	path string
}

// New creates the working root at dir, creating it (0750) when missing.
// ~ is expanded to the user home directory.
func New(dir string) (*Root, error) {
	abs, err := resolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving working root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating working root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("evaluating working root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat working root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working root %q is not a directory", canonical)
	}
	return &Root{path: canonical}, nil
}

// Path returns the canonical root path.
func (r *Root) Path() string { return r.path }

// Resolve maps rel to a canonical absolute path inside the root.
//
// Empty and "." resolve to the root. The target does not need to exist, so
// write destinations resolve too; the longest existing ancestor has its
// symlinks evaluated and the missing tail is appended lexically.
func (r *Root) Resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return r.path, nil
	}

	joined := filepath.Join(r.path, rel)
	resolved, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", rel, err)
	}
	if !r.contains(resolved) {
		return "", &EscapeError{Path: rel, Resolved: resolved}
	}
	return resolved, nil
}

// Rel returns abs relative to the root, for display.
func (r *Root) Rel(abs string) string {
	rel, err := filepath.Rel(r.path, abs)
	if err != nil {
		return abs
	}
	return rel
}

// contains is a directory-safe prefix check: "/work" admits "/work/x" and
// "/work" itself but not "/workevil".
func (r *Root) contains(p string) bool {
	return p == r.path || strings.HasPrefix(p, r.path+string(filepath.Separator))
}

// canonicalize evaluates symlinks on the longest existing prefix of p and
// re-attaches the non-existent remainder. A dangling link is followed to its
// target, so a link pointing at a missing file outside the root cannot pass
// as a plain new name.
func canonicalize(p string) (string, error) {
	var tail []string
	cur := p
	hops := 0
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			if hops++; hops > maxLinkHops {
				return "", fmt.Errorf("%s: too many levels of symbolic links", p)
			}
			target, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = target
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
