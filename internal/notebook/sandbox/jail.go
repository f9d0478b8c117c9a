package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"booml/pkg/errors"

	mapset "github.com/deckarep/golang-set/v2"
)

// Jail confines path resolution to a single workspace directory.
type Jail struct {
	root       string
	extensions mapset.Set[string]
}

// NewJail creates a jail rooted at root. The root is canonicalised when it exists.
func NewJail(root string, extensions mapset.Set[string]) *Jail {
	abs, err := filepath.Abs(root)
	if err == nil {
		root = abs
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	if extensions == nil {
		extensions = DefaultWriteExtensions()
	}
	return &Jail{root: filepath.Clean(root), extensions: extensions}
}

// Root returns the canonical workspace path.
func (j *Jail) Root() string {
	return j.root
}

// Resolve maps a user-supplied path to an absolute path inside the workspace.
// Relative paths and paths under the synthetic cwd are taken relative to the root.
func (j *Jail) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Violation("empty path")
	}
	if strings.ContainsRune(name, 0) {
		return "", errors.Violation("path contains NUL byte")
	}

	var candidate string
	switch {
	case name == SyntheticCwd:
		candidate = j.root
	case strings.HasPrefix(name, SyntheticCwd+"/"):
		candidate = filepath.Join(j.root, strings.TrimPrefix(name, SyntheticCwd+"/"))
	case filepath.IsAbs(name):
		candidate = filepath.Clean(name)
	default:
		candidate = filepath.Join(j.root, name)
	}

	resolved, err := evalExisting(candidate)
	if err != nil {
		return "", errors.Violation("cannot resolve path %q", name)
	}
	if !j.contains(resolved) {
		return "", errors.Violation("path %q escapes the workspace", name)
	}
	return resolved, nil
}

// ResolveForWrite resolves name and additionally checks the write-extension allowlist.
func (j *Jail) ResolveForWrite(name string) (string, error) {
	resolved, err := j.Resolve(name)
	if err != nil {
		return "", err
	}
	if resolved == j.root {
		return "", errors.Violation("cannot write to the workspace root")
	}
	if !extensionAllowed(j.extensions, resolved) {
		return "", errors.Violation("writing %q is not allowed: extension not permitted", filepath.Base(resolved))
	}
	return resolved, nil
}

// Rel returns the workspace-relative slash path of an absolute path inside the jail.
func (j *Jail) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(j.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (j *Jail) contains(path string) bool {
	if path == j.root {
		return true
	}
	return strings.HasPrefix(path, j.root+string(os.PathSeparator))
}

// evalExisting resolves symlinks on the longest existing prefix of path and
// re-appends the non-existent remainder.
func evalExisting(path string) (string, error) {
	path = filepath.Clean(path)
	var rest []string
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				real = filepath.Join(real, rest[i])
			}
			return filepath.Clean(real), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		rest = append(rest, filepath.Base(current))
		current = parent
	}
}
