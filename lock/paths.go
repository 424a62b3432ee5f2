package lock

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const lockName = ".aifo-coder.lock"

// Locator computes lock candidate paths from the process environment.
type Locator struct {
	Home       string
	RuntimeDir string
	TempDir    string
	Cwd        string
}

// DefaultLocator reads HOME, XDG_RUNTIME_DIR, the temp dir and the working
// directory of the current process.
func DefaultLocator() Locator {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	return Locator{
		Home:       home,
		RuntimeDir: os.Getenv("XDG_RUNTIME_DIR"),
		TempDir:    os.TempDir(),
		Cwd:        cwd,
	}
}

// Candidates returns lock paths in the order they should be tried. Inside a
// git repository the in-repo lock comes first, then a hashed runtime-dir
// path derived from the repository identity, then a global fallback.
func (l Locator) Candidates() []string {
	if root, ok := RepoRoot(l.Cwd); ok {
		return []string{
			filepath.Join(root, lockName),
			l.HashedPath(root),
			"/tmp/aifo-coder.lock",
		}
	}
	var out []string
	if l.Home != "" {
		out = append(out, filepath.Join(l.Home, lockName))
	}
	if l.RuntimeDir != "" {
		out = append(out, filepath.Join(l.RuntimeDir, "aifo-coder.lock"))
	}
	out = append(out, "/tmp/aifo-coder.lock")
	if l.Cwd != "" {
		out = append(out, filepath.Join(l.Cwd, lockName))
	}
	return out
}

// HashedPath returns the runtime-dir lock path for a repository root.
func (l Locator) HashedPath(root string) string {
	base := l.RuntimeDir
	if base == "" {
		base = l.TempDir
	}
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "aifo-coder."+HashKey(RepoKey(root))+".lock")
}

// RepoKey normalizes a repository root into the identity that is hashed.
// Symlinks are resolved so that two spellings of one checkout share a lock.
func RepoKey(root string) string {
	p, err := filepath.Abs(root)
	if err != nil {
		p = root
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}

// HashKey returns 16 hex characters identifying key.
func HashKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// RepoRoot walks up from dir looking for a .git entry.
func RepoRoot(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	d, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return d, true
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", false
		}
		d = parent
	}
}
