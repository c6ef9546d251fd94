// Package workspace resolves the on-disk layout of a chorus workspace:
// the root directory, the hub-private .chorus/ directory, and the files
// inside it. Resolution walks up from a start path the way git finds .git/.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the hub-private directory at the workspace root.
const DirName = ".chorus"

// ConfigName is the optional configuration file at the workspace root.
const ConfigName = "chorus.toml"

// FindRoot walks up from startPath looking for a directory containing
// .chorus/. Returns the directory containing .chorus/, or an error if the
// filesystem root is reached without finding one.
func FindRoot(startPath string) (string, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	dir := absPath
	for {
		info, err := os.Stat(filepath.Join(dir, DirName))
		if err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s/ directory found (searched from %s to /)", DirName, absPath)
		}
		dir = parent
	}
}

// ChorusDir returns the hub-private directory for a workspace root.
func ChorusDir(root string) string {
	return filepath.Join(root, DirName)
}

// DBPath returns the SQLite database file path.
func DBPath(root string) string {
	return filepath.Join(root, DirName, "chorus.db")
}

// ServerFilePath returns the server.json discovery file path.
func ServerFilePath(root string) string {
	return filepath.Join(root, DirName, "server.json")
}

// LocksDir returns the directory holding the writer lock.
func LocksDir(root string) string {
	return filepath.Join(root, DirName, "locks")
}

// LockPath returns the writer lock file path.
func LockPath(root string) string {
	return filepath.Join(root, DirName, "locks", "writer.lock")
}

// LogPath returns the rotated daemon log file path.
func LogPath(root string) string {
	return filepath.Join(root, DirName, "daemon.log")
}

// ConfigPath returns the optional chorus.toml path at the workspace root.
func ConfigPath(root string) string {
	return filepath.Join(root, ConfigName)
}

// EnsureLayout creates the hub-private directory tree. It is idempotent.
func EnsureLayout(root string) error {
	if err := os.MkdirAll(LocksDir(root), 0o755); err != nil {
		return fmt.Errorf("create workspace layout: %w", err)
	}
	return nil
}

// Resolve returns the absolute, lexically cleaned form of path, interpreting
// a relative path against root.
func Resolve(root, path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path)
}

// Within reports whether path (after resolving against root and lexical
// cleaning) stays inside root. The check is lexical: symbolic links inside
// the workspace that point outside it are not detected. That limitation is
// deliberate and documented; callers must not treat Within as a sandbox.
func Within(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absRoot = filepath.Clean(absRoot)
	resolved := Resolve(absRoot, path)
	if resolved == absRoot {
		return true
	}
	return strings.HasPrefix(resolved, absRoot+string(filepath.Separator))
}
