// Package paths provides path resolution utilities for flowline state.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultBaseDirName is the directory under $HOME used when no base path
// is configured.
const DefaultBaseDirName = ".flowline"

// ResolveBaseDir resolves the state base directory from user input.
//
// Input normalization:
//   - ""            -> ~/.flowline
//   - "~/x"         -> $HOME/x
//   - relative path -> cleaned relative path
//   - absolute path -> cleaned absolute path
//
// The returned path is not created; callers that need it on disk use EnsureDir.
func ResolveBaseDir(path string) string {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return DefaultBaseDirName
		}
		return filepath.Join(home, DefaultBaseDirName)
	}
	return filepath.Clean(ExpandHome(path))
}

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
// Paths without the prefix are returned unchanged.
func ExpandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0750)
}

// CountersPath returns the path of the ID-counter document under base.
func CountersPath(base string) string {
	return filepath.Join(base, "counters.json")
}

// WorkflowsDir returns the per-workflow state directory under base.
func WorkflowsDir(base string) string {
	return filepath.Join(base, "workflows")
}

// JobsDir returns the per-job state directory under base.
func JobsDir(base string) string {
	return filepath.Join(base, "jobs")
}

// AgentsPath returns the path of the agent registry document under base.
func AgentsPath(base string) string {
	return filepath.Join(base, "agents.json")
}

// HistoryDBPath returns the path of the transition-history database under base.
func HistoryDBPath(base string) string {
	return filepath.Join(base, "history.db")
}
