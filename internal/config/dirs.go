// Package config resolves the application's on-disk directories and loads
// its persisted JSON settings file, and exposes the nil-safe RuntimeConfig
// getters the rest of the engine consults for its tunables.
package config

import (
	"os"
	"path/filepath"
)

const appDirName = "myrientdl"

// Dir returns the application's config/state root, creating nothing.
// Honors XDG_CONFIG_HOME like os.UserConfigDir, which is what makes tests
// hermetic via t.Setenv("XDG_CONFIG_HOME", ...).
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, appDirName)
}

// LogsDir is where debug-*.log files live.
func LogsDir() string {
	return filepath.Join(Dir(), "logs")
}

// DBPath is the embedded queue store's file location.
func DBPath() string {
	return filepath.Join(Dir(), "queue.db")
}

// EnsureDirs creates the config root and its logs subdirectory.
func EnsureDirs() error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(LogsDir(), 0o755)
}
