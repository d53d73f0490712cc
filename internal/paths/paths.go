// Package paths names the files pgnotify keeps in its data directory and
// resolves where that directory lives.
package paths

import (
	"os"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	ConfigFile = "config.toml"
	LogFile    = "pgnotify.log"
	PIDFile    = "pgnotify.pid"
)

const (
	// BinaryName is the CLI executable name.
	BinaryName = "pgnotify"
	// AppDir is the data directory name under the user config directory.
	AppDir = "pgnotify"
	// DataDirRel is the fallback data directory, relative to the working
	// directory, when no user directory can be resolved.
	DataDirRel = ".pgnotify"
	// DataDirEnv overrides the data directory location.
	DataDirEnv = "PGNOTIFY_HOME"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir builds paths rooted at a data directory.
type DataDir struct {
	Root string
}

// Default returns the data directory to use when none is given: $PGNOTIFY_HOME
// if set, otherwise <user config dir>/pgnotify, otherwise ./.pgnotify.
func Default() DataDir {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return DataDir{Root: dir}
	}
	if base, err := os.UserConfigDir(); err == nil {
		return DataDir{Root: filepath.Join(base, AppDir)}
	}
	return DataDir{Root: DataDirRel}
}

// Ensure creates the directory if it does not exist yet.
func (d DataDir) Ensure() error {
	return os.MkdirAll(d.Root, 0o755)
}

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }
