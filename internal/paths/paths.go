// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
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
	PIDFile    = "daemon.pid"
	ConfigFile = "config.toml"
	LogFile    = "daemon.log"
	// BusFile holds the socket or pipe address the daemon bound.
	BusFile    = "bus.addr"
)

const (
	BinaryName = "imesignals"
	DataDirRel = ".imesignals" // relative to $HOME
	// DataDirEnv overrides the default data directory.
	DataDirEnv = "IMESIGNALS_DATA_DIR"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Bus returns the full path to the bus address file.
func (d DataDir) Bus() string { return filepath.Join(d.Root, BusFile) }

// DefaultRoot returns $IMESIGNALS_DATA_DIR when set, otherwise ~/.imesignals.
// Falls back to ./.imesignals if the home directory cannot be determined.
func DefaultRoot() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", DataDirRel)
	}
	return filepath.Join(home, DataDirRel)
}
